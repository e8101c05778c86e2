//go:build no_mqtt

package main

import (
	"log/slog"

	"doser-dashboard/internal/forms"
	"doser-dashboard/internal/settings"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *settings.Store, _ forms.Runner, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
