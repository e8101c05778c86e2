package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "device:\n  base_url: http://192.168.4.1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.Store.Path != "doser-dashboard.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Device.Timeout != 0 || cfg.Status.PollInterval != 10*time.Second {
		t.Errorf("timeout = %s, poll = %s", cfg.Device.Timeout, cfg.Status.PollInterval)
	}
	if cfg.MQTT.TopicPrefix != "doser" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigValues(t *testing.T) {
	body := `
device:
  base_url: https://doser.local
  timeout: 5s
status:
  poll_interval: 1m
settings:
  rollback: true
mqtt:
  enabled: true
  broker: tcp://broker:1883
`
	cfg, err := loadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Timeout != 5*time.Second || cfg.Status.PollInterval != time.Minute {
		t.Errorf("timeout = %s, poll = %s", cfg.Device.Timeout, cfg.Status.PollInterval)
	}
	if !cfg.Settings.Rollback || !cfg.MQTT.Enabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing base url", "web:\n  listen: 0.0.0.0:8080\n"},
		{"bad scheme", "device:\n  base_url: ftp://doser\n"},
		{"poll too fast", "device:\n  base_url: http://doser\nstatus:\n  poll_interval: 100ms\n"},
		{"mqtt without broker", "device:\n  base_url: http://doser\nmqtt:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfigZeroTimeout(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "device:\n  base_url: http://doser\n  timeout: 0s\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Timeout != 0 {
		t.Errorf("timeout = %s, want 0", cfg.Device.Timeout)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
