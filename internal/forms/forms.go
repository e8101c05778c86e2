// Package forms holds the submit-time logic of the dashboard's forms:
// templates for new entries, field validation and the store calls each
// form ends in. A ValidationError means nothing was sent to the device.
package forms

import (
	"context"
	"fmt"
	"net/netip"

	"doser-dashboard/internal/device"
)

// ValidationError reports the first invalid field of a submitted form.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// isIPv4 reports whether s is a dotted-quad IPv4 literal.
func isIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// NetworkStore is the part of the settings store the network form uses.
type NetworkStore interface {
	Networks() []device.Network
	Network(id int) (device.Network, bool)
	AddNetwork(candidate device.Network) (device.Network, error)
	UpdateNetwork(ctx context.Context, n device.Network) (bool, error)
}

// PumpStore is the part of the settings store the pump forms use.
type PumpStore interface {
	Pump(id int) (device.Pump, bool)
	UpdatePump(ctx context.Context, p device.Pump, persist bool) (bool, error)
}

// ServicesStore is the part of the settings store the services form uses.
type ServicesStore interface {
	UpdateServices(ctx context.Context, svc device.Services) (bool, error)
}

// Runner sends direct pump commands to the device.
type Runner interface {
	Run(ctx context.Context, cmd device.RunCommand) (bool, error)
}
