package forms

import (
	"context"
	"strconv"
	"unicode/utf8"

	"doser-dashboard/internal/device"
)

func lengthBetween(s string, lo, hi int) bool {
	n := utf8.RuneCountInString(s)
	return n >= lo && n <= hi
}

// ValidateServices checks the services form.
func ValidateServices(svc device.Services) error {
	if !lengthBetween(svc.Hostname, 3, 20) {
		return invalid("hostname", "Hostname must be 3 to 20 characters.")
	}
	if svc.NTPServer != "" && !lengthBetween(svc.NTPServer, 3, 20) {
		return invalid("ntp_server", "NTP server must be 3 to 20 characters.")
	}
	if svc.MQTTIPAddress != "" && !isIPv4(svc.MQTTIPAddress) {
		return invalid("mqtt_ip_address", "Invalid IPv4 address.")
	}
	if svc.MQTTPort != "" {
		port, err := strconv.Atoi(svc.MQTTPort)
		if err != nil || port < 1 || port > 65535 {
			return invalid("mqtt_port", "Port must be a number between 1 and 65535.")
		}
	}
	if svc.MQTTQoS < 0 || svc.MQTTQoS > 2 {
		return invalid("mqtt_qos", "QoS must be 0, 1 or 2.")
	}
	return nil
}

// SubmitServices validates the services record and persists it as a unit.
func SubmitServices(ctx context.Context, store ServicesStore, svc device.Services) (bool, error) {
	if err := ValidateServices(svc); err != nil {
		return false, err
	}
	return store.UpdateServices(ctx, svc)
}
