package forms

import (
	"context"
	"fmt"

	"doser-dashboard/internal/device"
)

// Defaults used for new connections.
const (
	DefaultAddress = "0.0.0.0"
	DefaultMask    = "255.255.255.0"
)

func defaultIPv4() device.IPv4 {
	return device.IPv4{
		DHCP:      true,
		IPAddress: DefaultAddress,
		Mask:      DefaultMask,
		Gateway:   DefaultAddress,
		DNS:       DefaultAddress,
	}
}

// DefaultNetwork returns the template for a new connection of type t. The
// returned network has no id yet.
func DefaultNetwork(t device.NetworkType) (device.Network, error) {
	var link device.Link
	switch t {
	case device.NetworkWiFi:
		link = &device.WiFi{IPv4: defaultIPv4()}
	case device.NetworkEthernet:
		link = &device.Ethernet{IPv4: defaultIPv4()}
	case device.NetworkBLE:
		link = &device.BLE{}
	case device.NetworkThread:
		link = &device.Thread{
			Channel:         13,
			NetworkName:     "OpenThread-8fab",
			NetworkKey:      "0xdfd34f0f05cad978ec4e32b0413038ff",
			PanID:           "0x8f28",
			ExtPanID:        "0xd63e8e3e495ebbc3",
			PSKc:            "0xc23a76e98f1a6483639b1ac1271e2e27",
			MeshLocalPrefix: "fd53:145f:ed22:ad81::/64",
			ForceDataset:    true,
		}
	case device.NetworkCAN:
		link = &device.CAN{NodeIs: 1}
	default:
		return device.Network{}, fmt.Errorf("unknown network type %d", int(t))
	}
	return device.Network{ID: device.UnassignedID, Link: link}, nil
}

var ipv4Fields = []string{"dhcp", "ip_address", "mask", "gateway", "dns"}

// NetworkFields lists the editable fields of a connection type in form order.
func NetworkFields(t device.NetworkType) []string {
	switch t {
	case device.NetworkWiFi:
		return append([]string{"ssid", "password"}, ipv4Fields...)
	case device.NetworkEthernet:
		return append([]string(nil), ipv4Fields...)
	case device.NetworkThread:
		return []string{"channel", "network_name", "network_key", "pan_id", "ext_pan_id", "pskc", "mesh_local_prefix", "force_dataset"}
	case device.NetworkCAN:
		return []string{"node_is"}
	}
	return []string{}
}

// TypeOption is one entry of the "add connection" picker.
type TypeOption struct {
	Type      device.NetworkType `json:"type"`
	Label     string             `json:"label"`
	Available bool               `json:"available"`
}

// AvailableNetworkTypes lists every connection type and whether another
// connection of that type can still be added.
func AvailableNetworkTypes(networks []device.Network) []TypeOption {
	used := make(map[device.NetworkType]bool, len(networks))
	for _, n := range networks {
		used[n.Type()] = true
	}
	types := device.NetworkTypes()
	out := make([]TypeOption, 0, len(types))
	for _, t := range types {
		out = append(out, TypeOption{Type: t, Label: t.String(), Available: !used[t]})
	}
	return out
}

// ValidateNetwork checks a connection before it is submitted. With DHCP
// off an address and mask are required; any address given must be IPv4.
func ValidateNetwork(n device.Network) error {
	if n.Link == nil {
		return invalid("type", "Connection type is required.")
	}
	cfg, ok := n.IPv4Config()
	if !ok {
		return nil
	}
	if !cfg.DHCP {
		if cfg.IPAddress == "" {
			return invalid("ip_address", "IP address is required.")
		}
		if cfg.Mask == "" {
			return invalid("mask", "Mask is required.")
		}
	}
	for _, f := range []struct {
		name, value string
	}{
		{"ip_address", cfg.IPAddress},
		{"mask", cfg.Mask},
		{"gateway", cfg.Gateway},
		{"dns", cfg.DNS},
	} {
		if f.value != "" && !isIPv4(f.value) {
			return invalid(f.name, "Invalid IPv4 address.")
		}
	}
	return nil
}

// AddNetwork adds a new connection of type t filled with its defaults.
func AddNetwork(store NetworkStore, t device.NetworkType) (device.Network, error) {
	n, err := DefaultNetwork(t)
	if err != nil {
		return device.Network{}, invalid("type", err.Error())
	}
	return store.AddNetwork(n)
}

// SubmitNetwork validates an edited connection and persists it. The target
// is looked up by id; its type cannot be changed by an edit.
func SubmitNetwork(ctx context.Context, store NetworkStore, n device.Network) (bool, error) {
	current, ok := store.Network(n.ID)
	if !ok {
		return false, nil
	}
	if n.Link == nil || n.Type() != current.Type() {
		return false, invalid("type", "Connection type cannot be changed.")
	}
	if err := ValidateNetwork(n); err != nil {
		return false, err
	}
	return store.UpdateNetwork(ctx, n)
}
