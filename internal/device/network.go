package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NetworkType identifies the kind of a network connection.
// The numeric values are the ones the controller firmware uses on the wire.
type NetworkType int

const (
	NetworkWiFi NetworkType = iota
	NetworkEthernet
	NetworkBLE
	NetworkThread
	NetworkCAN
)

var networkTypeNames = [...]string{"WiFi", "Ethernet", "BLE", "Thread", "CAN"}

// UnassignedID marks a network that has not been given an id yet.
const UnassignedID = -1

// NetworkTypes returns all connection types in wire order.
func NetworkTypes() []NetworkType {
	return []NetworkType{NetworkWiFi, NetworkEthernet, NetworkBLE, NetworkThread, NetworkCAN}
}

func (t NetworkType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("NetworkType(%d)", int(t))
	}
	return networkTypeNames[t]
}

// Valid reports whether t is one of the known connection types.
func (t NetworkType) Valid() bool {
	return t >= NetworkWiFi && t <= NetworkCAN
}

// ParseNetworkType accepts a type name (case-insensitive) or its numeric value.
func ParseNetworkType(s string) (NetworkType, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		t := NetworkType(n)
		if !t.Valid() {
			return 0, fmt.Errorf("unknown network type %d", n)
		}
		return t, nil
	}
	for i, name := range networkTypeNames {
		if strings.EqualFold(name, s) {
			return NetworkType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown network type %q", s)
}

// UnmarshalJSON accepts both the numeric wire form and the type name.
func (t *NetworkType) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var parsed NetworkType
	var err error
	switch v := raw.(type) {
	case float64:
		parsed, err = ParseNetworkType(strconv.Itoa(int(v)))
	case string:
		parsed, err = ParseNetworkType(v)
	default:
		err = fmt.Errorf("network type must be a number or a name, got %s", string(data))
	}
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Link is the type-specific part of a network connection.
// It is implemented by *WiFi, *Ethernet, *BLE, *Thread and *CAN only.
type Link interface {
	Type() NetworkType
	clone() Link
}

// IPv4 holds the address settings shared by WiFi and Ethernet links.
type IPv4 struct {
	DHCP      bool   `json:"dhcp"`
	IPAddress string `json:"ip_address"`
	Mask      string `json:"mask"`
	Gateway   string `json:"gateway"`
	DNS       string `json:"dns"`
}

// WiFi is a station connection to an access point.
type WiFi struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	IPv4
}

// Ethernet is a wired connection.
type Ethernet struct {
	IPv4
}

// BLE has no configurable parameters.
type BLE struct{}

// Thread carries the operational dataset of a Thread mesh.
type Thread struct {
	Channel         int    `json:"channel"`
	NetworkName     string `json:"network_name"`
	NetworkKey      string `json:"network_key"`
	PanID           string `json:"pan_id"`
	ExtPanID        string `json:"ext_pan_id"`
	PSKc            string `json:"pskc"`
	MeshLocalPrefix string `json:"mesh_local_prefix"`
	ForceDataset    bool   `json:"force_dataset"`
}

// CAN configures the CAN bus node role.
type CAN struct {
	NodeIs int `json:"node_is"`
}

func (*WiFi) Type() NetworkType     { return NetworkWiFi }
func (*Ethernet) Type() NetworkType { return NetworkEthernet }
func (*BLE) Type() NetworkType      { return NetworkBLE }
func (*Thread) Type() NetworkType   { return NetworkThread }
func (*CAN) Type() NetworkType      { return NetworkCAN }

func (l *WiFi) clone() Link     { c := *l; return &c }
func (l *Ethernet) clone() Link { c := *l; return &c }
func (l *BLE) clone() Link      { return &BLE{} }
func (l *Thread) clone() Link   { c := *l; return &c }
func (l *CAN) clone() Link      { c := *l; return &c }

// NewLink returns a zero-valued link of the given type.
func NewLink(t NetworkType) (Link, error) {
	switch t {
	case NetworkWiFi:
		return &WiFi{}, nil
	case NetworkEthernet:
		return &Ethernet{}, nil
	case NetworkBLE:
		return &BLE{}, nil
	case NetworkThread:
		return &Thread{}, nil
	case NetworkCAN:
		return &CAN{}, nil
	}
	return nil, fmt.Errorf("unknown network type %d", int(t))
}

// Network is one configured connection of the controller.
type Network struct {
	ID   int
	Link Link
}

// Type returns the connection type, or -1 if the network has no link.
func (n Network) Type() NetworkType {
	if n.Link == nil {
		return -1
	}
	return n.Link.Type()
}

// IPv4Config returns the address block of WiFi and Ethernet links.
func (n Network) IPv4Config() (*IPv4, bool) {
	switch l := n.Link.(type) {
	case *WiFi:
		return &l.IPv4, true
	case *Ethernet:
		return &l.IPv4, true
	}
	return nil, false
}

// Clone returns a copy that shares no memory with n.
func (n Network) Clone() Network {
	c := Network{ID: n.ID}
	if n.Link != nil {
		c.Link = n.Link.clone()
	}
	return c
}

var errNoLink = errors.New("network has no link")

// MarshalJSON flattens the link fields next to id and type, which is the
// shape the firmware expects.
func (n Network) MarshalJSON() ([]byte, error) {
	if n.Link == nil {
		return nil, errNoLink
	}
	body, err := json.Marshal(n.Link)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if n.ID != UnassignedID {
		fields["id"] = json.RawMessage(strconv.Itoa(n.ID))
	}
	fields["type"] = json.RawMessage(strconv.Itoa(int(n.Link.Type())))
	return json.Marshal(fields)
}

func (n *Network) UnmarshalJSON(data []byte) error {
	var head struct {
		ID   *int         `json:"id"`
		Type *NetworkType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode network: %w", err)
	}
	if head.Type == nil {
		return fmt.Errorf("decode network: missing type")
	}
	link, err := NewLink(*head.Type)
	if err != nil {
		return fmt.Errorf("decode network: %w", err)
	}
	if err := json.Unmarshal(data, link); err != nil {
		return fmt.Errorf("decode %s network: %w", head.Type, err)
	}
	n.ID = UnassignedID
	if head.ID != nil {
		n.ID = *head.ID
	}
	n.Link = link
	return nil
}

// CloneNetworks copies a networks slice, returning a non-nil slice.
func CloneNetworks(networks []Network) []Network {
	out := make([]Network, len(networks))
	for i, n := range networks {
		out[i] = n.Clone()
	}
	return out
}
