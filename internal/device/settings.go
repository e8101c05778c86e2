package device

import "strings"

// Credentials are submitted once to obtain a session token.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is the body of a successful POST /api/auth.
type TokenResponse struct {
	Token string `json:"token"`
}

// Auth is the controller's admin account.
type Auth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Services is the flat NTP/MQTT/OTA configuration record.
type Services struct {
	Hostname      string `json:"hostname"`
	NTPServer     string `json:"ntp_server"`
	UTCOffset     int    `json:"utc_offset"`
	NTPDST        bool   `json:"ntp_dst"`
	MQTTIPAddress string `json:"mqtt_ip_address"`
	MQTTPort      string `json:"mqtt_port"`
	MQTTUser      string `json:"mqtt_user"`
	MQTTPassword  string `json:"mqtt_password"`
	MQTTQoS       int    `json:"mqtt_qos"`
	EnableNTP     bool   `json:"enable_ntp"`
	EnableMQTT    bool   `json:"enable_mqtt"`
	OTAURL        string `json:"ota_url"`
}

// Time is the controller clock configuration.
type Time struct {
	TimeZone string `json:"time_zone"`
	Date     string `json:"date"`
	Time     string `json:"time"`
}

// Settings is the full configuration aggregate of the controller.
type Settings struct {
	Auth     Auth      `json:"auth"`
	Networks []Network `json:"networks"`
	Services Services  `json:"services"`
	Pumps    []Pump    `json:"pumps"`
	Time     Time      `json:"time"`
}

// NewSettings returns an empty aggregate with non-nil collections.
func NewSettings() *Settings {
	return &Settings{
		Networks: []Network{},
		Pumps:    []Pump{},
	}
}

// Clone returns a deep copy of s.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.Networks = CloneNetworks(s.Networks)
	c.Pumps = ClonePumps(s.Pumps)
	return &c
}

// SettingsPatch is a partial aggregate for POST /api/settings. Only non-nil
// members are sent; an empty networks or pumps list is still sent as [].
type SettingsPatch struct {
	Auth     *Auth      `json:"auth,omitempty"`
	Networks *[]Network `json:"networks,omitempty"`
	Services *Services  `json:"services,omitempty"`
	Pumps    *[]Pump    `json:"pumps,omitempty"`
	Time     *Time      `json:"time,omitempty"`
}

// Keys lists the aggregate members present in the patch, for logging.
func (p SettingsPatch) Keys() string {
	var keys []string
	if p.Auth != nil {
		keys = append(keys, "auth")
	}
	if p.Networks != nil {
		keys = append(keys, "networks")
	}
	if p.Services != nil {
		keys = append(keys, "services")
	}
	if p.Pumps != nil {
		keys = append(keys, "pumps")
	}
	if p.Time != nil {
		keys = append(keys, "time")
	}
	return strings.Join(keys, ",")
}

// SaveResponse is returned by the mutating endpoints.
type SaveResponse struct {
	Success bool `json:"success"`
}

// Run durations with special meaning for RunCommand.Time.
const (
	RunForever = -1
	RunStop    = 0
)

// RunCommand drives a pump directly. Time is in minutes.
type RunCommand struct {
	ID        int       `json:"id"`
	Speed     float64   `json:"speed"`
	Direction Direction `json:"direction"`
	Time      float64   `json:"time"`
}
