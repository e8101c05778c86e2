package device

// WiFiMode is the radio mode reported by the controller.
type WiFiMode string

const (
	WiFiModeSTA WiFiMode = "STA"
	WiFiModeAP  WiFiMode = "AP"
)

// MQTTService reports the controller's MQTT client state.
type MQTTService struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// NTPService reports the controller's time sync state.
type NTPService struct {
	Enabled bool `json:"enabled"`
	Sync    bool `json:"sync"`
}

// Status is a read-only snapshot of the controller.
type Status struct {
	UpTime           string      `json:"up_time"`
	LocalTime        string      `json:"local_time"`
	FreeHeap         int64       `json:"free_heap"`
	VCC              float64     `json:"vcc"`
	BoardTemperature float64     `json:"board_temperature"`
	WiFiMode         WiFiMode    `json:"wifi_mode"`
	IPAddress        string      `json:"ip_address"`
	MACAddress       string      `json:"mac_address"`
	MQTTService      MQTTService `json:"mqtt_service"`
	NTPService       NTPService  `json:"ntp_service"`
	FirmwareVersion  string      `json:"firmware_version"`
	FirmwareDate     string      `json:"firmware_date"`
}

// DefaultStatus is shown before the first successful status load.
func DefaultStatus() Status {
	return Status{
		VCC:              3.3,
		BoardTemperature: 25,
		WiFiMode:         WiFiModeSTA,
		NTPService:       NTPService{Enabled: true, Sync: true},
	}
}
