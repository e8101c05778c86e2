//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"doser-dashboard/internal/device"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/doser_reef/vcc/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// controllerInfo identifies the dosing controller in the HA device registry.
type controllerInfo struct {
	Hostname string
	Firmware string
}

// displayName returns a display name for the controller.
func (c controllerInfo) displayName() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	return "Doser"
}

// nodeID returns the unique identifier for HA device registry.
func (c controllerInfo) nodeID() string {
	if c.Hostname == "" {
		return "doser"
	}
	// Sanitize: lowercase and keep only safe chars for MQTT topics.
	name := strings.ToLower(c.Hostname)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	return "doser_" + name
}

func (c controllerInfo) haDevice() haDevice {
	return haDevice{
		Identifiers:  []string{c.nodeID()},
		Manufacturer: "Doser",
		Model:        "Dosing pump controller",
		Name:         c.displayName(),
		SWVersion:    c.Firmware,
	}
}

func availabilityTopic(prefix string) string { return prefix + "/bridge/state" }
func statusTopic(prefix string) string       { return prefix + "/status" }

func pumpTopic(prefix string, id int) string {
	return fmt.Sprintf("%s/pump/%d", prefix, id)
}

// pumpCommandTopic accepts an MQTT wildcard as id.
func pumpCommandTopic(prefix, id string) string {
	return prefix + "/pump/" + id + "/run"
}

// buildStatusDiscovery generates HA discovery messages for the status snapshot.
func buildStatusDiscovery(info controllerInfo, prefix string) []discoveryMsg {
	avail := availabilityTopic(prefix)
	state := statusTopic(prefix)
	nodeID := info.nodeID()
	name := info.displayName()
	dev := info.haDevice()

	return []discoveryMsg{
		buildSensor(nodeID, name, state, avail, dev,
			"board_temperature", "Board Temperature", "temperature", "°C", "measurement",
			"{{ value_json.board_temperature }}"),
		buildSensor(nodeID, name, state, avail, dev,
			"vcc", "Supply Voltage", "voltage", "V", "measurement",
			"{{ value_json.vcc }}"),
		buildSensor(nodeID, name, state, avail, dev,
			"free_heap", "Free Heap", "data_size", "B", "measurement",
			"{{ value_json.free_heap }}"),
		buildSensor(nodeID, name, state, avail, dev,
			"up_time", "Uptime", "", "", "",
			"{{ value_json.up_time }}"),
		buildSensor(nodeID, name, state, avail, dev,
			"ip_address", "IP Address", "", "", "",
			"{{ value_json.ip_address }}"),
		buildBinarySensor(nodeID, name, state, avail, dev,
			"mqtt_connected", "MQTT Connected", "connectivity",
			"{{ 'ON' if value_json.mqtt_service.connected else 'OFF' }}"),
		buildBinarySensor(nodeID, name, state, avail, dev,
			"ntp_sync", "NTP Sync", "",
			"{{ 'ON' if value_json.ntp_service.sync else 'OFF' }}"),
	}
}

// buildPumpDiscovery generates HA discovery messages for one pump.
func buildPumpDiscovery(info controllerInfo, prefix string, p device.Pump) []discoveryMsg {
	avail := availabilityTopic(prefix)
	state := pumpTopic(prefix, p.ID)
	nodeID := info.nodeID()
	name := info.displayName() + " " + pumpDisplayName(p)
	dev := info.haDevice()
	obj := fmt.Sprintf("pump%d", p.ID)

	return []discoveryMsg{
		buildSensor(nodeID, name, state, avail, dev,
			obj+"_tank_volume", "Tank Volume", "volume_storage", "mL", "measurement",
			"{{ value_json.tank_current_vol }}"),
		buildSensor(nodeID, name, state, avail, dev,
			obj+"_tank_level", "Tank Level", "", "%", "measurement",
			"{{ value_json.tank_level }}"),
		buildBinarySensor(nodeID, name, state, avail, dev,
			obj+"_enabled", "Enabled", "",
			"{{ 'ON' if value_json.enabled else 'OFF' }}"),
	}
}

func pumpDisplayName(p device.Pump) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("Pump %d", p.ID+1)
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	if deviceClass == "" && unit == "" {
		payload.EntityCategory = "diagnostic"
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemovePumpDiscovery generates empty retained messages to remove a
// pump's entities from HA.
func buildRemovePumpDiscovery(info controllerInfo, pumpID int) []discoveryMsg {
	nodeID := info.nodeID()
	obj := fmt.Sprintf("pump%d", pumpID)

	components := []struct{ comp, obj string }{
		{"sensor", obj + "_tank_volume"},
		{"sensor", obj + "_tank_level"},
		{"binary_sensor", obj + "_enabled"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// buildRemoveStatusDiscovery generates empty retained messages for every
// controller-level entity under info's node.
func buildRemoveStatusDiscovery(info controllerInfo, prefix string) []discoveryMsg {
	msgs := buildStatusDiscovery(info, prefix)
	for i := range msgs {
		msgs[i].Payload = nil
	}
	return msgs
}
