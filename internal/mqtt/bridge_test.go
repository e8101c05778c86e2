//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"doser-dashboard/internal/device"
	"doser-dashboard/internal/settings"
	"doser-dashboard/internal/store"
)

func TestDiscoveryStatusSensors(t *testing.T) {
	info := controllerInfo{Hostname: "Reef Doser", Firmware: "1.4.0"}

	msgs := buildStatusDiscovery(info, "doser")
	if len(msgs) == 0 {
		t.Fatal("expected discovery messages")
	}

	var tempMsg *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/sensor/doser_reef_doser/board_temperature/config" {
			tempMsg = &msgs[i]
			break
		}
	}
	if tempMsg == nil {
		t.Fatal("board temperature discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(tempMsg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Name != "Reef Doser Board Temperature" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "doser_reef_doser_board_temperature" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.DeviceClass != "temperature" || payload.UnitOfMeasurement != "°C" {
		t.Errorf("device_class = %q, unit = %q", payload.DeviceClass, payload.UnitOfMeasurement)
	}
	if payload.StateTopic != "doser/status" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "doser/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.SWVersion != "1.4.0" {
		t.Errorf("device.sw_version = %q", payload.Device.SWVersion)
	}

	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/sensor/doser_reef_doser/vcc/config",
		"homeassistant/sensor/doser_reef_doser/free_heap/config",
		"homeassistant/binary_sensor/doser_reef_doser/ntp_sync/config",
	} {
		if !topics[want] {
			t.Errorf("%s missing", want)
		}
	}
}

func TestDiagnosticSensorsHaveCategory(t *testing.T) {
	msgs := buildStatusDiscovery(controllerInfo{}, "doser")
	for _, m := range msgs {
		if m.Topic != "homeassistant/sensor/doser/up_time/config" {
			continue
		}
		var payload haDiscovery
		json.Unmarshal(m.Payload, &payload)
		if payload.EntityCategory != "diagnostic" {
			t.Errorf("entity_category = %q, want diagnostic", payload.EntityCategory)
		}
		return
	}
	t.Error("uptime discovery not found")
}

func TestDiscoveryPump(t *testing.T) {
	info := controllerInfo{Hostname: "reef"}
	p := device.Pump{ID: 2, Name: "Calcium"}

	msgs := buildPumpDiscovery(info, "doser", p)
	topics := extractTopics(msgs)

	if !topics["homeassistant/sensor/doser_reef/pump2_tank_volume/config"] {
		t.Error("tank volume discovery missing")
	}
	if !topics["homeassistant/binary_sensor/doser_reef/pump2_enabled/config"] {
		t.Error("enabled discovery missing")
	}

	var payload haDiscovery
	json.Unmarshal(msgs[0].Payload, &payload)
	if payload.Name != "reef Calcium Tank Volume" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.StateTopic != "doser/pump/2" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
}

func TestNodeID(t *testing.T) {
	tests := []struct {
		hostname string
		want     string
	}{
		{"", "doser"},
		{"reef", "doser_reef"},
		{"Reef Tank #2", "doser_reef_tank__2"},
		{"doser-01", "doser_doser-01"},
	}
	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			got := controllerInfo{Hostname: tt.hostname}.nodeID()
			if got != tt.want {
				t.Errorf("nodeID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPumpDisplayName(t *testing.T) {
	if got := pumpDisplayName(device.Pump{ID: 0, Name: "Mg"}); got != "Mg" {
		t.Errorf("got %q, want Mg", got)
	}
	if got := pumpDisplayName(device.Pump{ID: 3}); got != "Pump 4" {
		t.Errorf("got %q, want Pump 4", got)
	}
}

func TestRemovePumpDiscovery(t *testing.T) {
	msgs := buildRemovePumpDiscovery(controllerInfo{Hostname: "reef"}, 1)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("remove payload for %s should be empty", m.Topic)
		}
	}
	if msgs[0].Topic != "homeassistant/sensor/doser_reef/pump1_tank_volume/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
}

func TestPumpState(t *testing.T) {
	ps := newPumpState(device.Pump{
		ID:             1,
		Name:           "Ca",
		State:          true,
		Direction:      device.CW,
		TankFullVol:    3000,
		TankCurrentVol: 1234,
		Calibration:    []device.CalibrationPoint{{Speed: 10, Flow: 25}},
	})
	if ps.TankLevel != 41.1 {
		t.Errorf("tank_level = %v, want 41.1", ps.TankLevel)
	}
	if ps.Direction != "CW" || !ps.Enabled || ps.Calibrations != 1 {
		t.Errorf("state = %+v", ps)
	}

	empty := newPumpState(device.Pump{ID: 0})
	if empty.TankLevel != 0 {
		t.Errorf("tank_level without capacity = %v, want 0", empty.TankLevel)
	}
}

func TestRemoveStatusDiscovery(t *testing.T) {
	info := controllerInfo{Hostname: "reef"}
	msgs := buildRemoveStatusDiscovery(info, "doser")
	if len(msgs) != len(buildStatusDiscovery(info, "doser")) {
		t.Fatalf("got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("remove payload for %s should be empty", m.Topic)
		}
	}
	topics := extractTopics(msgs)
	if !topics["homeassistant/binary_sensor/doser_reef/ntp_sync/config"] {
		t.Error("ntp_sync removal missing")
	}
}

func TestPumpCommandTopic(t *testing.T) {
	if got := pumpCommandTopic("doser", "+"); got != "doser/pump/+/run" {
		t.Errorf("wildcard topic = %q", got)
	}
	id, err := pumpIDFromTopic("doser", pumpCommandTopic("doser", strconv.Itoa(4)))
	if err != nil || id != 4 {
		t.Errorf("id = %d, err = %v", id, err)
	}
}

func TestPumpIDFromTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    int
		wantErr bool
	}{
		{"doser/pump/3/run", 3, false},
		{"doser/pump/x/run", 0, true},
		{"doser/pump/3", 0, true},
		{"other/pump/3/run", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := pumpIDFromTopic("doser", tt.topic)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("id = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseRunCommand(t *testing.T) {
	p := device.Pump{ID: 2, Direction: device.CCW}

	cmd, err := parseRunCommand(p, []byte(`{"speed":5,"time":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.ID != 2 || cmd.Speed != 5 || cmd.Time != 2 || cmd.Direction != device.CCW {
		t.Errorf("cmd = %+v", cmd)
	}

	cmd, err = parseRunCommand(p, []byte(`{"speed":5,"time":2,"direction":"cw"}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Direction != device.CW {
		t.Error("direction override not applied")
	}

	cmd, err = parseRunCommand(p, []byte(`{"stop":true,"time":10}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Time != device.RunStop {
		t.Errorf("stop time = %v, want %v", cmd.Time, device.RunStop)
	}

	if _, err := parseRunCommand(p, []byte(`{"direction":"up"}`)); err == nil {
		t.Error("expected error for unknown direction")
	}
	if _, err := parseRunCommand(p, []byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestMustJSON(t *testing.T) {
	data := mustJSON(map[string]int{"a": 1})
	if string(data) != `{"a":1}` {
		t.Errorf("mustJSON = %s", data)
	}

	// Channels can't be marshaled.
	data = mustJSON(make(chan int))
	if string(data) != "{}" {
		t.Errorf("mustJSON(chan) = %s, want {}", data)
	}
}

func TestPublishAllHostnameChange(t *testing.T) {
	dev := &fakeDevice{settings: testSettings("reef", 0, 1)}
	st := newTestStore(t, dev)
	rec := &recordingClient{retained: make(map[string][]byte)}
	b := newTestBridge(st, rec)

	if err := st.LoadSettings(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.publishAll()

	dev.settings = testSettings("lagoon", 0, 1)
	if err := st.LoadSettings(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.publishAll()

	var oldNode, newNode int
	for topic, payload := range rec.snapshot() {
		switch {
		case strings.Contains(topic, "/doser_reef/"):
			oldNode++
			if len(payload) != 0 {
				t.Errorf("%s still retained under old node", topic)
			}
		case strings.Contains(topic, "/doser_lagoon/"):
			newNode++
			if len(payload) == 0 {
				t.Errorf("%s empty under new node", topic)
			}
		}
	}
	// 7 controller entities plus 3 per pump.
	if oldNode != 13 || newNode != 13 {
		t.Errorf("old node topics = %d, new node topics = %d, want 13 each", oldNode, newNode)
	}
}

func TestPublishAllFirstPassRemovesNothing(t *testing.T) {
	dev := &fakeDevice{settings: testSettings("reef", 0)}
	st := newTestStore(t, dev)
	rec := &recordingClient{retained: make(map[string][]byte)}
	b := newTestBridge(st, rec)

	if err := st.LoadSettings(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.publishAll()

	for topic, payload := range rec.snapshot() {
		if strings.HasPrefix(topic, "homeassistant/") && len(payload) == 0 {
			t.Errorf("unexpected removal of %s", topic)
		}
	}
}

func TestPublishAllDroppedPump(t *testing.T) {
	dev := &fakeDevice{settings: testSettings("reef", 0, 1)}
	st := newTestStore(t, dev)
	rec := &recordingClient{retained: make(map[string][]byte)}
	b := newTestBridge(st, rec)

	st.LoadSettings(context.Background())
	b.publishAll()
	dev.settings = testSettings("reef", 0)
	st.LoadSettings(context.Background())
	b.publishAll()

	retained := rec.snapshot()
	if p := retained["homeassistant/sensor/doser_reef/pump1_tank_volume/config"]; len(p) != 0 {
		t.Error("dropped pump still retained")
	}
	if p := retained["homeassistant/sensor/doser_reef/pump0_tank_volume/config"]; len(p) == 0 {
		t.Error("remaining pump lost its entity")
	}
	if p := retained["homeassistant/sensor/doser_reef/vcc/config"]; len(p) == 0 {
		t.Error("status entity removed without a hostname change")
	}
}

type fakeDevice struct {
	settings *device.Settings
}

func (f *fakeDevice) Authenticate(context.Context, device.Credentials) (string, error) {
	return "tok", nil
}

func (f *fakeDevice) Status(context.Context) (*device.Status, error) {
	st := device.DefaultStatus()
	return &st, nil
}

func (f *fakeDevice) Settings(context.Context) (*device.Settings, error) {
	return f.settings.Clone(), nil
}

func (f *fakeDevice) SaveSettings(context.Context, device.SettingsPatch) (bool, error) {
	return true, nil
}

func testSettings(hostname string, pumpIDs ...int) *device.Settings {
	s := device.NewSettings()
	s.Services.Hostname = hostname
	s.Pumps = nil
	for _, id := range pumpIDs {
		s.Pumps = append(s.Pumps, device.Pump{ID: id})
	}
	return s
}

func newTestStore(t *testing.T, dev settings.Device) *settings.Store {
	t.Helper()
	tokens, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tokens.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return settings.New(dev, tokens, settings.NewEventBus(logger), logger)
}

func newTestBridge(st *settings.Store, client pahomqtt.Client) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:    client,
		store:     st,
		prefix:    "doser",
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		published: make(map[int]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// recordingClient keeps the last retained payload per topic.
type recordingClient struct {
	pahomqtt.Client

	mu       sync.Mutex
	retained map[string][]byte
}

func (c *recordingClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	if retained {
		data, _ := payload.([]byte)
		c.mu.Lock()
		c.retained[topic] = data
		c.mu.Unlock()
	}
	return doneToken{}
}

func (c *recordingClient) snapshot() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.retained))
	for k, v := range c.retained {
		out[k] = v
	}
	return out
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
