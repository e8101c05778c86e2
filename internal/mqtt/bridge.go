//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"doser-dashboard/internal/device"
	"doser-dashboard/internal/forms"
	"doser-dashboard/internal/settings"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge mirrors the dashboard's view of the controller to MQTT with HA
// autodiscovery and accepts manual pump runs.
type Bridge struct {
	client pahomqtt.Client
	store  *settings.Store
	runner forms.Runner
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	info       controllerInfo
	discovered bool         // status entities published under info's node
	published  map[int]bool // pump ids with discovery entries
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(st *settings.Store, runner forms.Runner, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:     st,
		runner:    runner,
		prefix:    cfg.TopicPrefix,
		logger:    logger.With("component", "mqtt"),
		published: make(map[int]bool),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("doser-dashboard-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(availabilityTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to store events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.store.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event settings.Event) {
	switch event.Type {
	case settings.EventStatusLoaded:
		st, ok := event.Data.(device.Status)
		if !ok {
			return
		}
		b.mu.Lock()
		b.info.Firmware = st.FirmwareVersion
		b.mu.Unlock()
		b.publish(statusTopic(b.prefix), mustJSON(st), true)
	case settings.EventSettingsLoaded, settings.EventServicesChanged:
		b.publishAll()
	case settings.EventPumpsChanged:
		b.publishPumpStates()
	case settings.EventSessionChanged, settings.EventSessionExpired:
		state := "logged_out"
		if b.store.Authenticated() {
			state = "logged_in"
		}
		b.publish(b.prefix+"/bridge/session", []byte(state), true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(availabilityTopic(b.prefix), []byte(state), true)
}

// publishAll (re)publishes discovery and state for everything the store
// knows. Pumps that disappeared since the last pass lose their entities,
// and a hostname change removes everything under the old node.
func (b *Bridge) publishAll() {
	s := b.store.Settings()
	if s == nil {
		return
	}

	b.mu.Lock()
	prev := b.info
	b.info.Hostname = s.Services.Hostname
	info := b.info
	renamed := b.discovered && prev.nodeID() != info.nodeID()
	b.discovered = true
	var gone []int
	current := make(map[int]bool, len(s.Pumps))
	for _, p := range s.Pumps {
		current[p.ID] = true
	}
	for id := range b.published {
		if !current[id] || renamed {
			gone = append(gone, id)
		}
	}
	b.published = current
	b.mu.Unlock()

	for _, id := range gone {
		for _, msg := range buildRemovePumpDiscovery(prev, id) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	if renamed {
		for _, msg := range buildRemoveStatusDiscovery(prev, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("removed HA discovery", "node", prev.nodeID())
	}
	for _, msg := range buildStatusDiscovery(info, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	for _, p := range s.Pumps {
		for _, msg := range buildPumpDiscovery(info, b.prefix, p) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.logger.Info("published HA discovery", "node", info.nodeID(), "pumps", len(s.Pumps))

	if b.store.Authenticated() {
		b.publish(statusTopic(b.prefix), mustJSON(b.store.Status()), true)
	}
	b.publishPumpStates()
}

// pumpState is the retained state document of one pump.
type pumpState struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	Enabled        bool    `json:"enabled"`
	Direction      string  `json:"direction"`
	TankFullVol    float64 `json:"tank_full_vol"`
	TankCurrentVol float64 `json:"tank_current_vol"`
	TankLevel      float64 `json:"tank_level"`
	Calibrations   int     `json:"calibrations"`
}

func newPumpState(p device.Pump) pumpState {
	ps := pumpState{
		ID:             p.ID,
		Name:           pumpDisplayName(p),
		Enabled:        p.State,
		Direction:      p.Direction.String(),
		TankFullVol:    p.TankFullVol,
		TankCurrentVol: p.TankCurrentVol,
		Calibrations:   len(p.Calibration),
	}
	if p.TankFullVol > 0 {
		ps.TankLevel = math.Round(p.TankCurrentVol/p.TankFullVol*1000) / 10
	}
	return ps
}

func (b *Bridge) publishPumpStates() {
	for _, p := range b.store.Pumps() {
		b.publish(pumpTopic(b.prefix, p.ID), mustJSON(newPumpState(p)), true)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := pumpCommandTopic(b.prefix, "+")
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		go b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// runRequest is the payload of <prefix>/pump/<id>/run. Direction defaults
// to the pump's configured direction.
type runRequest struct {
	Speed     float64 `json:"speed"`
	Time      float64 `json:"time"`
	Direction string  `json:"direction"`
	Stop      bool    `json:"stop"`
}

var errBadTopic = errors.New("malformed command topic")

// pumpIDFromTopic extracts the id from <prefix>/pump/<id>/run.
func pumpIDFromTopic(prefix, topic string) (int, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/pump/")
	if !ok {
		return 0, errBadTopic
	}
	idStr, ok := strings.CutSuffix(rest, "/run")
	if !ok {
		return 0, errBadTopic
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, errBadTopic
	}
	return id, nil
}

// parseRunCommand turns a command payload into a run command for pump p.
func parseRunCommand(p device.Pump, payload []byte) (device.RunCommand, error) {
	var req runRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return device.RunCommand{}, fmt.Errorf("invalid command JSON: %w", err)
	}
	cmd := device.RunCommand{ID: p.ID, Speed: req.Speed, Time: req.Time, Direction: p.Direction}
	switch strings.ToUpper(req.Direction) {
	case "":
	case "CW":
		cmd.Direction = device.CW
	case "CCW":
		cmd.Direction = device.CCW
	default:
		return device.RunCommand{}, fmt.Errorf("unknown direction %q", req.Direction)
	}
	if req.Stop {
		cmd.Time = device.RunStop
	}
	return cmd, nil
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	id, err := pumpIDFromTopic(b.prefix, topic)
	if err != nil {
		b.logger.Warn("ignoring command", "topic", topic, "err", err)
		return
	}
	if !b.store.Authenticated() {
		b.logger.Warn("pump command without device session", "pump", id)
		return
	}
	p, ok := b.store.Pump(id)
	if !ok {
		b.logger.Warn("command for unknown pump", "pump", id)
		return
	}
	cmd, err := parseRunCommand(p, payload)
	if err != nil {
		b.logger.Warn("invalid pump command", "pump", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	var started bool
	if cmd.Time == device.RunStop {
		started, err = b.runner.Run(ctx, cmd)
	} else {
		started, err = forms.RunPump(ctx, b.runner, b.store, cmd)
	}
	if err != nil {
		b.logger.Warn("pump command failed", "pump", id, "err", err)
		return
	}
	b.logger.Info("pump command", "pump", id, "speed", cmd.Speed, "minutes", cmd.Time, "accepted", started)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
