package settings

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventSessionChanged  = "session_changed"
	EventSessionExpired  = "session_expired"
	EventStatusLoaded    = "status_loaded"
	EventSettingsLoaded  = "settings_loaded"
	EventNetworksChanged = "networks_changed"
	EventServicesChanged = "services_changed"
	EventPumpsChanged    = "pumps_changed"
	EventAuthChanged     = "auth_changed"
	EventTimeChanged     = "time_changed"
	EventCalibration     = "calibration"
	EventFirmwareUpload  = "firmware_upload"
	EventError           = "store_error"
)

// Event represents a state change of the store or one of its sub-flows.
type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for store events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit stamps the event and sends it to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(eventType string, data interface{}) {
	event := Event{Type: eventType, At: time.Now(), Data: data}

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.allHandlers))
	for _, h := range eb.handlers[eventType] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", eventType, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
