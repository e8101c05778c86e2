package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"doser-dashboard/internal/device"
	"doser-dashboard/internal/store"
)

var (
	// ErrDuplicateNetworkType is returned when a connection of the same type exists.
	ErrDuplicateNetworkType = errors.New("a connection of this type already exists")
	// ErrNetworkNotFound is returned by DeleteNetwork for an unknown id.
	ErrNetworkNotFound = errors.New("network not found")
	// ErrDuplicateSpeed is returned when a pump calibration repeats a speed.
	ErrDuplicateSpeed = device.ErrDuplicateSpeed
)

// Error messages recorded for the views.
const (
	msgLogin        = "Failed to login"
	msgLoadStatus   = "Failed to load Status"
	msgLoadSettings = "Failed to load Settings"
	msgSaveSettings = "Failed to save Settings"
)

// Device is the part of the controller API the store needs.
type Device interface {
	Authenticate(ctx context.Context, creds device.Credentials) (string, error)
	Status(ctx context.Context) (*device.Status, error)
	Settings(ctx context.Context) (*device.Settings, error)
	SaveSettings(ctx context.Context, patch device.SettingsPatch) (bool, error)
}

// Option configures the store.
type Option func(*Store)

// WithRollback restores the previous collection when persisting a local
// mutation fails or the device answers success=false. Without it the
// optimistic local update is kept.
func WithRollback() Option {
	return func(s *Store) {
		s.rollback = true
	}
}

// Store is the single source of truth for session state, the last device
// status and the settings aggregate.
//
// Mutating operations are serialized end to end (local change plus persist
// call) by writeMu, so two concurrent updates of the same collection cannot
// lose each other. Readers only take mu and never wait on the network.
// Event handlers must not call mutating operations synchronously.
type Store struct {
	device   Device
	tokens   store.Store
	events   *EventBus
	logger   *slog.Logger
	rollback bool

	writeMu sync.Mutex

	mu            sync.RWMutex
	authenticated bool
	status        device.Status
	settings      *device.Settings
	lastErr       string
}

// New creates a store. The session counts as authenticated if a token is
// already persisted.
func New(dev Device, tokens store.Store, events *EventBus, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		device:   dev,
		tokens:   tokens,
		events:   events,
		logger:   logger.With("component", "settings"),
		status:   device.DefaultStatus(),
		settings: device.NewSettings(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := tokens.GetToken(); err == nil {
		s.authenticated = true
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("read session token", "err", err)
	}
	return s
}

// Events returns the store's event bus.
func (s *Store) Events() *EventBus {
	return s.events
}

func (s *Store) fail(msg string, err error) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	s.logger.Warn(msg, "err", err)
	s.events.Emit(EventError, map[string]interface{}{"message": msg, "error": errString(err)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Err returns the last recorded error message, or "".
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearErr resets the recorded error message.
func (s *Store) ClearErr() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

// Login exchanges credentials for a session token. It never returns an
// error; a failure is recorded and any persisted token is removed.
func (s *Store) Login(ctx context.Context, creds device.Credentials) bool {
	token, err := s.device.Authenticate(ctx, creds)
	if err == nil {
		err = s.tokens.SaveToken(token)
	}
	if err != nil {
		if derr := s.tokens.DeleteToken(); derr != nil {
			s.logger.Error("remove stale token", "err", derr)
		}
		s.mu.Lock()
		s.authenticated = false
		s.mu.Unlock()
		s.fail(msgLogin, err)
		return false
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	s.logger.Info("logged in", "user", creds.Username)
	s.events.Emit(EventSessionChanged, map[string]interface{}{"authenticated": true})
	return true
}

// Logout drops the session locally. No request is sent to the device.
func (s *Store) Logout() {
	s.endSession(EventSessionChanged)
}

// ExpireSession is bound to the API client's 401 hook.
func (s *Store) ExpireSession() {
	s.endSession(EventSessionExpired)
}

func (s *Store) endSession(eventType string) {
	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()
	if err := s.tokens.DeleteToken(); err != nil {
		s.logger.Error("delete session token", "err", err)
	}
	s.logger.Info("session ended", "reason", eventType)
	s.events.Emit(eventType, map[string]interface{}{"authenticated": false})
}

// Authenticated reports whether a session is active.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// LoadStatus refreshes the status snapshot. On failure the previous
// snapshot stays in place.
func (s *Store) LoadStatus(ctx context.Context) error {
	st, err := s.device.Status(ctx)
	if err != nil {
		s.fail(msgLoadStatus, err)
		return fmt.Errorf("load status: %w", err)
	}
	s.mu.Lock()
	s.status = *st
	s.mu.Unlock()
	s.events.Emit(EventStatusLoaded, *st)
	return nil
}

// Status returns the last loaded status snapshot.
func (s *Store) Status() device.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LoadSettings replaces the whole settings aggregate. On failure the
// previous aggregate stays in place untouched.
func (s *Store) LoadSettings(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.device.Settings(ctx)
	if err != nil {
		s.fail(msgLoadSettings, err)
		return fmt.Errorf("load settings: %w", err)
	}
	assignNetworkIDs(next.Networks)
	for i := range next.Pumps {
		device.SortCalibration(next.Pumps[i].Calibration)
	}

	s.mu.Lock()
	s.settings = next
	snapshot := next.Clone()
	s.mu.Unlock()
	s.logger.Debug("settings loaded", "networks", len(snapshot.Networks), "pumps", len(snapshot.Pumps))
	s.events.Emit(EventSettingsLoaded, snapshot)
	return nil
}

// Refresh loads status and settings concurrently. Each half keeps its own
// last-known-good value on failure.
func (s *Store) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.LoadStatus(ctx) })
	g.Go(func() error { return s.LoadSettings(ctx) })
	return g.Wait()
}

// Settings returns a deep copy of the settings aggregate.
func (s *Store) Settings() *device.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// assignNetworkIDs gives every network without an id the lowest unused index.
func assignNetworkIDs(networks []device.Network) {
	used := make(map[int]bool, len(networks))
	for _, n := range networks {
		if n.ID != device.UnassignedID {
			used[n.ID] = true
		}
	}
	next := 0
	for i := range networks {
		if networks[i].ID != device.UnassignedID {
			continue
		}
		for used[next] {
			next++
		}
		networks[i].ID = next
		used[next] = true
	}
}

// persisted finishes a local mutation after its persist call. restore puts
// the previous collection back and is only used with WithRollback; the
// return value reports whether it ran.
func (s *Store) persisted(ok bool, err error, what string, restore func()) bool {
	if err == nil && ok {
		return false
	}
	if err == nil {
		err = fmt.Errorf("device rejected %s", what)
	}
	s.fail(msgSaveSettings, err)
	if !s.rollback {
		return false
	}
	s.mu.Lock()
	restore()
	s.mu.Unlock()
	s.logger.Info("rolled back local change", "what", what)
	return true
}
