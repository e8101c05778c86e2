package calibration

import (
	"fmt"
	"log/slog"
	"sync"
)

// Manager keeps one calibration session per pump.
type Manager struct {
	runner Runner
	pumps  Pumps
	logger *slog.Logger
	opts   []SessionOption

	mu       sync.Mutex
	sessions map[int]*Session
}

// NewManager creates a manager. opts are applied to every new session.
func NewManager(runner Runner, pumps Pumps, logger *slog.Logger, opts ...SessionOption) *Manager {
	return &Manager{
		runner:   runner,
		pumps:    pumps,
		logger:   logger,
		opts:     opts,
		sessions: make(map[int]*Session),
	}
}

// Session returns the session of a pump, creating an idle one on first use.
func (m *Manager) Session(pumpID int) (*Session, error) {
	if _, ok := m.pumps.Pump(pumpID); !ok {
		return nil, fmt.Errorf("pump %d not found", pumpID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[pumpID]; ok {
		return s, nil
	}
	s := NewSession(pumpID, m.runner, m.pumps, m.logger, m.opts...)
	m.sessions[pumpID] = s
	return s, nil
}

// Snapshots lists all known sessions.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
