// Package calibration drives the manual flow calibration of a dosing pump:
// run the pump at a fixed speed, stop it, weigh what came out and store the
// resulting {speed, flow} point.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"doser-dashboard/internal/device"
)

// State is a step of the calibration procedure.
type State int

const (
	StateIdle State = iota
	StateStart
	StateRunning
	StateStop
	StateFinished
)

var stateNames = [...]string{"idle", "start", "running", "stop", "finished"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidTransition is returned when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid calibration transition")

// ValidationError reports operator input that blocks a step. No command is
// sent to the device when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validation messages shown to the operator.
const (
	msgSpeedRequired = "Speed is required."
	msgSpeedUsed     = "Speed is already used."
	msgVolume        = "Volume must be positive."
	msgFlow          = "Flow must be positive."
	msgDuration      = "Run duration is zero."
)

// Runner sends direct pump commands to the device.
type Runner interface {
	Run(ctx context.Context, cmd device.RunCommand) (bool, error)
}

// Pumps is the part of the settings store a session reads and writes.
type Pumps interface {
	Pump(id int) (device.Pump, bool)
	UpdatePump(ctx context.Context, p device.Pump, persist bool) (bool, error)
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID        string     `json:"id"`
	PumpID    int        `json:"pump_id"`
	State     State      `json:"state"`
	Speed     float64    `json:"speed"`
	Volume    float64    `json:"volume"`
	Flow      float64    `json:"flow"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Pending   bool       `json:"pending,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Session is the calibration state machine of one pump.
type Session struct {
	id     string
	pumpID int
	runner Runner
	pumps  Pumps
	now    func() time.Time
	logger *slog.Logger
	notify func(Snapshot)

	mu        sync.Mutex
	state     State
	speed     float64
	volume    float64
	flow      float64
	startedAt time.Time
	stoppedAt time.Time
	pending   bool // a start or stop command is in flight
	lastErr   string
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// WithNotify registers a callback run with a snapshot after every state
// change. It is called without the session lock held.
func WithNotify(fn func(Snapshot)) SessionOption {
	return func(s *Session) {
		s.notify = fn
	}
}

// NewSession creates an idle session for the given pump.
func NewSession(pumpID int, runner Runner, pumps Pumps, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		id:     uuid.NewString(),
		pumpID: pumpID,
		runner: runner,
		pumps:  pumps,
		now:    time.Now,
		logger: logger.With("component", "calibration", "pump", pumpID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:      s.id,
		PumpID:  s.pumpID,
		State:   s.state,
		Speed:   s.speed,
		Volume:  s.volume,
		Flow:    s.flow,
		Pending: s.pending,
		Error:   s.lastErr,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		snap.StoppedAt = &t
	}
	return snap
}

// changed must be called with mu held. The returned snapshot is published
// by the caller once the lock is released.
func (s *Session) changed() *Snapshot {
	snap := s.snapshotLocked()
	return &snap
}

func (s *Session) publish(snap *Snapshot) {
	if snap != nil && s.notify != nil {
		s.notify(*snap)
	}
}

func (s *Session) transitionErr(op string) error {
	if s.pending {
		return fmt.Errorf("%s while a pump command is in flight: %w", op, ErrInvalidTransition)
	}
	return fmt.Errorf("%s in state %s: %w", op, s.state, ErrInvalidTransition)
}

// Begin opens the speed entry step.
func (s *Session) Begin() error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateFinished {
		err := s.transitionErr("begin")
		s.mu.Unlock()
		return err
	}
	s.state = StateStart
	s.speed, s.volume, s.flow = 0, 0, 0
	s.startedAt, s.stoppedAt = time.Time{}, time.Time{}
	s.lastErr = ""
	snap := s.changed()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// checkSpeed validates v against the pump's current calibration table.
func (s *Session) checkSpeed(v float64) error {
	if v <= 0 {
		return &ValidationError{Field: "speed", Message: msgSpeedRequired}
	}
	p, ok := s.pumps.Pump(s.pumpID)
	if !ok {
		return fmt.Errorf("pump %d not found", s.pumpID)
	}
	if device.HasSpeed(p.Calibration, v) {
		return &ValidationError{Field: "speed", Message: msgSpeedUsed}
	}
	return nil
}

// SetSpeed records the speed to calibrate. The value is kept even when it
// fails validation so the operator can correct it.
func (s *Session) SetSpeed(v float64) error {
	s.mu.Lock()
	if s.state != StateStart || s.pending {
		err := s.transitionErr("set speed")
		s.mu.Unlock()
		return err
	}
	s.speed = v
	verr := s.checkSpeed(v)
	s.lastErr = errString(verr)
	snap := s.changed()
	s.mu.Unlock()

	s.publish(snap)
	return verr
}

// StartRun runs the pump indefinitely at the chosen speed. A failed command
// abandons the procedure back to idle.
func (s *Session) StartRun(ctx context.Context) error {
	snap, err := s.startRun(ctx)
	s.publish(snap)
	return err
}

func (s *Session) startRun(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if s.state != StateStart || s.pending {
		err := s.transitionErr("start")
		s.mu.Unlock()
		return nil, err
	}
	if err := s.checkSpeed(s.speed); err != nil {
		s.lastErr = err.Error()
		s.mu.Unlock()
		return nil, err
	}
	s.pending = true
	speed := s.speed
	s.mu.Unlock()

	err := s.runPump(ctx, speed, device.RunForever)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if err != nil {
		s.state = StateIdle
		s.lastErr = err.Error()
		s.logger.Warn("calibration start failed", "speed", speed, "err", err)
		return s.changed(), fmt.Errorf("start pump: %w", err)
	}

	s.startedAt = s.now()
	s.state = StateRunning
	s.lastErr = ""
	s.logger.Info("calibration run started", "speed", speed)
	return s.changed(), nil
}

// StopRun stops the pump. On failure the session stays running so the
// operator can retry.
func (s *Session) StopRun(ctx context.Context) error {
	snap, err := s.stopRun(ctx)
	s.publish(snap)
	return err
}

func (s *Session) stopRun(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if s.state != StateRunning || s.pending {
		err := s.transitionErr("stop")
		s.mu.Unlock()
		return nil, err
	}
	s.pending = true
	speed := s.speed
	s.mu.Unlock()

	err := s.runPump(ctx, speed, device.RunStop)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if err != nil {
		s.lastErr = err.Error()
		s.logger.Warn("calibration stop failed", "err", err)
		return s.changed(), fmt.Errorf("stop pump: %w", err)
	}

	s.stoppedAt = s.now()
	s.state = StateStop
	s.lastErr = ""
	s.logger.Info("calibration run stopped", "duration", s.stoppedAt.Sub(s.startedAt))
	return s.changed(), nil
}

// runPump sends one direct command for the session's pump. It is called
// without mu held.
func (s *Session) runPump(ctx context.Context, speed, minutes float64) error {
	p, _ := s.pumps.Pump(s.pumpID)
	ok, err := s.runner.Run(ctx, device.RunCommand{
		ID:        s.pumpID,
		Speed:     speed,
		Direction: p.Direction,
		Time:      minutes,
	})
	if err == nil && !ok {
		if minutes == device.RunStop {
			return errors.New("pump stop failed")
		}
		return errors.New("pump start failed")
	}
	return err
}

// FlowRate returns floor(volume / minutes) for a run of the given duration.
func FlowRate(volume float64, run time.Duration) (float64, error) {
	minutes := float64(run.Milliseconds()) / 1000 / 60
	if minutes <= 0 {
		return 0, &ValidationError{Field: "volume", Message: msgDuration}
	}
	return math.Floor(volume / minutes), nil
}

// SetVolume records the measured volume in ml and computes the flow. The
// volume is kept even when the resulting flow is rejected.
func (s *Session) SetVolume(ml float64) error {
	s.mu.Lock()
	if s.state != StateStop {
		err := s.transitionErr("set volume")
		s.mu.Unlock()
		return err
	}
	if ml <= 0 {
		s.mu.Unlock()
		return &ValidationError{Field: "volume", Message: msgVolume}
	}
	flow, err := FlowRate(ml, s.stoppedAt.Sub(s.startedAt))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.volume = ml
	s.flow = flow
	// A volume too small for the run floors to zero flow, which Finish
	// rejects. Report it now; SetFlow can still override.
	var verr error
	if flow <= 0 {
		verr = &ValidationError{Field: "flow", Message: msgFlow}
	}
	s.lastErr = errString(verr)
	snap := s.changed()
	s.mu.Unlock()

	s.publish(snap)
	return verr
}

// SetFlow overrides the computed flow in ml/min.
func (s *Session) SetFlow(v float64) error {
	s.mu.Lock()
	if s.state != StateStop {
		err := s.transitionErr("set flow")
		s.mu.Unlock()
		return err
	}
	if v <= 0 {
		s.mu.Unlock()
		return &ValidationError{Field: "flow", Message: msgFlow}
	}
	s.flow = v
	s.lastErr = ""
	snap := s.changed()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// Finish stages the measured point in the pump's calibration table without
// sending it to the device and returns the session to idle. The point is
// persisted when the pump form is submitted. A flow of zero is rejected.
func (s *Session) Finish(ctx context.Context) (device.CalibrationPoint, error) {
	point, snap, err := s.finish(ctx)
	s.publish(snap)
	return point, err
}

func (s *Session) finish(ctx context.Context) (device.CalibrationPoint, *Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStop {
		return device.CalibrationPoint{}, nil, s.transitionErr("finish")
	}
	if s.flow <= 0 {
		return device.CalibrationPoint{}, nil, &ValidationError{Field: "flow", Message: msgFlow}
	}
	p, ok := s.pumps.Pump(s.pumpID)
	if !ok {
		return device.CalibrationPoint{}, nil, fmt.Errorf("pump %d not found", s.pumpID)
	}

	point := device.CalibrationPoint{Speed: s.speed, Flow: s.flow}
	p.Calibration = append(p.Calibration, point)
	s.state = StateFinished
	if _, err := s.pumps.UpdatePump(ctx, p, false); err != nil {
		s.state = StateStop
		s.lastErr = err.Error()
		return device.CalibrationPoint{}, s.changed(), fmt.Errorf("stage calibration point: %w", err)
	}

	s.logger.Info("calibration point staged", "speed", point.Speed, "flow", point.Flow, "volume", s.volume)
	s.state = StateIdle
	s.lastErr = ""
	return point, s.changed(), nil
}

// Cancel abandons the procedure. A running pump is stopped first; if that
// fails the session stays running.
func (s *Session) Cancel(ctx context.Context) error {
	snap, err := s.cancel(ctx)
	s.publish(snap)
	return err
}

func (s *Session) cancel(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if s.pending {
		err := s.transitionErr("cancel")
		s.mu.Unlock()
		return nil, err
	}
	if s.state != StateRunning {
		s.state = StateIdle
		s.lastErr = ""
		snap := s.changed()
		s.mu.Unlock()
		return snap, nil
	}
	s.pending = true
	speed := s.speed
	s.mu.Unlock()

	err := s.runPump(ctx, speed, device.RunStop)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if err != nil {
		s.lastErr = err.Error()
		return s.changed(), fmt.Errorf("stop pump: %w", err)
	}
	s.state = StateIdle
	s.lastErr = ""
	return s.changed(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
