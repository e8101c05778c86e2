package device

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrDuplicateSpeed is returned when two calibration points share a speed.
var ErrDuplicateSpeed = errors.New("speed is already used")

// Direction is the pump rotation direction. On the wire it is a boolean.
type Direction bool

const (
	CW  Direction = true
	CCW Direction = false
)

func (d Direction) String() string {
	if d == CW {
		return "CW"
	}
	return "CCW"
}

// ScheduleMode selects how a pump is driven by the controller's scheduler.
type ScheduleMode int

const (
	ScheduleOff ScheduleMode = iota
	SchedulePeriodic
	ScheduleContinuous
)

func (m ScheduleMode) String() string {
	switch m {
	case ScheduleOff:
		return "Off"
	case SchedulePeriodic:
		return "Periodic"
	case ScheduleContinuous:
		return "Continuous"
	}
	return fmt.Sprintf("ScheduleMode(%d)", int(m))
}

// Valid reports whether m is a known mode.
func (m ScheduleMode) Valid() bool {
	return m >= ScheduleOff && m <= ScheduleContinuous
}

// Schedule is the automatic dosing plan of a pump. WorkHours (0-23) and
// Weekdays (0=Mon..6=Sun) are only used in Periodic mode.
type Schedule struct {
	Mode      ScheduleMode `json:"mode"`
	WorkHours []int        `json:"work_hours"`
	Weekdays  []int        `json:"weekdays"`
	Speed     float64      `json:"speed"`
	Time      float64      `json:"time"`
	Volume    float64      `json:"volume"`
}

// CalibrationPoint is a measured flow (ml/min) at a given speed (RPM).
type CalibrationPoint struct {
	Speed float64 `json:"speed"`
	Flow  float64 `json:"flow"`
}

// Pump is the persisted configuration of one dosing pump.
type Pump struct {
	ID                      int                `json:"id"`
	State                   bool               `json:"state"`
	Name                    string             `json:"name"`
	Direction               Direction          `json:"direction"`
	TankFullVol             float64            `json:"tank_full_vol"`
	TankCurrentVol          float64            `json:"tank_current_vol"`
	TankConcentrationTotal  float64            `json:"tank_concentration_total"`
	TankConcentrationActive float64            `json:"tank_concentration_active"`
	Schedule                Schedule           `json:"schedule"`
	Calibration             []CalibrationPoint `json:"calibration"`
}

// Clone returns a deep copy of p.
func (p Pump) Clone() Pump {
	c := p
	c.Schedule.WorkHours = slices.Clone(p.Schedule.WorkHours)
	c.Schedule.Weekdays = slices.Clone(p.Schedule.Weekdays)
	c.Calibration = slices.Clone(p.Calibration)
	if c.Calibration == nil {
		c.Calibration = []CalibrationPoint{}
	}
	return c
}

// ClonePumps copies a pumps slice, returning a non-nil slice.
func ClonePumps(pumps []Pump) []Pump {
	out := make([]Pump, len(pumps))
	for i, p := range pumps {
		out[i] = p.Clone()
	}
	return out
}

// SortCalibration orders points ascending by speed.
func SortCalibration(points []CalibrationPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Speed < points[j].Speed
	})
}

// HasSpeed reports whether a point with the given speed exists.
func HasSpeed(points []CalibrationPoint, speed float64) bool {
	for _, p := range points {
		if p.Speed == speed {
			return true
		}
	}
	return false
}

// ValidateCalibration checks that points are sorted by speed with no
// duplicate speeds.
func ValidateCalibration(points []CalibrationPoint) error {
	for i := 1; i < len(points); i++ {
		switch {
		case points[i].Speed == points[i-1].Speed:
			return fmt.Errorf("calibration speed %g: %w", points[i].Speed, ErrDuplicateSpeed)
		case points[i].Speed < points[i-1].Speed:
			return fmt.Errorf("calibration not sorted at index %d", i)
		}
	}
	return nil
}
