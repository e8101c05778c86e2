package forms

import (
	"context"
	"fmt"
	"slices"

	"doser-dashboard/internal/device"
)

const msgCalibrationRequired = "Minimum one calibration is required."

// NormalizeSchedule sorts and deduplicates the hour and weekday sets and
// checks their ranges.
func NormalizeSchedule(s *device.Schedule) error {
	if !s.Mode.Valid() {
		return invalid("schedule.mode", fmt.Sprintf("Unknown schedule mode %d.", int(s.Mode)))
	}
	for _, h := range s.WorkHours {
		if h < 0 || h > 23 {
			return invalid("schedule.work_hours", fmt.Sprintf("Hour %d is out of range.", h))
		}
	}
	for _, d := range s.Weekdays {
		if d < 0 || d > 6 {
			return invalid("schedule.weekdays", fmt.Sprintf("Weekday %d is out of range.", d))
		}
	}
	s.WorkHours = sortedSet(s.WorkHours)
	s.Weekdays = sortedSet(s.Weekdays)
	if s.Speed < 0 || s.Time < 0 || s.Volume < 0 {
		return invalid("schedule", "Speed, time and volume cannot be negative.")
	}
	return nil
}

func sortedSet(v []int) []int {
	out := slices.Clone(v)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []int{}
	}
	return out
}

// SubmitPump validates the pump form and persists the full pump list.
// A pump without calibration points is rejected before any device call.
func SubmitPump(ctx context.Context, store PumpStore, p device.Pump) (bool, error) {
	if len(p.Calibration) == 0 {
		return false, invalid("calibration", msgCalibrationRequired)
	}
	if p.TankFullVol < 0 || p.TankCurrentVol < 0 {
		return false, invalid("tank_full_vol", "Tank volume cannot be negative.")
	}
	p = p.Clone()
	if err := NormalizeSchedule(&p.Schedule); err != nil {
		return false, err
	}
	return store.UpdatePump(ctx, p, true)
}

// StageCalibration replaces a pump's calibration points locally. The change
// reaches the device with the next SubmitPump.
func StageCalibration(ctx context.Context, store PumpStore, pumpID int, points []device.CalibrationPoint) (bool, error) {
	p, ok := store.Pump(pumpID)
	if !ok {
		return false, nil
	}
	for _, pt := range points {
		if pt.Speed <= 0 {
			return false, invalid("calibration", "Speed is required.")
		}
	}
	p.Calibration = slices.Clone(points)
	return store.UpdatePump(ctx, p, false)
}

// RemoveCalibration drops the calibration point at index locally.
func RemoveCalibration(ctx context.Context, store PumpStore, pumpID, index int) (bool, error) {
	p, ok := store.Pump(pumpID)
	if !ok {
		return false, nil
	}
	if index < 0 || index >= len(p.Calibration) {
		return false, invalid("calibration", fmt.Sprintf("No calibration point at index %d.", index))
	}
	p.Calibration = slices.Delete(p.Calibration, index, index+1)
	return store.UpdatePump(ctx, p, false)
}

// Manual run limits.
const (
	MinRunSpeed   = 0.1
	MinRunMinutes = 1
)

// RunPump validates a manual run request and sends it to the device.
func RunPump(ctx context.Context, runner Runner, store PumpStore, cmd device.RunCommand) (bool, error) {
	if _, ok := store.Pump(cmd.ID); !ok {
		return false, invalid("pump_id", "Please select a pump to control.")
	}
	if cmd.Speed < MinRunSpeed {
		return false, invalid("speed", fmt.Sprintf("Speed must be at least %g.", MinRunSpeed))
	}
	if cmd.Time < MinRunMinutes {
		return false, invalid("time", fmt.Sprintf("Time must be at least %d minute.", MinRunMinutes))
	}
	return runner.Run(ctx, cmd)
}
