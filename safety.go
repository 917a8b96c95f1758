package docent

import (
	"fmt"

	"github.com/pkg/errors"
)

// Limits maps joint name to its inclusive (min, max) safe setpoint range.
type Limits map[string][2]int

// DefaultLimits returns the SO-101 safe ranges: arm joints swing half a
// turn either side of home, the gripper only opens one way.
func DefaultLimits() Limits {
	return Limits{
		JointShoulderPan:  {-2048, 2048},
		JointShoulderLift: {-2048, 2048},
		JointElbowFlex:    {-2048, 2048},
		JointWristFlex:    {-2048, 2048},
		JointWristRoll:    {-2048, 2048},
		JointGripper:      {0, 1024},
	}
}

// CheckAbsolute rejects any target joint outside its limit range. Joints
// without a limit entry pass untouched; the write path drops whatever the
// adapter's reading does not carry. It performs no device I/O; callers run
// it before touching the adapter.
func CheckAbsolute(target Position, limits Limits) error {
	for _, joint := range target.Joints() {
		bounds, ok := limits[joint]
		if !ok {
			continue
		}
		v := target[joint]
		if v < bounds[0] || v > bounds[1] {
			return errors.Wrapf(ErrUnsafePosition,
				"joint %s target %d outside [%d, %d]", joint, v, bounds[0], bounds[1])
		}
	}
	return nil
}

// ClampRelative bounds each joint's excursion from current to at most
// maxDelta ticks, returning the adjusted position and one note per clamped
// joint. Clamping is soft: callers log and emit warnings, never errors.
// maxDelta <= 0 disables clamping. Joints absent from current pass through
// unchanged; the absolute check still bounds the ones with limit entries.
func ClampRelative(current, target Position, maxDelta int) (Position, []string) {
	clamped := target.Clone()
	if maxDelta <= 0 {
		return clamped, nil
	}

	var notes []string
	for _, joint := range target.Joints() {
		cur, ok := current[joint]
		if !ok {
			continue
		}
		delta := target[joint] - cur
		if delta > maxDelta {
			clamped[joint] = cur + maxDelta
		} else if delta < -maxDelta {
			clamped[joint] = cur - maxDelta
		} else {
			continue
		}
		notes = append(notes, fmt.Sprintf("%s: delta %+d exceeds ±%d, clamped to %d",
			joint, delta, maxDelta, clamped[joint]))
	}
	return clamped, notes
}
