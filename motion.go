package docent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Canned gesture and tracking tuning.
const (
	nodDipTicks  = 200
	nodBeatDelay = 500 * time.Millisecond

	trackingPanRange  = 500.0
	trackingLiftRange = 300.0
	trackingDeadband  = 25.0
	trackingSteps     = 5
	trackingDelay     = 20 * time.Millisecond
)

// Motion orchestrates safety-checked, interpolated movement against the
// managed adapter. One movement runs at a time; a request while one is in
// flight fails fast with ErrBusy rather than queuing.
type Motion struct {
	manager *Manager
	store   *PresetStore
	emitter *Emitter
	limits  Limits
	logger  *logrus.Logger

	steps    int
	delay    time.Duration
	maxDelta int

	slot   sync.Mutex
	moving atomic.Bool

	nameMu      sync.RWMutex
	currentName string
}

// NewMotion builds a motion controller with the configured defaults.
func NewMotion(manager *Manager, store *PresetStore, emitter *Emitter, limits Limits, cfg MotionSettings, logger *logrus.Logger) *Motion {
	return &Motion{
		manager:  manager,
		store:    store,
		emitter:  emitter,
		limits:   limits,
		logger:   logger,
		steps:    cfg.Steps,
		delay:    time.Duration(cfg.StepDelayMs) * time.Millisecond,
		maxDelta: cfg.MaxRelativeTarget,
	}
}

// IsMoving reports whether a movement is in flight.
func (mc *Motion) IsMoving() bool {
	return mc.moving.Load()
}

// CurrentPositionName returns the preset the arm last completed a move to,
// or empty when the pose is unnamed.
func (mc *Motion) CurrentPositionName() string {
	mc.nameMu.RLock()
	defer mc.nameMu.RUnlock()
	return mc.currentName
}

func (mc *Motion) setCurrentName(name string) {
	mc.nameMu.Lock()
	mc.currentName = name
	mc.nameMu.Unlock()
}

// MoveToPreset resolves a preset name and moves to it. Zero steps or delay
// fall back to the configured defaults.
func (mc *Motion) MoveToPreset(ctx context.Context, name string, steps int, delay time.Duration) error {
	target, ok := mc.store.Get(name)
	if !ok {
		return errors.Wrapf(ErrUnknownPreset, "preset %q", name)
	}
	return mc.execute(ctx, target, moveOptions{
		label:  name,
		steps:  steps,
		delay:  delay,
		preset: true,
	})
}

// MoveToPosition moves to an ad-hoc position and clears the current
// position name.
func (mc *Motion) MoveToPosition(ctx context.Context, target Position, steps int, delay time.Duration) error {
	return mc.execute(ctx, target, moveOptions{
		label: "custom",
		steps: steps,
		delay: delay,
	})
}

type moveOptions struct {
	label string
	steps int
	delay time.Duration
	// preset moves record label as the current position name on success.
	preset bool
	// quiet suppresses movement lifecycle events; tracking uses this to
	// keep per-frame moves out of the show feed.
	quiet bool
}

// execute runs the movement pipeline: absolute check, slot acquisition,
// present read, relative clamp, interpolation, stepped writes.
func (mc *Motion) execute(ctx context.Context, target Position, opt moveOptions) error {
	steps := opt.steps
	if steps <= 0 {
		steps = mc.steps
	}
	delay := opt.delay
	if delay <= 0 {
		delay = mc.delay
	}

	// Reject unsafe targets before touching the adapter.
	if err := CheckAbsolute(target, mc.limits); err != nil {
		return err
	}

	adapter := mc.manager.Adapter()
	if adapter == nil {
		return ErrNotConnected
	}

	if !mc.slot.TryLock() {
		return ErrBusy
	}
	defer mc.slot.Unlock()
	mc.moving.Store(true)
	defer mc.moving.Store(false)

	present, err := adapter.ReadPositions(ctx)
	if err != nil {
		mc.logger.Errorf("Failed to read present position: %v", err)
		return err
	}

	clamped, notes := ClampRelative(present, target, mc.maxDelta)
	for _, note := range notes {
		mc.logger.WithField("label", opt.label).Warnf("Safety clamp: %s", note)
		mc.emitter.Emit(EventSafetyClamped, map[string]any{
			"label":  opt.label,
			"detail": note,
		})
	}

	waypoints := Interpolate(present, clamped, steps)

	if !opt.quiet {
		mc.emitter.Emit(EventMovementStarted, map[string]any{
			"label": opt.label,
			"steps": steps,
		})
	}

	for i, wp := range waypoints {
		if !mc.moving.Load() {
			mc.logger.WithField("label", opt.label).Warn("Movement aborted")
			return errors.Wrapf(ErrMovementAborted, "aborted at waypoint %d of %d", i, len(waypoints))
		}

		if err := adapter.WritePositions(ctx, wp); err != nil {
			mc.logger.Errorf("Waypoint write failed: %v", err)
			mc.emitter.Emit(EventErrorOccurred, map[string]any{
				"operation": "move",
				"label":     opt.label,
				"error":     err.Error(),
			})
			return err
		}

		if i < len(waypoints)-1 {
			if err := sleepCtx(ctx, delay); err != nil {
				return errors.Wrapf(ErrMovementAborted, "%v", err)
			}
		}
	}

	if opt.preset {
		mc.setCurrentName(opt.label)
	} else {
		mc.setCurrentName("")
	}

	if !opt.quiet {
		if opt.preset {
			mc.emitter.Emit(EventPositionReached, map[string]any{"name": opt.label})
		}
		mc.emitter.Emit(EventMovementCompleted, map[string]any{"label": opt.label})
	}
	return nil
}

// Interpolate returns steps+1 waypoints linearly spaced per joint from
// present to target, both endpoints included. Integer midpoints truncate
// toward zero. Waypoints cover exactly the joints of the present reading:
// present joints missing from target hold their value, and target joints
// the reading does not carry are dropped from every waypoint.
func Interpolate(present, target Position, steps int) []Position {
	if steps < 1 {
		steps = 1
	}

	waypoints := make([]Position, 0, steps+1)
	for i := 0; i <= steps; i++ {
		wp := present.Clone()
		for joint, goal := range target {
			start, ok := present[joint]
			if !ok {
				continue
			}
			wp[joint] = start + (i*(goal-start))/steps
		}
		waypoints = append(waypoints, wp)
	}
	return waypoints
}

// EmergencyStop aborts any in-flight movement at its next waypoint check,
// disables torque, and forgets the named position. Callable at any time.
func (mc *Motion) EmergencyStop(ctx context.Context) error {
	mc.logger.Warn("Emergency stop")
	mc.moving.Store(false)

	var err error
	if mc.manager.Connected() {
		err = mc.manager.SetTorque(ctx, false)
		if err != nil {
			mc.logger.Errorf("Failed to disable torque on emergency stop: %v", err)
		}
	}

	mc.setCurrentName("")
	mc.emitter.Emit(EventStatusChanged, map[string]any{"status": "emergency_stopped"})
	return err
}

// Nod dips the wrist and returns, times beats, then moves back to the
// previously named preset if one was set.
func (mc *Motion) Nod(ctx context.Context, times int) error {
	if times <= 0 {
		times = 1
	}

	adapter := mc.manager.Adapter()
	if adapter == nil {
		return ErrNotConnected
	}
	if !mc.manager.TorqueEnabled() {
		if err := mc.manager.SetTorque(ctx, true); err != nil {
			return err
		}
	}

	if !mc.slot.TryLock() {
		return ErrBusy
	}

	original := mc.CurrentPositionName()
	mc.moving.Store(true)
	mc.emitter.Emit(EventMovementStarted, map[string]any{"label": "nod", "times": times})

	err := mc.nodBeats(ctx, adapter, times)
	mc.moving.Store(false)
	mc.slot.Unlock()

	if err != nil {
		if errors.Is(err, ErrMovementAborted) {
			return err
		}
		mc.emitter.Emit(EventErrorOccurred, map[string]any{
			"operation": "nod",
			"error":     err.Error(),
		})
		return err
	}

	if original != "" {
		if _, ok := mc.store.Get(original); ok {
			if err := mc.MoveToPreset(ctx, original, 0, 0); err != nil {
				return err
			}
		}
	}

	mc.emitter.Emit(EventMovementCompleted, map[string]any{"label": "nod"})
	return nil
}

func (mc *Motion) nodBeats(ctx context.Context, adapter Adapter, times int) error {
	for i := 0; i < times; i++ {
		if !mc.moving.Load() {
			return errors.Wrap(ErrMovementAborted, "nod interrupted")
		}

		current, err := adapter.ReadPositions(ctx)
		if err != nil {
			return err
		}

		dip := current.Clone()
		dip[JointWristFlex] = current[JointWristFlex] + nodDipTicks
		if err := CheckAbsolute(dip, mc.limits); err != nil {
			return err
		}

		if err := adapter.WritePositions(ctx, dip); err != nil {
			return err
		}
		if err := sleepCtx(ctx, nodBeatDelay); err != nil {
			return errors.Wrapf(ErrMovementAborted, "%v", err)
		}

		if !mc.moving.Load() {
			return errors.Wrap(ErrMovementAborted, "nod interrupted")
		}
		if err := adapter.WritePositions(ctx, current); err != nil {
			return err
		}
		if err := sleepCtx(ctx, nodBeatDelay); err != nil {
			return errors.Wrapf(ErrMovementAborted, "%v", err)
		}
	}
	return nil
}

// TrackOffset steers the shoulder toward a normalized gaze coordinate
// (x, y in [0,1], origin top-left). Small offsets inside the deadband and
// targets outside the absolute limits are skipped quietly; the arm must be
// connected with torque enabled.
func (mc *Motion) TrackOffset(ctx context.Context, x, y float64) error {
	if x < 0 || x > 1 || y < 0 || y > 1 {
		return errors.Errorf("gaze coordinate (%.2f, %.2f) outside unit square", x, y)
	}

	adapter := mc.manager.Adapter()
	if adapter == nil {
		return ErrNotConnected
	}
	if !mc.manager.TorqueEnabled() {
		mc.logger.Debug("Tracking skipped: torque disabled")
		return nil
	}

	offset := r2.Point{X: (x - 0.5) * trackingPanRange, Y: (0.5 - y) * trackingLiftRange}
	if offset.Norm() < trackingDeadband {
		return nil
	}

	current, err := adapter.ReadPositions(ctx)
	if err != nil {
		return err
	}

	target := current.Clone()
	target[JointShoulderPan] = current[JointShoulderPan] + int(offset.X)
	target[JointShoulderLift] = current[JointShoulderLift] + int(offset.Y)

	if err := CheckAbsolute(target, mc.limits); err != nil {
		mc.logger.Debugf("Tracking target unsafe, skipped: %v", err)
		return nil
	}

	if err := mc.execute(ctx, target, moveOptions{
		label: "tracking",
		steps: trackingSteps,
		delay: trackingDelay,
		quiet: true,
	}); err != nil {
		return err
	}

	mc.emitter.Emit(EventTrackingUpdate, map[string]any{
		"x":    x,
		"y":    y,
		"pan":  int(offset.X),
		"lift": int(offset.Y),
	})
	return nil
}

// sleepCtx waits d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
