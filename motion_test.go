package docent

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// eventLog captures emitted events for assertions. Safe for use from
// movement goroutines and timer callbacks.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) names() []EventName {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventName, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name
	}
	return out
}

func (l *eventLog) count(name EventName) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (l *eventLog) last(name EventName) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Name == name {
			return l.events[i], true
		}
	}
	return Event{}, false
}

type motionRig struct {
	manager *Manager
	mock    *MockAdapter
	store   *PresetStore
	emitter *Emitter
	motion  *Motion
	log     *eventLog
}

func newMotionRig(t *testing.T, cfg MotionSettings) *motionRig {
	t.Helper()
	logger := testLogger()

	emitter := NewEmitter(logger)
	log := &eventLog{}
	emitter.OnAny(log.record)

	store := NewPresetStore(filepath.Join(t.TempDir(), "positions.json"), DefaultLimits(), emitter, logger)
	store.Load()

	manager := NewManager(SerialSettings{MockOnly: true}, DefaultCalibration(), DefaultPresets()[RestPreset], logger)
	require.NoError(t, manager.Connect(context.Background()))
	t.Cleanup(func() { manager.Disconnect() })

	mock, ok := manager.Adapter().(*MockAdapter)
	require.True(t, ok, "mock-only manager must attach the mock adapter")

	return &motionRig{
		manager: manager,
		mock:    mock,
		store:   store,
		emitter: emitter,
		motion:  NewMotion(manager, store, emitter, DefaultLimits(), cfg, logger),
		log:     log,
	}
}

func TestInterpolate(t *testing.T) {
	t.Run("two steps hit exact midpoint and endpoints", func(t *testing.T) {
		present := Position{JointShoulderPan: 100, JointShoulderLift: -900}
		target := Position{JointShoulderPan: 0, JointShoulderLift: -1024}

		waypoints := Interpolate(present, target, 2)
		require.Len(t, waypoints, 3)
		assert.Equal(t, Position{JointShoulderPan: 100, JointShoulderLift: -900}, waypoints[0])
		assert.Equal(t, Position{JointShoulderPan: 50, JointShoulderLift: -962}, waypoints[1])
		assert.Equal(t, Position{JointShoulderPan: 0, JointShoulderLift: -1024}, waypoints[2])
	})

	t.Run("steps below one coerced to a single step", func(t *testing.T) {
		waypoints := Interpolate(Position{JointElbowFlex: 0}, Position{JointElbowFlex: 100}, 0)
		require.Len(t, waypoints, 2)
		assert.Equal(t, 0, waypoints[0][JointElbowFlex])
		assert.Equal(t, 100, waypoints[1][JointElbowFlex])
	})

	t.Run("truncation never misses the target endpoint", func(t *testing.T) {
		waypoints := Interpolate(Position{JointShoulderPan: 0}, Position{JointShoulderPan: 7}, 3)
		require.Len(t, waypoints, 4)
		assert.Equal(t, []int{0, 2, 4, 7}, []int{
			waypoints[0][JointShoulderPan],
			waypoints[1][JointShoulderPan],
			waypoints[2][JointShoulderPan],
			waypoints[3][JointShoulderPan],
		})
	})

	t.Run("target joints the reading lacks are dropped", func(t *testing.T) {
		present := Position{JointShoulderPan: 40}
		target := Position{JointShoulderPan: 100, JointWristRoll: 500}

		waypoints := Interpolate(present, target, 2)
		require.Len(t, waypoints, 3)
		for _, wp := range waypoints {
			assert.NotContains(t, wp, JointWristRoll)
		}
		assert.Equal(t, 100, waypoints[2][JointShoulderPan])
	})

	t.Run("present joints missing from target hold their value", func(t *testing.T) {
		present := Position{JointShoulderPan: 40, JointElbowFlex: 700}
		target := Position{JointShoulderPan: 0}

		waypoints := Interpolate(present, target, 2)
		require.Len(t, waypoints, 3)
		for _, wp := range waypoints {
			assert.Equal(t, 700, wp[JointElbowFlex])
		}
		assert.Equal(t, 0, waypoints[2][JointShoulderPan])
	})
}

func TestMoveRejectsUnsafeTargetWithoutIO(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})

	err := rig.motion.MoveToPosition(context.Background(), Position{JointShoulderPan: 3000}, 0, 0)
	assert.True(t, errors.Is(err, ErrUnsafePosition))
	assert.Zero(t, rig.mock.Reads(), "unsafe target must be rejected before any read")
	assert.Zero(t, rig.mock.Writes())
	assert.Empty(t, rig.log.names())
}

func TestMoveToPresetUnknown(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})

	err := rig.motion.MoveToPreset(context.Background(), "arabesque", 0, 0)
	assert.True(t, errors.Is(err, ErrUnknownPreset))
	assert.Zero(t, rig.mock.Writes())
}

func TestMoveNotConnected(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
	require.NoError(t, rig.manager.Disconnect())

	err := rig.motion.MoveToPreset(context.Background(), RestPreset, 0, 0)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestMoveToPresetEndToEnd(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 4, StepDelayMs: 1})

	require.NoError(t, rig.motion.MoveToPreset(context.Background(), "V", 0, 0))

	target, _ := rig.store.Get("V")
	final, err := rig.mock.ReadPositions(context.Background())
	require.NoError(t, err)
	for joint, want := range target {
		assert.Equal(t, want, final[joint], "joint %s", joint)
	}

	assert.Equal(t, 5, rig.mock.Writes(), "steps+1 waypoints written")
	assert.Equal(t, "V", rig.motion.CurrentPositionName())
	assert.False(t, rig.motion.IsMoving())

	assert.Equal(t, []EventName{
		EventMovementStarted,
		EventPositionReached,
		EventMovementCompleted,
	}, rig.log.names())

	started, ok := rig.log.last(EventMovementStarted)
	require.True(t, ok)
	assert.Equal(t, "V", started.Payload["label"])
	assert.Equal(t, 4, started.Payload["steps"])
}

func TestMoveAppliesRelativeClamp(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 1, StepDelayMs: 1, MaxRelativeTarget: 500})

	// From rest, V asks the elbow for +1024 and the wrist for -1024.
	require.NoError(t, rig.motion.MoveToPreset(context.Background(), "V", 0, 0))

	final, err := rig.mock.ReadPositions(context.Background())
	require.NoError(t, err)
	rest := DefaultPresets()[RestPreset]
	assert.Equal(t, rest[JointElbowFlex]+500, final[JointElbowFlex])
	assert.Equal(t, rest[JointWristFlex]-500, final[JointWristFlex])

	assert.Equal(t, 2, rig.log.count(EventSafetyClamped))
	assert.Equal(t, 1, rig.log.count(EventMovementCompleted), "clamped move still completes")
}

func TestMoveDropsUnknownJoints(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
	ctx := context.Background()

	// The extra key has no limit entry and no servo; the move proceeds
	// without it. The mock rejects writes naming unknown joints, so success
	// here proves the key never reached the adapter.
	target := Position{JointShoulderPan: 120, "tentacle": 10}
	require.NoError(t, rig.motion.MoveToPosition(ctx, target, 0, 0))

	final, err := rig.mock.ReadPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, final[JointShoulderPan])
	assert.NotContains(t, final, "tentacle")
	assert.Equal(t, 1, rig.log.count(EventMovementCompleted))
}

func TestMoveBusy(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 40, StepDelayMs: 5})

	errCh := make(chan error, 1)
	go func() {
		errCh <- rig.motion.MoveToPreset(context.Background(), "V", 0, 0)
	}()

	require.Eventually(t, rig.motion.IsMoving, time.Second, time.Millisecond)

	err := rig.motion.MoveToPreset(context.Background(), "tracking", 0, 0)
	assert.True(t, errors.Is(err, ErrBusy))

	require.NoError(t, <-errCh)
	assert.Equal(t, "V", rig.motion.CurrentPositionName(), "busy rejection must not disturb the in-flight move")
}

func TestEmergencyStopAbortsMove(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 100, StepDelayMs: 5})
	ctx := context.Background()
	require.NoError(t, rig.manager.SetTorque(ctx, true))

	errCh := make(chan error, 1)
	go func() {
		errCh <- rig.motion.MoveToPreset(ctx, "V", 0, 0)
	}()
	require.Eventually(t, rig.motion.IsMoving, time.Second, time.Millisecond)

	require.NoError(t, rig.motion.EmergencyStop(ctx))

	err := <-errCh
	assert.True(t, errors.Is(err, ErrMovementAborted))
	assert.Less(t, rig.mock.Writes(), 101, "abort must cut the waypoint stream short")

	assert.Zero(t, rig.log.count(EventMovementCompleted))
	assert.Zero(t, rig.log.count(EventErrorOccurred), "an abort is not an error")
	status, ok := rig.log.last(EventStatusChanged)
	require.True(t, ok)
	assert.Equal(t, "emergency_stopped", status.Payload["status"])

	assert.False(t, rig.manager.TorqueEnabled())
	assert.Empty(t, rig.motion.CurrentPositionName())
	assert.False(t, rig.motion.IsMoving())
}

func TestEmergencyStopWhenIdle(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
	ctx := context.Background()
	require.NoError(t, rig.manager.SetTorque(ctx, true))

	require.NoError(t, rig.motion.EmergencyStop(ctx))
	assert.False(t, rig.manager.TorqueEnabled())
	assert.Equal(t, 1, rig.log.count(EventStatusChanged))
}

func TestMoveWriteFailureEmitsError(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 3, StepDelayMs: 1})
	rig.mock.FailWriteAt(2, errors.New("bus glitch"))

	err := rig.motion.MoveToPreset(context.Background(), "V", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus glitch")

	assert.Equal(t, 1, rig.log.count(EventErrorOccurred))
	failed, _ := rig.log.last(EventErrorOccurred)
	assert.Equal(t, "move", failed.Payload["operation"])
	assert.Zero(t, rig.log.count(EventMovementCompleted))
	assert.Zero(t, rig.log.count(EventPositionReached))
	assert.False(t, rig.motion.IsMoving())
}

func TestMoveToPositionClearsCurrentName(t *testing.T) {
	rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
	ctx := context.Background()

	require.NoError(t, rig.motion.MoveToPreset(ctx, RestPreset, 0, 0))
	assert.Equal(t, RestPreset, rig.motion.CurrentPositionName())

	require.NoError(t, rig.motion.MoveToPosition(ctx, Position{JointShoulderPan: 200}, 0, 0))
	assert.Empty(t, rig.motion.CurrentPositionName())
}

func TestNod(t *testing.T) {
	t.Run("dips and returns, enabling torque on demand", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		ctx := context.Background()
		require.False(t, rig.manager.TorqueEnabled())

		require.NoError(t, rig.motion.Nod(ctx, 1))

		assert.True(t, rig.manager.TorqueEnabled())
		assert.Equal(t, 2, rig.mock.Writes(), "one dip, one return")

		started, ok := rig.log.last(EventMovementStarted)
		require.True(t, ok)
		assert.Equal(t, "nod", started.Payload["label"])
		completed, ok := rig.log.last(EventMovementCompleted)
		require.True(t, ok)
		assert.Equal(t, "nod", completed.Payload["label"])

		// Wrist ends where it started.
		final, err := rig.mock.ReadPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, DefaultPresets()[RestPreset][JointWristFlex], final[JointWristFlex])
	})

	t.Run("returns to the named preset afterwards", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		ctx := context.Background()

		require.NoError(t, rig.motion.MoveToPreset(ctx, RestPreset, 0, 0))
		require.NoError(t, rig.motion.Nod(ctx, 1))

		assert.Equal(t, RestPreset, rig.motion.CurrentPositionName())
		completed, ok := rig.log.last(EventMovementCompleted)
		require.True(t, ok)
		assert.Equal(t, "nod", completed.Payload["label"])
	})

	t.Run("refuses while disconnected", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		require.NoError(t, rig.manager.Disconnect())

		err := rig.motion.Nod(context.Background(), 1)
		assert.True(t, errors.Is(err, ErrNotConnected))
	})
}

func TestTrackOffset(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects coordinates outside the unit square", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		assert.Error(t, rig.motion.TrackOffset(ctx, -0.1, 0.5))
		assert.Error(t, rig.motion.TrackOffset(ctx, 0.5, 1.2))
		assert.Zero(t, rig.mock.Reads())
	})

	t.Run("skips quietly when torque is off", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		assert.NoError(t, rig.motion.TrackOffset(ctx, 1.0, 0.5))
		assert.Zero(t, rig.mock.Reads())
	})

	t.Run("ignores offsets inside the deadband", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		require.NoError(t, rig.manager.SetTorque(ctx, true))

		assert.NoError(t, rig.motion.TrackOffset(ctx, 0.5, 0.5))
		assert.Zero(t, rig.mock.Reads())
		assert.Zero(t, rig.log.count(EventTrackingUpdate))
	})

	t.Run("pans toward the gaze without movement events", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		require.NoError(t, rig.manager.SetTorque(ctx, true))

		require.NoError(t, rig.motion.TrackOffset(ctx, 1.0, 0.5))

		final, err := rig.mock.ReadPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 250, final[JointShoulderPan], "full-right gaze pans half the range")

		update, ok := rig.log.last(EventTrackingUpdate)
		require.True(t, ok)
		assert.Equal(t, 250, update.Payload["pan"])
		assert.Equal(t, 0, update.Payload["lift"])
		assert.Zero(t, rig.log.count(EventMovementStarted), "tracking moves are quiet")
		assert.Zero(t, rig.log.count(EventMovementCompleted))
	})

	t.Run("skips a target beyond the absolute limits", func(t *testing.T) {
		rig := newMotionRig(t, MotionSettings{Steps: 2, StepDelayMs: 1})
		require.NoError(t, rig.motion.MoveToPosition(ctx, Position{JointShoulderPan: 1900}, 0, 0))
		require.NoError(t, rig.manager.SetTorque(ctx, true))

		assert.NoError(t, rig.motion.TrackOffset(ctx, 1.0, 0.5))

		final, err := rig.mock.ReadPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1900, final[JointShoulderPan], "unsafe tracking target leaves the arm in place")
		assert.Zero(t, rig.log.count(EventTrackingUpdate))
	})
}
