package docent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Coordinator ties the stage machine to the motion subsystem and fronts both
// for the HTTP server, the MQTT bridge and the CLI. Entering a stage that has
// a physical pose dispatches the matching preset move; a busy movement slot
// drops that move with a warning rather than queuing it.
type Coordinator struct {
	manager *Manager
	store   *PresetStore
	motion  *Motion
	stages  *StageMachine
	emitter *Emitter
	logger  *logrus.Logger
}

// NewCoordinator wires the stage entry hooks: rest parks the arm on its rest
// preset, tracking poses it for gaze following.
func NewCoordinator(manager *Manager, store *PresetStore, motion *Motion, stages *StageMachine, emitter *Emitter, logger *logrus.Logger) *Coordinator {
	c := &Coordinator{
		manager: manager,
		store:   store,
		motion:  motion,
		stages:  stages,
		emitter: emitter,
		logger:  logger,
	}

	c.stages.RegisterEnterHook(StageRest, func(ctx context.Context, stage Stage, data map[string]any) {
		c.dispatchStageMove(RestPreset)
	})
	c.stages.RegisterEnterHook(StageTracking, func(ctx context.Context, stage Stage, data map[string]any) {
		c.dispatchStageMove("tracking")
	})
	return c
}

// dispatchStageMove requests a stage entry pose without blocking the
// transition. No queue: a move already in flight wins and the stage move is
// dropped with a warning.
func (c *Coordinator) dispatchStageMove(name string) {
	go func() {
		err := c.motion.MoveToPreset(context.Background(), name, 0, 0)
		switch {
		case err == nil:
		case errors.Is(err, ErrBusy):
			c.logger.Warnf("Stage move to %q dropped: movement in progress", name)
		case errors.Is(err, ErrNotConnected):
			c.logger.Debugf("Stage move to %q skipped: not connected", name)
		case errors.Is(err, ErrUnknownPreset):
			c.logger.Warnf("Stage move skipped: preset %q missing", name)
		default:
			c.logger.Warnf("Stage move to %q failed: %v", name, err)
		}
	}()
}

// Start ensures the manager is connected and announces the connection state.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.manager.Connected() {
		if err := c.manager.Connect(ctx); err != nil {
			return err
		}
	}
	status := "connected"
	if c.manager.IsMock() {
		status = "connected_mock"
	}
	c.emitter.Emit(EventStatusChanged, map[string]any{
		"status": status,
		"port":   c.manager.Port(),
	})
	return nil
}

// Shutdown disarms the idle timer, aborts any in-flight movement and
// announces the disconnect. The caller releases the manager afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.stages.Stop()
	if c.motion.IsMoving() {
		if err := c.motion.EmergencyStop(ctx); err != nil {
			c.logger.Warnf("Emergency stop during shutdown failed: %v", err)
		}
	}
	c.emitter.Emit(EventStatusChanged, map[string]any{"status": "disconnected"})
}

// Events exposes the emitter for subscribers (SSE, MQTT bridge).
func (c *Coordinator) Events() *Emitter {
	return c.emitter
}

// Stages lists every stage the exhibit knows.
func (c *Coordinator) Stages() []Stage {
	out := make([]Stage, len(StageOrder))
	copy(out, StageOrder)
	return out
}

// ChangeStage parses and performs a stage transition.
func (c *Coordinator) ChangeStage(ctx context.Context, name string, data map[string]any) error {
	stage, ok := ParseStage(name)
	if !ok {
		return errors.Wrapf(ErrInvalidStage, "stage %q", name)
	}
	return c.stages.ChangeStage(ctx, stage, data)
}

// GoBack returns to the previous stage, or rest when there is none.
func (c *Coordinator) GoBack(ctx context.Context) error {
	return c.stages.GoBack(ctx)
}

// Touch signals user activity and re-arms the idle timer.
func (c *Coordinator) Touch() {
	c.stages.Touch()
}

// CurrentStage returns the active stage.
func (c *Coordinator) CurrentStage() Stage {
	return c.stages.Current()
}

// StageData returns the data bag attached to stage on its last entry.
func (c *Coordinator) StageData(stage Stage) map[string]any {
	return c.stages.StageData(stage)
}

// SetStageData stores one key in a stage's data bag.
func (c *Coordinator) SetStageData(stage Stage, key string, value any) error {
	return c.stages.SetStageData(stage, key, value)
}

// ClearStageData drops a stage's data bag.
func (c *Coordinator) ClearStageData(stage Stage) error {
	return c.stages.ClearStageData(stage)
}

// MoveToPreset moves the arm to a named preset.
func (c *Coordinator) MoveToPreset(ctx context.Context, name string, steps int, delay time.Duration) error {
	return c.motion.MoveToPreset(ctx, name, steps, delay)
}

// MoveToPosition moves the arm to an ad-hoc position.
func (c *Coordinator) MoveToPosition(ctx context.Context, target Position, steps int, delay time.Duration) error {
	return c.motion.MoveToPosition(ctx, target, steps, delay)
}

// TrackOffset follows a normalized gaze coordinate. A frame counts as
// visitor activity, so it also re-arms the idle timer.
func (c *Coordinator) TrackOffset(ctx context.Context, x, y float64) error {
	err := c.motion.TrackOffset(ctx, x, y)
	if err == nil {
		c.stages.Touch()
	}
	return err
}

// Nod performs the nod gesture, counting as visitor activity.
func (c *Coordinator) Nod(ctx context.Context, times int) error {
	err := c.motion.Nod(ctx, times)
	if err == nil {
		c.stages.Touch()
	}
	return err
}

// EmergencyStop aborts movement and disables torque.
func (c *Coordinator) EmergencyStop(ctx context.Context) error {
	return c.motion.EmergencyStop(ctx)
}

// SetTorque toggles holding torque and announces the change.
func (c *Coordinator) SetTorque(ctx context.Context, enabled bool) error {
	if err := c.manager.SetTorque(ctx, enabled); err != nil {
		return err
	}
	status := "torque_disabled"
	if enabled {
		status = "torque_enabled"
	}
	c.emitter.Emit(EventStatusChanged, map[string]any{"status": status})
	return nil
}

// Presets lists the stored preset names, sorted.
func (c *Coordinator) Presets() []string {
	return c.store.List()
}

// PresetPositions returns a copy of every stored preset.
func (c *Coordinator) PresetPositions() map[string]Position {
	return c.store.All()
}

// GetPreset looks up a stored preset.
func (c *Coordinator) GetPreset(name string) (Position, bool) {
	return c.store.Get(name)
}

// SetPreset stores a preset after validating it against the limit table.
func (c *Coordinator) SetPreset(name string, pos Position) error {
	return c.store.Set(name, pos)
}

// SavePreset captures the arm's present position under name.
func (c *Coordinator) SavePreset(ctx context.Context, name string) error {
	adapter := c.manager.Adapter()
	if adapter == nil {
		return ErrNotConnected
	}
	return c.store.SaveCurrent(ctx, name, adapter)
}

// DeletePreset removes a stored preset, reporting whether it existed.
func (c *Coordinator) DeletePreset(name string) (bool, error) {
	return c.store.Delete(name)
}

// Status is the exhibit snapshot served by the operator API and published
// as retained MQTT status.
type Status struct {
	Stage         string `json:"stage"`
	PreviousStage string `json:"previous_stage,omitempty"`
	Connected     bool   `json:"connected"`
	Mock          bool   `json:"mock"`
	TorqueEnabled bool   `json:"torque_enabled"`
	Moving        bool   `json:"moving"`
	PositionName  string `json:"position_name,omitempty"`
	Port          string `json:"port,omitempty"`
}

// Status reports the current exhibit state.
func (c *Coordinator) Status() Status {
	return Status{
		Stage:         string(c.stages.Current()),
		PreviousStage: string(c.stages.Previous()),
		Connected:     c.manager.Connected(),
		Mock:          c.manager.IsMock(),
		TorqueEnabled: c.manager.TorqueEnabled(),
		Moving:        c.motion.IsMoving(),
		PositionName:  c.motion.CurrentPositionName(),
		Port:          c.manager.Port(),
	}
}
