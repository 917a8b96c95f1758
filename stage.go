package docent

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stage is a named presentation state of the exhibit.
type Stage string

const (
	StageRest               Stage = "rest"
	StagePrimaryInteraction Stage = "primary_interaction"
	StageMenuDetail         Stage = "menu_detail"
	StageObjectRecognition  Stage = "object_recognition"
	StageSmartControl       Stage = "smart_control"
	StageTracking           Stage = "tracking"
	StageGame               Stage = "game"
	StageKeyboardInput      Stage = "keyboard_input"
)

// StageOrder lists every stage. The machine accepts transitions between any
// pair of them.
var StageOrder = []Stage{
	StageRest,
	StagePrimaryInteraction,
	StageMenuDetail,
	StageObjectRecognition,
	StageSmartControl,
	StageTracking,
	StageGame,
	StageKeyboardInput,
}

// ParseStage maps a raw name onto a known stage.
func ParseStage(name string) (Stage, bool) {
	for _, s := range StageOrder {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// StageHook runs during a transition, synchronously on the caller's
// goroutine. The machine's lock is held while hooks run, so a hook must not
// call back into the machine; use the supplied stage and data instead.
type StageHook func(ctx context.Context, stage Stage, data map[string]any)

// StageMachine walks the exhibit through its presentation stages. Hooks and
// event emission complete before ChangeStage returns, and leaving the rest
// stage arms an idle timer that sends the exhibit back to rest on its own.
type StageMachine struct {
	mu        sync.Mutex
	fsm       *fsm.FSM
	previous  Stage
	data      map[Stage]map[string]any
	enter     map[Stage][]StageHook
	exit      map[Stage][]StageHook
	emitter   *Emitter
	logger    *logrus.Logger
	idleAfter time.Duration
	idleTimer *time.Timer
	idleGen   uint64
}

// NewStageMachine starts at rest with the idle timer disarmed. A
// non-positive idleAfter disables idle auto-return entirely.
func NewStageMachine(idleAfter time.Duration, emitter *Emitter, logger *logrus.Logger) *StageMachine {
	sm := &StageMachine{
		data:      make(map[Stage]map[string]any),
		enter:     make(map[Stage][]StageHook),
		exit:      make(map[Stage][]StageHook),
		emitter:   emitter,
		logger:    logger,
		idleAfter: idleAfter,
	}

	src := make([]string, 0, len(StageOrder))
	for _, s := range StageOrder {
		src = append(src, string(s))
	}
	events := make(fsm.Events, 0, len(StageOrder))
	for _, s := range StageOrder {
		events = append(events, fsm.EventDesc{Name: transitionEvent(s), Src: src, Dst: string(s)})
	}

	sm.fsm = fsm.NewFSM(
		string(StageRest),
		events,
		fsm.Callbacks{
			"leave_state": sm.onLeaveStage,
			"enter_state": sm.onEnterStage,
		},
	)
	return sm
}

func transitionEvent(s Stage) string {
	return "to_" + string(s)
}

// Current returns the active stage.
func (sm *StageMachine) Current() Stage {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return Stage(sm.fsm.Current())
}

// Previous returns the stage before the last transition, empty before the
// first one.
func (sm *StageMachine) Previous() Stage {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.previous
}

// StageData returns a copy of the data bag attached to the stage on its most
// recent entry.
func (sm *StageMachine) StageData(stage Stage) map[string]any {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	bag := sm.data[stage]
	if bag == nil {
		return nil
	}
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}

// SetStageData stores one key in a stage's data bag, creating the bag when
// the stage has none. Entering the stage with fresh data still replaces the
// whole bag.
func (sm *StageMachine) SetStageData(stage Stage, key string, value any) error {
	if _, ok := ParseStage(string(stage)); !ok {
		return errors.Wrapf(ErrInvalidStage, "stage %q", stage)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	bag := sm.data[stage]
	if bag == nil {
		bag = make(map[string]any)
		sm.data[stage] = bag
	}
	bag[key] = value
	return nil
}

// ClearStageData drops a stage's data bag without transitioning.
func (sm *StageMachine) ClearStageData(stage Stage) error {
	if _, ok := ParseStage(string(stage)); !ok {
		return errors.Wrapf(ErrInvalidStage, "stage %q", stage)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.data, stage)
	return nil
}

// RegisterEnterHook runs hook whenever stage is entered.
func (sm *StageMachine) RegisterEnterHook(stage Stage, hook StageHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.enter[stage] = append(sm.enter[stage], hook)
}

// RegisterExitHook runs hook whenever stage is left.
func (sm *StageMachine) RegisterExitHook(stage Stage, hook StageHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.exit[stage] = append(sm.exit[stage], hook)
}

// ChangeStage transitions to next, attaching data as its data bag. Exit
// hooks, enter hooks and the stage_exited / stage_entered / stage_changed
// events all fire in order before the call returns. Requesting the current
// stage succeeds without side effects.
func (sm *StageMachine) ChangeStage(ctx context.Context, next Stage, data map[string]any) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.changeStageLocked(ctx, next, data)
}

func (sm *StageMachine) changeStageLocked(ctx context.Context, next Stage, data map[string]any) error {
	if _, ok := ParseStage(string(next)); !ok {
		return errors.Wrapf(ErrInvalidStage, "stage %q", next)
	}

	old := Stage(sm.fsm.Current())
	if old == next {
		return nil
	}

	if err := sm.fsm.Event(ctx, transitionEvent(next), data); err != nil {
		return errors.Wrapf(err, "transition %s -> %s", old, next)
	}

	sm.logger.Infof("Stage changed: %s -> %s", old, next)
	sm.emitter.Emit(EventStageChanged, map[string]any{
		"from": string(old),
		"to":   string(next),
	})
	sm.armIdleLocked()
	return nil
}

// GoBack returns to the previous stage, or to rest when there is none.
func (sm *StageMachine) GoBack(ctx context.Context) error {
	sm.mu.Lock()
	prev := sm.previous
	sm.mu.Unlock()
	if prev == "" {
		prev = StageRest
	}
	return sm.ChangeStage(ctx, prev, nil)
}

// Touch re-arms the idle timer without changing stage. Visitor activity
// that is not a stage change should call this to keep the exhibit awake.
func (sm *StageMachine) Touch() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.armIdleLocked()
}

// Stop disarms the idle timer. The machine remains usable.
func (sm *StageMachine) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.idleGen++
	if sm.idleTimer != nil {
		sm.idleTimer.Stop()
		sm.idleTimer = nil
	}
}

func (sm *StageMachine) onLeaveStage(ctx context.Context, e *fsm.Event) {
	old := Stage(e.Src)
	for _, hook := range sm.exit[old] {
		hook(ctx, old, sm.data[old])
	}
	sm.emitter.Emit(EventStageExited, map[string]any{"stage": string(old)})
}

func (sm *StageMachine) onEnterStage(ctx context.Context, e *fsm.Event) {
	old := Stage(e.Src)
	next := Stage(e.Dst)

	sm.previous = old
	var bag map[string]any
	if len(e.Args) > 0 {
		bag, _ = e.Args[0].(map[string]any)
	}
	sm.data[next] = bag

	for _, hook := range sm.enter[next] {
		hook(ctx, next, bag)
	}
	sm.emitter.Emit(EventStageEntered, map[string]any{"stage": string(next)})
}

// armIdleLocked restarts the idle countdown, or disarms it at rest. Every
// arm and disarm advances the generation; a fired callback carrying an older
// generation lost a race with a real transition and must not replay.
func (sm *StageMachine) armIdleLocked() {
	sm.idleGen++
	if sm.idleTimer != nil {
		sm.idleTimer.Stop()
		sm.idleTimer = nil
	}
	if sm.idleAfter <= 0 || Stage(sm.fsm.Current()) == StageRest {
		return
	}
	gen := sm.idleGen
	sm.idleTimer = time.AfterFunc(sm.idleAfter, func() {
		sm.idleReturn(gen)
	})
}

// idleReturn runs on the fired timer's goroutine. Stop cannot cancel a
// callback that has already fired and is waiting on the lock, so the
// generation is checked under the same lock acquisition as the transition.
func (sm *StageMachine) idleReturn(gen uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if gen != sm.idleGen {
		return
	}

	sm.logger.Infof("Idle for %s, returning to rest", sm.idleAfter)
	if err := sm.changeStageLocked(context.Background(), StageRest, nil); err != nil {
		sm.logger.Warnf("Idle return to rest failed: %v", err)
	}
}
