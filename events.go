package docent

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventName identifies a coordinator event.
type EventName string

const (
	EventStageExited       EventName = "stage_exited"
	EventStageEntered      EventName = "stage_entered"
	EventStageChanged      EventName = "stage_changed"
	EventMovementStarted   EventName = "movement_started"
	EventSafetyClamped     EventName = "safety_clamped"
	EventPositionReached   EventName = "position_reached"
	EventMovementCompleted EventName = "movement_completed"
	EventStatusChanged     EventName = "status_changed"
	EventErrorOccurred     EventName = "error_occurred"
	EventPresetSaved       EventName = "preset_saved"
	EventPresetDeleted     EventName = "preset_deleted"
	EventTrackingUpdate    EventName = "tracking_update"
)

// Event is a single coordinator notification.
type Event struct {
	Name    EventName      `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(Event)

// Emitter dispatches events to registered listeners in registration order,
// before the emitting call returns, and fans them out to channel
// subscribers without blocking. Listeners are for core wiring (stage hooks,
// motion bindings); subscriptions are for edge consumers such as SSE
// streams and the MQTT bridge, which may drop events when slow.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventName][]Listener
	anyList   []Listener
	subs      map[int]chan Event
	nextSubID int
	logger    *logrus.Logger
}

// NewEmitter creates an Emitter. logger may not be nil.
func NewEmitter(logger *logrus.Logger) *Emitter {
	return &Emitter{
		listeners: make(map[EventName][]Listener),
		subs:      make(map[int]chan Event),
		logger:    logger,
	}
}

// On registers a listener for a single event name.
func (e *Emitter) On(name EventName, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], fn)
}

// OnAny registers a listener for every event. Any-listeners run after the
// name-specific ones.
func (e *Emitter) OnAny(fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.anyList = append(e.anyList, fn)
}

// Subscribe returns a buffered channel of events and a cancel function.
// Events are dropped, not queued, when the buffer is full.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	ch := make(chan Event, 64)
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit dispatches the event to all listeners synchronously, then to
// subscribers non-blocking.
func (e *Emitter) Emit(name EventName, payload map[string]any) {
	ev := Event{Name: name, Payload: payload, Time: time.Now()}

	e.mu.RLock()
	named := e.listeners[name]
	anyList := e.anyList
	e.mu.RUnlock()

	for _, fn := range named {
		fn(ev)
	}
	for _, fn := range anyList {
		fn(ev)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Debugf("Event subscriber %d full, dropping %s", id, name)
		}
	}
}

// SubscriberCount reports the number of active channel subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
