package docent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterListenerOrder(t *testing.T) {
	em := NewEmitter(testLogger())

	var order []string
	em.OnAny(func(ev Event) {
		order = append(order, "any:"+string(ev.Name))
	})
	em.On(EventStageChanged, func(ev Event) {
		order = append(order, "named:"+string(ev.Name))
	})
	em.On(EventMovementStarted, func(ev Event) {
		order = append(order, "other")
	})

	em.Emit(EventStageChanged, map[string]any{"from": "rest", "to": "game"})

	// Named listeners run before any-listeners even when registered later.
	assert.Equal(t, []string{"named:stage_changed", "any:stage_changed"}, order)
}

func TestEmitterListenerReceivesPayload(t *testing.T) {
	em := NewEmitter(testLogger())

	var got Event
	em.On(EventPresetSaved, func(ev Event) { got = ev })
	em.Emit(EventPresetSaved, map[string]any{"name": "wave"})

	assert.Equal(t, EventPresetSaved, got.Name)
	assert.Equal(t, "wave", got.Payload["name"])
	assert.WithinDuration(t, time.Now(), got.Time, time.Second)
}

func TestEmitterSubscribe(t *testing.T) {
	em := NewEmitter(testLogger())

	ch, cancel := em.Subscribe()
	assert.Equal(t, 1, em.SubscriberCount())

	em.Emit(EventStatusChanged, map[string]any{"status": "connected_mock"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventStatusChanged, ev.Name)
		assert.Equal(t, "connected_mock", ev.Payload["status"])
	case <-time.After(time.Second):
		t.Fatal("expected a buffered event")
	}

	cancel()
	assert.Equal(t, 0, em.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")

	// A second cancel is a no-op.
	cancel()
}

func TestEmitterSubscribeDropsWhenFull(t *testing.T) {
	em := NewEmitter(testLogger())

	ch, cancel := em.Subscribe()
	defer cancel()

	for i := 0; i < 70; i++ {
		em.Emit(EventTrackingUpdate, map[string]any{"seq": i})
	}

	// The buffer holds 64; the rest are dropped rather than blocking Emit.
	assert.Equal(t, 64, len(ch))
	first := <-ch
	assert.Equal(t, 0, first.Payload["seq"])
}

func TestEmitterMultipleSubscribers(t *testing.T) {
	em := NewEmitter(testLogger())

	var chans []<-chan Event
	for i := 0; i < 3; i++ {
		ch, cancel := em.Subscribe()
		defer cancel()
		chans = append(chans, ch)
	}
	require.Equal(t, 3, em.SubscriberCount())

	em.Emit(EventMovementCompleted, nil)

	for i, ch := range chans {
		select {
		case ev := <-ch:
			assert.Equal(t, EventMovementCompleted, ev.Name, fmt.Sprintf("subscriber %d", i))
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}
