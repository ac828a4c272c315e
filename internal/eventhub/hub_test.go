package eventhub

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingBroadcaster) BroadcastEvent(eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func TestEventHub_DeliversInSubscriptionOrder(t *testing.T) {
	hub := New(zerolog.Nop())

	var got []string
	hub.Subscribe(func(e Event) { got = append(got, "first:"+e.Type) })
	hub.Subscribe(func(e Event) { got = append(got, "second:"+e.Type) })

	hub.Emit(Event{Type: EventCreated, CheckpointID: "cp-1"})

	assert.Equal(t, []string{"first:created", "second:created"}, got)
}

func TestEventHub_Unsubscribe(t *testing.T) {
	hub := New(zerolog.Nop())

	calls := 0
	unsubscribe := hub.Subscribe(func(Event) { calls++ })
	hub.Emit(Event{Type: EventDeleted})
	unsubscribe()
	unsubscribe()
	hub.Emit(Event{Type: EventDeleted})

	assert.Equal(t, 1, calls)
}

func TestEventHub_FillsTimeAndErrorText(t *testing.T) {
	hub := New(zerolog.Nop())

	var got Event
	hub.Subscribe(func(e Event) { got = e })
	hub.Emit(Event{Type: EventError, Err: errors.New("disk full")})

	assert.False(t, got.Time.IsZero())
	assert.Equal(t, "disk full", got.Error)
}

func TestEventHub_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	hub := New(zerolog.Nop())

	delivered := false
	hub.Subscribe(func(Event) { panic("boom") })
	hub.Subscribe(func(Event) { delivered = true })

	require.NotPanics(t, func() { hub.Emit(Event{Type: EventArchived}) })
	assert.True(t, delivered)
}

func TestEventHub_Broadcaster(t *testing.T) {
	hub := New(zerolog.Nop())
	b := &recordingBroadcaster{}
	hub.SetBroadcaster(b)

	hub.Emit(Event{Type: EventRestored})
	hub.SetBroadcaster(nil)
	hub.Emit(Event{Type: EventRestored})

	assert.Equal(t, []string{EventRestored}, b.types)
}

func TestEventHub_UnsubscribeFromHandler(t *testing.T) {
	hub := New(zerolog.Nop())

	calls := 0
	var unsubscribe func()
	unsubscribe = hub.Subscribe(func(Event) {
		calls++
		unsubscribe()
	})

	hub.Emit(Event{Type: EventCreated})
	hub.Emit(Event{Type: EventCreated})
	assert.Equal(t, 1, calls)
}
