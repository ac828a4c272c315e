package eventhub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle notifications published by the checkpoint manager.
const (
	EventInitialized    = "initialized"
	EventCreated        = "created"
	EventRestored       = "restored"
	EventDeleted        = "deleted"
	EventArchived       = "archived"
	EventAutoCheckpoint = "auto-checkpoint"
	EventError          = "error"
)

// Event is one notification. Payload carries the affected record when there
// is one; Err is set only for error events.
type Event struct {
	Type         string      `json:"type"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`
	Payload      interface{} `json:"payload,omitempty"`
	Err          error       `json:"-"`
	Error        string      `json:"error,omitempty"`
	Time         time.Time   `json:"time"`
}

// Handler receives events.
type Handler func(Event)

// Broadcaster pushes events to remote clients.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub fans events out to subscribers and an optional broadcaster.
//
// Delivery is synchronous: Emit returns after every handler has run, in
// subscription order. Handlers may subscribe or unsubscribe from inside a
// callback; the change applies to the next Emit.
type EventHub struct {
	mu          sync.RWMutex
	nextID      int
	handlers    map[int]Handler
	order       []int
	broadcaster Broadcaster
	logger      zerolog.Logger
}

// New creates an EventHub.
func New(logger zerolog.Logger) *EventHub {
	return &EventHub{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// SetBroadcaster sets the remote broadcaster; nil disables broadcasting.
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = b
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (h *EventHub) Subscribe(fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.handlers, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers e to every subscriber and then to the broadcaster. A handler
// that panics is logged and skipped so the emitter keeps running.
func (h *EventHub) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Err != nil && e.Error == "" {
		e.Error = e.Err.Error()
	}

	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.handlers[id])
	}
	b := h.broadcaster
	h.mu.RUnlock()

	for _, fn := range handlers {
		h.dispatch(fn, e)
	}
	if b != nil {
		b.BroadcastEvent(e.Type, e)
	}
}

func (h *EventHub) dispatch(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Str("event", e.Type).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn(e)
}
