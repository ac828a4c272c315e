package watcher

import "sync/atomic"

// Tracker remembers whether any watched file changed since the last Reset.
// A new Tracker starts out changed, since edits made before it existed are
// unknown.
type Tracker struct {
	dirty atomic.Bool
	count atomic.Int64
}

// NewTracker returns a Tracker in the changed state.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.dirty.Store(true)
	return t
}

// Observe records an event. It has the signature of a Watcher callback.
func (t *Tracker) Observe(Event) {
	t.count.Add(1)
	t.dirty.Store(true)
}

// Changed reports whether an event was observed since the last Reset.
func (t *Tracker) Changed() bool {
	return t.dirty.Load()
}

// Reset clears the changed flag.
func (t *Tracker) Reset() {
	t.dirty.Store(false)
}

// Events returns the total number of events observed.
func (t *Tracker) Events() int64 {
	return t.count.Load()
}
