package checkpoint

import (
	"sort"
	"sync"
)

// Registry is the in-memory index of checkpoint metadata keyed by id.
// Records are copied on the way in and out.
type Registry struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkpoints: make(map[string]*Checkpoint)}
}

// Load inserts every successfully loaded result and returns a report that
// also lists the skipped entries.
func (r *Registry) Load(results []LoadResult) *LoadReport {
	report := &LoadReport{}
	for _, res := range results {
		if res.Err != nil || res.Checkpoint == nil {
			report.Skipped = append(report.Skipped, res)
			continue
		}
		r.Put(res.Checkpoint)
		report.Loaded = append(report.Loaded, res.ID)
	}
	sort.Strings(report.Loaded)
	return report
}

// Put inserts or replaces a record.
func (r *Registry) Put(cp *Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints[cp.ID] = cp.Clone()
}

// Get returns a copy of the record, or nil.
func (r *Registry) Get(id string) *Checkpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkpoints[id].Clone()
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.checkpoints[id]
	return ok
}

// Delete removes id and reports whether it was present.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkpoints[id]; !ok {
		return false
	}
	delete(r.checkpoints, id)
	return true
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checkpoints)
}

// CountByState returns the number of records per state.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[State]int{StateCreated: 0, StateRestored: 0, StateArchived: 0}
	for _, cp := range r.checkpoints {
		counts[cp.State]++
	}
	return counts
}

// List returns copies of the matching records, newest first.
func (r *Registry) List(opts ListOptions) []*Checkpoint {
	r.mu.RLock()
	out := make([]*Checkpoint, 0, len(r.checkpoints))
	for _, cp := range r.checkpoints {
		if len(opts.Tags) > 0 && !cp.HasAnyTag(opts.Tags) {
			continue
		}
		if opts.State != "" && cp.State != opts.State {
			continue
		}
		out = append(out, cp.Clone())
	}
	r.mu.RUnlock()

	sortNewestFirst(out)

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// sortNewestFirst orders by timestamp descending; equal timestamps fall back
// to id descending, which follows creation order for generated ids.
func sortNewestFirst(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if !cps[i].Timestamp.Equal(cps[j].Timestamp) {
			return cps[i].Timestamp.After(cps[j].Timestamp)
		}
		return cps[i].ID > cps[j].ID
	})
}
