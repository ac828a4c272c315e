package checkpoint

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry()

	report := r.Load([]LoadResult{
		{ID: "cp-1-a", Checkpoint: &Checkpoint{ID: "cp-1-a", Timestamp: base, State: StateCreated, Tags: []string{"x"}}},
		{ID: "cp-2-b", Checkpoint: &Checkpoint{ID: "cp-2-b", Timestamp: base.Add(time.Second), State: StateArchived}},
		{ID: "cp-3-c", Err: errors.New("bad json")},
	})

	if !equalStrings(report.Loaded, []string{"cp-1-a", "cp-2-b"}) {
		t.Errorf("Unexpected loaded %v", report.Loaded)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].ID != "cp-3-c" {
		t.Errorf("Unexpected skipped %v", report.Skipped)
	}

	t.Run("CopiesOnGet", func(t *testing.T) {
		cp := r.Get("cp-1-a")
		cp.Tags[0] = "mutated"
		if r.Get("cp-1-a").Tags[0] != "x" {
			t.Error("Expected registry record to be isolated from callers")
		}
		if r.Get("missing") != nil {
			t.Error("Expected nil for unknown id")
		}
	})

	t.Run("ListOrder", func(t *testing.T) {
		r.Put(&Checkpoint{ID: "cp-4-d", Timestamp: base.Add(time.Second), State: StateRestored})
		got := ids(r.List(ListOptions{}))
		want := []string{"cp-4-d", "cp-2-b", "cp-1-a"}
		if !equalStrings(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("Counts", func(t *testing.T) {
		counts := r.CountByState()
		if counts[StateCreated] != 1 || counts[StateArchived] != 1 || counts[StateRestored] != 1 {
			t.Errorf("Unexpected counts %v", counts)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if !r.Delete("cp-4-d") {
			t.Error("Expected delete to report presence")
		}
		if r.Delete("cp-4-d") {
			t.Error("Expected second delete to report absence")
		}
		if r.Len() != 2 {
			t.Errorf("Expected 2 records, got %d", r.Len())
		}
	})
}
