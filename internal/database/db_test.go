// internal/database/db_test.go
package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabase_Open(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	// Verify file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestDatabase_Events(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	records := []*EventRecord{
		{Event: "created", CheckpointID: "cp-1", CreatedAt: base},
		{Event: "created", CheckpointID: "cp-2", CreatedAt: base.Add(time.Second)},
		{Event: "restored", CheckpointID: "cp-1", Detail: `{"state":"restored"}`, CreatedAt: base.Add(2 * time.Second)},
		{Event: "initialized", CreatedAt: base.Add(3 * time.Second)},
	}
	for _, r := range records {
		id, err := db.RecordEvent(r)
		if err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
		if id == 0 || r.ID != id {
			t.Errorf("Expected ID to be set, got %d", r.ID)
		}
	}

	t.Run("ByCheckpoint", func(t *testing.T) {
		events, err := db.ListEvents("cp-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(events))
		}
		if events[0].Event != "restored" || events[1].Event != "created" {
			t.Errorf("Expected newest first, got %s, %s", events[0].Event, events[1].Event)
		}
		if events[0].Detail != `{"state":"restored"}` {
			t.Errorf("Unexpected detail %s", events[0].Detail)
		}
		if !events[1].CreatedAt.Equal(base) {
			t.Errorf("Expected created_at %v, got %v", base, events[1].CreatedAt)
		}
	})

	t.Run("AllWithLimit", func(t *testing.T) {
		events, err := db.ListEvents("", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 || events[0].Event != "initialized" {
			t.Errorf("Unexpected events %+v", events)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		events, err := db.ListEvents("cp-404", 10)
		if err != nil {
			t.Fatal(err)
		}
		if events == nil || len(events) != 0 {
			t.Errorf("Expected empty list, got %v", events)
		}
	})

	t.Run("Prune", func(t *testing.T) {
		n, err := db.PruneEvents(base.Add(2 * time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("Expected 2 pruned, got %d", n)
		}
		events, _ := db.ListEvents("", 0)
		if len(events) != 2 {
			t.Errorf("Expected 2 remaining, got %d", len(events))
		}
	})
}
