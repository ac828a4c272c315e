package checkpoint

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snapkeep/internal/eventhub"
)

type fakeTracker struct {
	changed atomic.Bool
	resets  atomic.Int32
}

func (f *fakeTracker) Changed() bool { return f.changed.Load() }

func (f *fakeTracker) Reset() {
	f.resets.Add(1)
	f.changed.Store(false)
}

func TestAutoCheckpointScheduler(t *testing.T) {
	m, ws := newTestManager(t, func(cfg *Config) {
		cfg.AutoCheckpoint.Interval = 10 * time.Millisecond
	})
	writeFile(t, ws, "a.txt", "1")

	fired := make(chan eventhub.Event, 16)
	m.Events().Subscribe(func(e eventhub.Event) {
		if e.Type == eventhub.EventAutoCheckpoint {
			select {
			case fired <- e:
			default:
			}
		}
	})

	m.StartAutoCheckpoint()
	m.StartAutoCheckpoint()
	if !m.AutoCheckpointRunning() {
		t.Fatal("Expected scheduler to be running")
	}

	select {
	case e := <-fired:
		cp := m.Get(e.CheckpointID)
		if cp == nil {
			t.Fatalf("Expected checkpoint '%s' to exist", e.CheckpointID)
		}
		if cp.Name != "auto-checkpoint" || !equalStrings(cp.Tags, []string{TagAuto}) {
			t.Errorf("Unexpected auto checkpoint %+v", cp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for auto checkpoint")
	}

	m.StopAutoCheckpoint()
	m.StopAutoCheckpoint()
	if m.AutoCheckpointRunning() {
		t.Error("Expected scheduler to be stopped")
	}
}

func TestAutoCheckpointOnlyWhenChanged(t *testing.T) {
	tracker := &fakeTracker{}
	m, ws := newTestManager(t, func(cfg *Config) {
		cfg.AutoCheckpoint.OnlyWhenChanged = true
	}, WithChangeTracker(tracker))
	writeFile(t, ws, "a.txt", "1")

	m.autoCheckpoint()
	if m.registry.Len() != 0 {
		t.Fatalf("Expected tick to be skipped, got %d checkpoints", m.registry.Len())
	}

	tracker.changed.Store(true)
	m.autoCheckpoint()
	if m.registry.Len() != 1 {
		t.Fatalf("Expected one checkpoint, got %d", m.registry.Len())
	}
	if tracker.Changed() {
		t.Error("Expected tracker reset after checkpoint")
	}
}

func TestAutoCheckpointFailureEmitsError(t *testing.T) {
	m, ws := newTestManager(t, nil)
	writeFile(t, ws, "a.txt", "1")
	events := recordEvents(m)

	origCreate := createFile
	createFile = func(name string, perm os.FileMode) (*os.File, error) {
		return nil, errors.New("disk full")
	}
	defer func() { createFile = origCreate }()

	m.autoCheckpoint()

	if got := events.types(); !equalStrings(got, []string{eventhub.EventError}) {
		t.Fatalf("Expected a single error event, got %v", got)
	}
	if events.events[0].Err == nil || events.events[0].Error == "" {
		t.Error("Expected error details on the event")
	}
}

func TestStopAutoCheckpointWaitsForTick(t *testing.T) {
	m, ws := newTestManager(t, func(cfg *Config) {
		cfg.AutoCheckpoint.Interval = 10 * time.Millisecond
	})
	writeFile(t, ws, "a.txt", "1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var autoDone atomic.Bool
	m.Events().Subscribe(func(e eventhub.Event) {
		switch e.Type {
		case eventhub.EventCreated:
			once.Do(func() {
				close(entered)
				<-release
			})
		case eventhub.EventAutoCheckpoint:
			autoDone.Store(true)
		}
	})

	m.StartAutoCheckpoint()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a tick")
	}

	stopped := make(chan struct{})
	go func() {
		m.StopAutoCheckpoint()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Expected StopAutoCheckpoint to wait for the running tick")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for StopAutoCheckpoint")
	}
	if !autoDone.Load() {
		t.Error("Expected the tick's events emitted before StopAutoCheckpoint returned")
	}
	if m.AutoCheckpointRunning() {
		t.Error("Expected scheduler to be stopped")
	}
}
