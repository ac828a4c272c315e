package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"snapkeep/internal/eventhub"
)

type scheduler struct {
	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// StartAutoCheckpoint starts creating a checkpoint every configured interval.
// Calling it while the scheduler runs is a no-op.
func (m *Manager) StartAutoCheckpoint() {
	m.sched.mu.Lock()
	defer m.sched.mu.Unlock()

	if m.sched.running {
		return
	}

	interval := m.cfg.AutoCheckpoint.Interval
	if interval <= 0 {
		interval = DefaultAutoCheckpointInterval
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	m.sched.done = done
	m.sched.stopped = stopped
	m.sched.running = true

	go func() {
		defer close(stopped)
		m.runAutoCheckpoint(interval, done)
	}()
	m.logger.Info().Dur("interval", interval).Msg("auto checkpoint started")
}

// StopAutoCheckpoint stops the scheduler and returns once a tick already in
// progress has finished and emitted its events. It must not be called from
// an event handler running inside a tick.
func (m *Manager) StopAutoCheckpoint() {
	m.sched.mu.Lock()
	if !m.sched.running {
		m.sched.mu.Unlock()
		return
	}
	close(m.sched.done)
	stopped := m.sched.stopped
	m.sched.running = false
	m.sched.mu.Unlock()

	<-stopped
	m.logger.Info().Msg("auto checkpoint stopped")
}

// AutoCheckpointRunning reports whether the scheduler is active.
func (m *Manager) AutoCheckpointRunning() bool {
	m.sched.mu.Lock()
	defer m.sched.mu.Unlock()
	return m.sched.running
}

func (m *Manager) runAutoCheckpoint(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			select {
			case <-done:
				return
			default:
			}
			m.autoCheckpoint()
		}
	}
}

// autoCheckpoint runs one scheduler tick. Errors are reported as events and
// never stop the scheduler.
func (m *Manager) autoCheckpoint() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("auto checkpoint panic: %v", r)
			m.logger.Error().Err(err).Msg("auto checkpoint failed")
			m.hub.Emit(eventhub.Event{Type: eventhub.EventError, Err: err})
		}
	}()

	if m.cfg.AutoCheckpoint.OnlyWhenChanged && m.tracker != nil && !m.tracker.Changed() {
		m.logger.Debug().Msg("workspace unchanged, skipping auto checkpoint")
		return
	}

	cp, err := m.Create(CreateOptions{
		Name:        "auto-checkpoint",
		Description: "Automatic checkpoint",
		Tags:        []string{TagAuto},
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("auto checkpoint failed")
		m.hub.Emit(eventhub.Event{Type: eventhub.EventError, Err: err})
		return
	}
	m.hub.Emit(eventhub.Event{Type: eventhub.EventAutoCheckpoint, CheckpointID: cp.ID, Payload: cp})
}
