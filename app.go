// app.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"snapkeep/internal/checkpoint"
	"snapkeep/internal/config"
	"snapkeep/internal/database"
	"snapkeep/internal/eventhub"
	"snapkeep/internal/git"
	"snapkeep/internal/metrics"
	"snapkeep/internal/watcher"
)

// watchDebounce coalesces bursts of file events from editors and builds.
const watchDebounce = 500 * time.Millisecond

// App struct contains the core application state and managers
type App struct {
	ctx    context.Context
	config *config.Config
	logger zerolog.Logger

	// Core managers
	manager     *checkpoint.Manager
	journal     *database.Database
	eventHub    *eventhub.EventHub
	fileWatcher *watcher.Watcher
	tracker     *watcher.Tracker
	metrics     *metrics.Recorder

	unsubscribe func()
}

// NewApp creates a new App for the loaded configuration
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		config: cfg,
		logger: logger,
	}
}

// startup wires every component and loads the persisted checkpoints
func (a *App) startup(ctx context.Context) error {
	a.ctx = ctx
	cfg := a.config

	a.eventHub = eventhub.New(a.logger)
	a.metrics = metrics.NewRecorder()

	if cfg.Journal.Enabled {
		db, err := database.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		a.journal = db

		if cfg.Journal.Retention > 0 {
			n, err := db.PruneEvents(time.Now().Add(-cfg.Journal.Retention))
			if err != nil {
				a.logger.Warn().Err(err).Msg("failed to prune journal")
			} else if n > 0 {
				a.logger.Info().Int64("entries", n).Msg("pruned journal")
			}
		}
		a.unsubscribe = a.eventHub.Subscribe(func(e eventhub.Event) { a.recordEvent(db, e) })
	}

	opts := []checkpoint.Option{
		checkpoint.WithEventHub(a.eventHub),
		checkpoint.WithLogger(a.logger.With().Str("component", "checkpoint").Logger()),
		checkpoint.WithObserver(a.metrics),
		checkpoint.WithContextProvider(git.NewContextProvider(
			cfg.WorkspaceDir,
			func(rel string) bool { return !a.manager.InScope(rel) },
			a.logger.With().Str("component", "git").Logger(),
		)),
	}
	if cfg.Checkpoint.AutoCheckpoint.OnlyWhenChanged {
		a.tracker = watcher.NewTracker()
		opts = append(opts, checkpoint.WithChangeTracker(a.tracker))
	}

	manager, err := checkpoint.NewManager(&cfg.Checkpoint, checkpoint.NewStorage(cfg.StorageDir()), opts...)
	if err != nil {
		return fmt.Errorf("create checkpoint manager: %w", err)
	}
	a.manager = manager

	if a.tracker != nil {
		w, err := watcher.New(cfg.WorkspaceDir, watchDebounce, a.tracker.Observe,
			watcher.WithSkip(manager.IgnoresDir),
			watcher.WithLogger(a.logger.With().Str("component", "watcher").Logger()),
		)
		if err != nil {
			return fmt.Errorf("watch workspace: %w", err)
		}
		if err := w.Start(); err != nil {
			w.Close()
			return fmt.Errorf("watch workspace: %w", err)
		}
		a.fileWatcher = w
	}

	report, err := manager.Initialize()
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}

	a.logger.Info().
		Str("workspace", cfg.WorkspaceDir).
		Str("storage", cfg.StorageDir()).
		Int("checkpoints", len(report.Loaded)).
		Bool("auto", manager.AutoCheckpointRunning()).
		Msg("snapkeep started")
	return nil
}

// shutdown stops background work and closes the journal. It is safe to
// call more than once.
func (a *App) shutdown(ctx context.Context) {
	// Close waits for a running auto checkpoint.
	if a.manager != nil {
		a.manager.Close()
	}

	if a.fileWatcher != nil {
		a.fileWatcher.Close()
		a.fileWatcher = nil
	}

	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close journal")
		}
		a.journal = nil
	}

	a.logger.Info().Msg("snapkeep shutdown complete")
}

// setBroadcaster forwards every event to remote clients
func (a *App) setBroadcaster(b eventhub.Broadcaster) {
	if a.eventHub != nil {
		a.eventHub.SetBroadcaster(b)
	}
}

// recordEvent appends an event to the journal
func (a *App) recordEvent(db *database.Database, e eventhub.Event) {
	detail := e.Error
	if detail == "" {
		switch p := e.Payload.(type) {
		case nil:
		case *checkpoint.Checkpoint:
			detail = p.Name
		default:
			data, err := json.Marshal(p)
			if err != nil {
				a.logger.Warn().Str("event", e.Type).Err(err).Msg("failed to encode event payload")
			} else {
				detail = string(data)
			}
		}
	}

	_, err := db.RecordEvent(&database.EventRecord{
		Event:        e.Type,
		CheckpointID: e.CheckpointID,
		Detail:       detail,
		CreatedAt:    e.Time,
	})
	if err != nil {
		a.logger.Warn().Str("event", e.Type).Err(err).Msg("failed to record event")
	}
}
