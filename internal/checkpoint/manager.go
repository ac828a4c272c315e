// internal/checkpoint/manager.go
package checkpoint

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"snapkeep/internal/eventhub"
	"snapkeep/internal/matcher"
)

// Tags the manager attaches to checkpoints it creates on its own.
const (
	TagAuto   = "auto"
	TagBackup = "backup"
)

// Defaults for Config.
const (
	DefaultStorageDir             = ".snapkeep/checkpoints"
	DefaultMaxCheckpoints         = 50
	DefaultAutoCheckpointInterval = 30 * time.Minute
)

// DefaultIncludePatterns selects every file.
var DefaultIncludePatterns = []string{"**/*"}

// DefaultExcludePatterns skips VCS metadata, dependencies and build output.
// The storage directory is always excluded on top of these.
var DefaultExcludePatterns = []string{
	"node_modules/**",
	".git/**",
	"dist/**",
	"build/**",
	"coverage/**",
	"*.log",
	DefaultStorageDir + "/**",
}

// Config holds checkpoint configuration
type Config struct {
	WorkspaceDir    string               `yaml:"-" json:"workspace_dir" validate:"required"`
	StorageDir      string               `yaml:"storage_dir" json:"storage_dir" validate:"required"`
	MaxCheckpoints  int                  `yaml:"max_checkpoints" json:"max_checkpoints" validate:"min=1"`
	AutoCheckpoint  AutoCheckpointConfig `yaml:"auto_checkpoint" json:"auto_checkpoint"`
	IncludePatterns []string             `yaml:"include" json:"include" validate:"min=1,dive,required"`
	ExcludePatterns []string             `yaml:"exclude" json:"exclude" validate:"dive,required"`
	Hash            string               `yaml:"hash" json:"hash" validate:"oneof=xxh3 blake2b"`
	CompareWorkers  int                  `yaml:"compare_workers" json:"compare_workers" validate:"min=0"`
}

// AutoCheckpointConfig controls the background scheduler.
type AutoCheckpointConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Interval        time.Duration `yaml:"interval" json:"interval"`
	// OnlyWhenChanged skips ticks while the change tracker reports no edits.
	OnlyWhenChanged bool          `yaml:"only_when_changed" json:"only_when_changed"`
}

// DefaultConfig returns default checkpoint configuration
func DefaultConfig(workspaceDir string) *Config {
	return &Config{
		WorkspaceDir:   workspaceDir,
		StorageDir:     DefaultStorageDir,
		MaxCheckpoints: DefaultMaxCheckpoints,
		AutoCheckpoint: AutoCheckpointConfig{
			Enabled:  true,
			Interval: DefaultAutoCheckpointInterval,
		},
		IncludePatterns: append([]string{}, DefaultIncludePatterns...),
		ExcludePatterns: append([]string{}, DefaultExcludePatterns...),
		Hash:            DefaultHash,
	}
}

// StoragePath resolves StorageDir against the workspace.
func (c *Config) StoragePath() string {
	if filepath.IsAbs(c.StorageDir) {
		return filepath.Clean(c.StorageDir)
	}
	return filepath.Join(c.WorkspaceDir, c.StorageDir)
}

// Observer receives operation timings and registry sizes.
type Observer interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
	ObserveCheckpoints(counts map[State]int)
}

// ContextProvider supplies default context for new checkpoints. Keys given
// by the caller override provided ones.
type ContextProvider interface {
	Context() map[string]interface{}
}

// ChangeTracker reports whether the workspace changed since the last Reset.
type ChangeTracker interface {
	Changed() bool
	Reset()
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventHub publishes notifications to hub instead of a private one.
func WithEventHub(hub *eventhub.EventHub) Option {
	return func(m *Manager) { m.hub = hub }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithContextProvider sets the default context source.
func WithContextProvider(p ContextProvider) Option {
	return func(m *Manager) { m.contextProvider = p }
}

// WithChangeTracker sets the tracker used by OnlyWhenChanged.
func WithChangeTracker(t ChangeTracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithClock replaces time.Now for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the entry point of the checkpoint engine. Mutating operations
// are serialized on one mutex, including auto-checkpoint ticks.
// Notifications are delivered after the mutex is released.
type Manager struct {
	cfg             *Config
	storage         *Storage
	registry        *Registry
	hasher          Hasher
	matcher         *matcher.Matcher
	hub             *eventhub.EventHub
	logger          zerolog.Logger
	observer        Observer
	contextProvider ContextProvider
	tracker         ChangeTracker
	now             func() time.Time

	mu        sync.Mutex
	lastStamp time.Time

	cursorMu sync.RWMutex
	current  string

	sched scheduler
}

// NewManager creates a new checkpoint manager. Initialize must be called
// before use.
func NewManager(cfg *Config, storage *Storage, opts ...Option) (*Manager, error) {
	hasher, err := NewHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}

	exclude := append([]string{}, cfg.ExcludePatterns...)
	rel, err := filepath.Rel(cfg.WorkspaceDir, storage.BaseDir())
	if err == nil {
		if rel == "." {
			return nil, fmt.Errorf("storage dir must not be the workspace root")
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			exclude = append(exclude, filepath.ToSlash(rel)+"/**")
		}
	}

	fileMatcher, err := matcher.New(cfg.IncludePatterns, exclude)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		storage:  storage,
		registry: NewRegistry(),
		hasher:   hasher,
		matcher:  fileMatcher,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.hub == nil {
		m.hub = eventhub.New(m.logger)
	}
	return m, nil
}

// Events returns the hub the manager publishes to.
func (m *Manager) Events() *eventhub.EventHub {
	return m.hub
}

// IgnoresDir reports whether the workspace-relative directory rel is
// entirely outside snapshot scope.
func (m *Manager) IgnoresDir(rel string) bool {
	return m.matcher.ExcludesDir(filepath.ToSlash(rel))
}

// InScope reports whether the workspace-relative file rel would be part of
// a snapshot.
func (m *Manager) InScope(rel string) bool {
	rel = filepath.ToSlash(rel)
	return m.matcher.Included(rel) && !m.matcher.Excluded(rel)
}

// Initialize creates the storage root, loads persisted checkpoints and
// starts the auto-checkpoint scheduler when enabled. Entries whose metadata
// cannot be read are skipped and listed in the report.
func (m *Manager) Initialize() (*LoadReport, error) {
	m.mu.Lock()
	if err := m.storage.Init(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	results, err := m.storage.Scan()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	report := m.registry.Load(results)
	for _, cp := range m.registry.List(ListOptions{Limit: 1}) {
		m.lastStamp = cp.Timestamp
	}
	m.mu.Unlock()

	for _, skipped := range report.Skipped {
		m.logger.Warn().Str("checkpoint", skipped.ID).Err(skipped.Err).Msg("skipping unreadable checkpoint")
	}
	m.logger.Info().Int("loaded", len(report.Loaded)).Int("skipped", len(report.Skipped)).Msg("checkpoints loaded")

	if m.observer != nil {
		m.observer.ObserveCheckpoints(m.registry.CountByState())
	}
	m.hub.Emit(eventhub.Event{
		Type: eventhub.EventInitialized,
		Payload: map[string]int{
			"checkpointCount": len(report.Loaded),
			"skippedCount":    len(report.Skipped),
		},
	})

	if m.cfg.AutoCheckpoint.Enabled {
		m.StartAutoCheckpoint()
	}
	return report, nil
}

// Close stops the auto-checkpoint scheduler.
func (m *Manager) Close() {
	m.StopAutoCheckpoint()
}

// Create snapshots the workspace into a new checkpoint, makes it current and
// applies the retention policy.
func (m *Manager) Create(opts CreateOptions) (*Checkpoint, error) {
	start := time.Now()
	var ev pending

	m.mu.Lock()
	cp, err := m.createLocked(opts, nil, &ev)
	m.mu.Unlock()

	m.finish("create", start, err, ev)
	return cp, err
}

// Restore copies the snapshot of id back into the workspace. Unless
// opts.SkipBackup is set, the current workspace is checkpointed first and a
// failing backup aborts the restore before anything is written.
func (m *Manager) Restore(id string, opts RestoreOptions) (*Checkpoint, error) {
	start := time.Now()
	var ev pending

	m.mu.Lock()
	cp, err := m.restoreLocked(id, opts, &ev)
	m.mu.Unlock()

	m.finish("restore", start, err, ev)
	return cp, err
}

// List returns checkpoints newest first.
func (m *Manager) List(opts ListOptions) []*Checkpoint {
	return m.registry.List(opts)
}

// Get returns the checkpoint or nil.
func (m *Manager) Get(id string) *Checkpoint {
	return m.registry.Get(id)
}

// Current returns the most recently created or restored checkpoint, or nil.
func (m *Manager) Current() *Checkpoint {
	id := m.currentID()
	if id == "" {
		return nil
	}
	return m.registry.Get(id)
}

// Delete removes the checkpoint and its snapshot. It returns false without
// error when id is unknown.
func (m *Manager) Delete(id string) (bool, error) {
	start := time.Now()
	var ev pending

	m.mu.Lock()
	deleted, err := m.deleteLocked(id, &ev)
	m.mu.Unlock()

	m.finish("delete", start, err, ev)
	return deleted, err
}

// Archive marks the checkpoint archived, exempting it from retention.
func (m *Manager) Archive(id string) (*Checkpoint, error) {
	start := time.Now()
	var ev pending

	m.mu.Lock()
	cp, err := m.update(id, "archive", func(cp *Checkpoint) bool {
		cp.State = StateArchived
		return true
	})
	if err == nil {
		ev.add(eventhub.Event{Type: eventhub.EventArchived, CheckpointID: id, Payload: cp})
	}
	m.mu.Unlock()

	m.finish("archive", start, err, ev)
	return cp, err
}

// AddTags adds tags to the checkpoint. Tags already present are ignored.
func (m *Manager) AddTags(id string, tags []string) (*Checkpoint, error) {
	start := time.Now()

	m.mu.Lock()
	cp, err := m.update(id, "add tags", func(cp *Checkpoint) bool {
		merged := uniqueTags(append(cp.Tags, tags...))
		if len(merged) == len(cp.Tags) {
			return false
		}
		cp.Tags = merged
		return true
	})
	m.mu.Unlock()

	m.finish("tag", start, err, nil)
	return cp, err
}

// Compare reports how checkpoint toID differs from fromID. Files present in
// both are compared by content hash.
func (m *Manager) Compare(fromID, toID string) (*Comparison, error) {
	start := time.Now()

	m.mu.Lock()
	cmp, err := m.compareLocked(fromID, toID)
	m.mu.Unlock()

	m.finish("compare", start, err, nil)
	return cmp, err
}

func (m *Manager) createLocked(opts CreateOptions, keep []string, ev *pending) (*Checkpoint, error) {
	ts := m.nextTimestamp()
	id := m.generateID(ts)

	name := opts.Name
	if name == "" {
		name = "checkpoint-" + ts.Format("2006-01-02")
	}

	paths, err := m.matcher.Walk(m.cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("match workspace files: %w", err)
	}

	stats, err := m.storage.Write(id, m.cfg.WorkspaceDir, paths)
	if err != nil {
		m.discard(id)
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	cp := &Checkpoint{
		ID:          id,
		Name:        name,
		Description: opts.Description,
		Timestamp:   ts,
		State:       StateCreated,
		Context:     m.buildContext(opts.Context),
		Tags:        uniqueTags(opts.Tags),
		Stats:       stats,
	}
	if err := m.storage.SaveMeta(id, cp); err != nil {
		m.discard(id)
		return nil, fmt.Errorf("save metadata: %w", err)
	}

	m.registry.Put(cp)
	m.setCurrent(id)
	if m.tracker != nil {
		m.tracker.Reset()
	}

	m.logger.Info().
		Str("checkpoint", id).
		Int("files", stats.FilesCount).
		Int64("bytes", stats.TotalSize).
		Msg("checkpoint created")

	m.enforceRetention(append([]string{id}, keep...), ev)

	ev.add(eventhub.Event{Type: eventhub.EventCreated, CheckpointID: id, Payload: cp.Clone()})
	return cp, nil
}

func (m *Manager) restoreLocked(id string, opts RestoreOptions, ev *pending) (*Checkpoint, error) {
	target := m.registry.Get(id)
	if target == nil {
		return nil, fmt.Errorf("restore %s: %w", id, ErrNotFound)
	}

	if !opts.SkipBackup {
		_, err := m.createLocked(CreateOptions{
			Name:        "backup-before-restore-" + target.Name,
			Description: "Auto-backup before restoring checkpoint " + target.Name,
			Tags:        []string{TagBackup, TagAuto},
		}, []string{id}, ev)
		if err != nil {
			return nil, fmt.Errorf("create pre-restore backup: %w", err)
		}
	}

	if err := m.storage.RestoreInto(id, m.cfg.WorkspaceDir); err != nil {
		return nil, fmt.Errorf("restore files: %w", err)
	}

	// The workspace now mirrors the snapshot, so the cursor follows it even
	// if persisting the state change below fails.
	m.setCurrent(id)
	if m.tracker != nil {
		m.tracker.Reset()
	}

	if target.State != StateArchived {
		target.State = StateRestored
	}
	if err := m.storage.SaveMeta(id, target); err != nil {
		return nil, fmt.Errorf("save metadata: %w", err)
	}
	m.registry.Put(target)

	m.logger.Info().Str("checkpoint", id).Bool("backup", !opts.SkipBackup).Msg("checkpoint restored")
	ev.add(eventhub.Event{Type: eventhub.EventRestored, CheckpointID: id, Payload: target.Clone()})
	return target, nil
}

func (m *Manager) deleteLocked(id string, ev *pending) (bool, error) {
	if !m.registry.Has(id) {
		return false, nil
	}
	if err := m.storage.Remove(id); err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	m.registry.Delete(id)

	m.cursorMu.Lock()
	if m.current == id {
		m.current = ""
	}
	m.cursorMu.Unlock()

	m.logger.Info().Str("checkpoint", id).Msg("checkpoint deleted")
	ev.add(eventhub.Event{Type: eventhub.EventDeleted, CheckpointID: id})
	return true, nil
}

// update applies fn to a copy of the record and persists it when fn reports
// a change. The registry is only updated after the write succeeds.
func (m *Manager) update(id, op string, fn func(cp *Checkpoint) bool) (*Checkpoint, error) {
	cp := m.registry.Get(id)
	if cp == nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if !fn(cp) {
		return cp, nil
	}
	if err := m.storage.SaveMeta(id, cp); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	m.registry.Put(cp)
	return cp, nil
}

func (m *Manager) compareLocked(fromID, toID string) (*Comparison, error) {
	from := m.registry.Get(fromID)
	if from == nil {
		return nil, fmt.Errorf("compare %s: %w", fromID, ErrNotFound)
	}
	to := m.registry.Get(toID)
	if to == nil {
		return nil, fmt.Errorf("compare %s: %w", toID, ErrNotFound)
	}

	fromFiles, err := m.storage.ListFiles(fromID)
	if err != nil {
		return nil, err
	}
	toFiles, err := m.storage.ListFiles(toID)
	if err != nil {
		return nil, err
	}

	inFrom := make(map[string]bool, len(fromFiles))
	for _, f := range fromFiles {
		inFrom[f] = true
	}
	inTo := make(map[string]bool, len(toFiles))
	for _, f := range toFiles {
		inTo[f] = true
	}

	files := ChangedFiles{Added: []string{}, Removed: []string{}, Modified: []string{}}
	var common []string
	for _, f := range toFiles {
		if !inFrom[f] {
			files.Added = append(files.Added, f)
		}
	}
	for _, f := range fromFiles {
		if inTo[f] {
			common = append(common, f)
		} else {
			files.Removed = append(files.Removed, f)
		}
	}

	differs := make([]bool, len(common))
	g := new(errgroup.Group)
	g.SetLimit(m.compareWorkers())
	for i, rel := range common {
		i, rel := i, rel
		g.Go(func() error {
			a, linkA, err := m.storage.ReadEntry(fromID, rel)
			if err != nil {
				return fmt.Errorf("read %s from %s: %w", rel, fromID, err)
			}
			b, linkB, err := m.storage.ReadEntry(toID, rel)
			if err != nil {
				return fmt.Errorf("read %s from %s: %w", rel, toID, err)
			}
			differs[i] = linkA != linkB || m.hasher.Sum(a) != m.hasher.Sum(b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}
	for i, rel := range common {
		if differs[i] {
			files.Modified = append(files.Modified, rel)
		}
	}

	return &Comparison{
		From: CheckpointRef{ID: from.ID, Name: from.Name, Timestamp: from.Timestamp},
		To:   CheckpointRef{ID: to.ID, Name: to.Name, Timestamp: to.Timestamp},
		Changes: ChangeCounts{
			Added:     len(files.Added),
			Removed:   len(files.Removed),
			Modified:  len(files.Modified),
			Unchanged: len(common) - len(files.Modified),
		},
		Files: files,
	}, nil
}

// enforceRetention deletes the oldest non-archived checkpoints beyond
// MaxCheckpoints. Ids in keep are never deleted, even if that leaves the
// count above the limit. Failures are reported but do not stop the caller.
func (m *Manager) enforceRetention(keep []string, ev *pending) {
	if m.cfg.MaxCheckpoints <= 0 {
		return
	}

	var active []*Checkpoint
	for _, cp := range m.registry.List(ListOptions{}) {
		if cp.State != StateArchived {
			active = append(active, cp)
		}
	}

	excess := len(active) - m.cfg.MaxCheckpoints
	for i := len(active) - 1; i >= 0 && excess > 0; i-- {
		id := active[i].ID
		if containsString(keep, id) {
			continue
		}
		if _, err := m.deleteLocked(id, ev); err != nil {
			m.logger.Error().Str("checkpoint", id).Err(err).Msg("retention cleanup failed")
			ev.add(eventhub.Event{Type: eventhub.EventError, CheckpointID: id, Err: err})
			continue
		}
		m.logger.Info().Str("checkpoint", id).Msg("checkpoint evicted by retention policy")
		excess--
	}
}

// discard removes the directory of a checkpoint that failed to be created.
func (m *Manager) discard(id string) {
	if err := m.storage.Remove(id); err != nil {
		m.logger.Warn().Str("checkpoint", id).Err(err).Msg("failed to remove incomplete checkpoint")
	}
}

func (m *Manager) finish(op string, start time.Time, err error, ev pending) {
	if err != nil {
		m.logger.Warn().Str("op", op).Err(err).Msg("checkpoint operation failed")
	}
	if m.observer != nil {
		m.observer.ObserveOperation(op, time.Since(start), err)
		m.observer.ObserveCheckpoints(m.registry.CountByState())
	}
	for _, e := range ev {
		m.hub.Emit(e)
	}
}

// nextTimestamp returns a wall-clock time strictly after the previous one so
// checkpoints created in quick succession still order by creation.
func (m *Manager) nextTimestamp() time.Time {
	ts := m.now().UTC()
	if !ts.After(m.lastStamp) {
		ts = m.lastStamp.Add(time.Nanosecond)
	}
	m.lastStamp = ts
	return ts
}

// generateID returns "cp-<unix millis>-<8 hex>" that is neither registered
// nor present on disk.
func (m *Manager) generateID(ts time.Time) string {
	for {
		u := uuid.New()
		id := fmt.Sprintf("%s%d-%s", idPrefix, ts.UnixMilli(), hex.EncodeToString(u[:4]))
		if !m.registry.Has(id) && !m.storage.Exists(id) {
			return id
		}
	}
}

func (m *Manager) buildContext(extra map[string]interface{}) map[string]interface{} {
	ctx := make(map[string]interface{})
	if m.contextProvider != nil {
		for k, v := range m.contextProvider.Context() {
			ctx[k] = v
		}
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

func (m *Manager) compareWorkers() int {
	if m.cfg.CompareWorkers > 0 {
		return m.cfg.CompareWorkers
	}
	return runtime.NumCPU()
}

func (m *Manager) currentID() string {
	m.cursorMu.RLock()
	defer m.cursorMu.RUnlock()
	return m.current
}

func (m *Manager) setCurrent(id string) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	m.current = id
}

// pending collects notifications produced while the manager mutex is held.
type pending []eventhub.Event

func (p *pending) add(e eventhub.Event) {
	*p = append(*p, e)
}

func uniqueTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || containsString(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
