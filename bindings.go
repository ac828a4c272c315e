// bindings.go
package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"snapkeep/internal/checkpoint"
	"snapkeep/internal/database"
	"snapkeep/internal/git"
)

// Every exported method of App is callable over the websocket RPC router.

// exportDirName holds exports written without an explicit destination.
const exportDirName = "exports"

var errJournalDisabled = errors.New("journal is disabled")

// ===== Checkpoints =====

// CreateCheckpoint snapshots the workspace
func (a *App) CreateCheckpoint(opts checkpoint.CreateOptions) (*checkpoint.Checkpoint, error) {
	return a.manager.Create(opts)
}

// RestoreCheckpoint copies a checkpoint back into the workspace, taking a
// backup checkpoint first unless skipBackup is set
func (a *App) RestoreCheckpoint(id string, skipBackup bool) (*checkpoint.Checkpoint, error) {
	return a.manager.Restore(id, checkpoint.RestoreOptions{SkipBackup: skipBackup})
}

// ListCheckpoints returns checkpoints newest first
func (a *App) ListCheckpoints(opts checkpoint.ListOptions) []*checkpoint.Checkpoint {
	return a.manager.List(opts)
}

// GetCheckpoint returns the checkpoint or nil
func (a *App) GetCheckpoint(id string) *checkpoint.Checkpoint {
	return a.manager.Get(id)
}

// CurrentCheckpoint returns the most recently created or restored checkpoint
func (a *App) CurrentCheckpoint() *checkpoint.Checkpoint {
	return a.manager.Current()
}

// DeleteCheckpoint removes a checkpoint; false means it did not exist
func (a *App) DeleteCheckpoint(id string) (bool, error) {
	return a.manager.Delete(id)
}

// ArchiveCheckpoint exempts a checkpoint from retention
func (a *App) ArchiveCheckpoint(id string) (*checkpoint.Checkpoint, error) {
	return a.manager.Archive(id)
}

// TagCheckpoint adds tags to a checkpoint
func (a *App) TagCheckpoint(id string, tags []string) (*checkpoint.Checkpoint, error) {
	return a.manager.AddTags(id, tags)
}

// CompareCheckpoints lists the files added, removed and modified going from
// fromID to toID
func (a *App) CompareCheckpoints(fromID, toID string) (*checkpoint.Comparison, error) {
	return a.manager.Compare(fromID, toID)
}

// ExportCheckpoint writes a .tar.zst archive of a checkpoint and returns its
// path. An empty destPath writes to <storage>/exports/<id>.tar.zst; relative
// paths are resolved against the workspace.
func (a *App) ExportCheckpoint(id, destPath string) (string, error) {
	switch {
	case destPath == "":
		destPath = filepath.Join(a.config.StorageDir(), exportDirName, id+checkpoint.ExportExt)
	case !filepath.IsAbs(destPath):
		destPath = filepath.Join(a.config.WorkspaceDir, destPath)
	}

	if _, err := a.manager.ExportFile(id, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// ===== Auto checkpoint =====

// AutoCheckpointStatus describes the scheduler
type AutoCheckpointStatus struct {
	Running         bool          `json:"running"`
	Interval        time.Duration `json:"interval"`
	OnlyWhenChanged bool          `json:"only_when_changed"`
	Changed         *bool         `json:"changed,omitempty"`
}

// StartAutoCheckpoint starts the scheduler
func (a *App) StartAutoCheckpoint() AutoCheckpointStatus {
	a.manager.StartAutoCheckpoint()
	return a.GetAutoCheckpointStatus()
}

// StopAutoCheckpoint stops the scheduler
func (a *App) StopAutoCheckpoint() AutoCheckpointStatus {
	a.manager.StopAutoCheckpoint()
	return a.GetAutoCheckpointStatus()
}

// GetAutoCheckpointStatus reports the scheduler state
func (a *App) GetAutoCheckpointStatus() AutoCheckpointStatus {
	auto := a.config.Checkpoint.AutoCheckpoint
	status := AutoCheckpointStatus{
		Running:         a.manager.AutoCheckpointRunning(),
		Interval:        auto.Interval,
		OnlyWhenChanged: auto.OnlyWhenChanged,
	}
	if a.tracker != nil {
		changed := a.tracker.Changed()
		status.Changed = &changed
	}
	return status
}

// ===== Journal =====

// CheckpointHistory returns journal entries for a checkpoint, newest first.
// An empty id returns entries for every checkpoint.
func (a *App) CheckpointHistory(id string, limit int) ([]*database.EventRecord, error) {
	if a.journal == nil {
		return nil, errJournalDisabled
	}
	return a.journal.ListEvents(id, limit)
}

// ===== Workspace =====

// GitStatus reports the git status of the workspace repository
func (a *App) GitStatus() (*git.RepoStatus, error) {
	repo, err := git.Open(a.config.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return repo.Status()
}

// WorkspaceInfo describes the served workspace
type WorkspaceInfo struct {
	WorkspaceDir string `json:"workspace_dir"`
	StorageDir   string `json:"storage_dir"`
	ConfigFile   string `json:"config_file,omitempty"`
	Checkpoints  int    `json:"checkpoints"`
	Hostname     string `json:"hostname"`
}

// GetWorkspaceInfo returns paths and counts for the served workspace
func (a *App) GetWorkspaceInfo() WorkspaceInfo {
	host, _ := os.Hostname()
	return WorkspaceInfo{
		WorkspaceDir: a.config.WorkspaceDir,
		StorageDir:   a.config.StorageDir(),
		ConfigFile:   a.config.ConfigFile,
		Checkpoints:  len(a.manager.List(checkpoint.ListOptions{})),
		Hostname:     host,
	}
}
