// internal/checkpoint/models.go
package checkpoint

import (
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when an operation references an unknown checkpoint id.
var ErrNotFound = errors.New("checkpoint not found")

// State is the lifecycle state of a checkpoint.
type State string

const (
	StateCreated  State = "created"
	StateRestored State = "restored"
	StateArchived State = "archived"
)

// Checkpoint is the metadata record persisted as meta.json next to the
// snapshot's files/ tree.
type Checkpoint struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Timestamp   time.Time              `json:"timestamp"`
	State       State                  `json:"state"`
	Context     map[string]interface{} `json:"context"`
	Tags        []string               `json:"tags"`
	Stats       Stats                  `json:"stats"`
}

// Stats is computed once when the snapshot is written.
type Stats struct {
	FilesCount int   `json:"filesCount"`
	TotalSize  int64 `json:"totalSize"`
}

// HasAnyTag reports whether the checkpoint carries at least one of tags.
func (c *Checkpoint) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(c.Tags, t) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Context values are copied one level deep.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Tags = append([]string{}, c.Tags...)
	out.Context = make(map[string]interface{}, len(c.Context))
	for k, v := range c.Context {
		out.Context[k] = v
	}
	return &out
}

// CreateOptions customizes a new checkpoint. All fields are optional.
type CreateOptions struct {
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// RestoreOptions controls Restore. The pre-restore backup is on unless
// SkipBackup is set.
type RestoreOptions struct {
	SkipBackup bool `json:"skip_backup,omitempty"`
}

// ListOptions filters List. A checkpoint matches Tags when it has at least
// one of them. Limit <= 0 means no limit.
type ListOptions struct {
	Tags  []string `json:"tags,omitempty"`
	State State    `json:"state,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// CheckpointRef identifies one side of a comparison.
type CheckpointRef struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeCounts summarizes a comparison.
type ChangeCounts struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
}

// ChangedFiles lists the paths behind ChangeCounts.
type ChangedFiles struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Comparison is the result of comparing checkpoint From against To: Added
// files exist only in To, Removed only in From.
type Comparison struct {
	From    CheckpointRef `json:"checkpoint1"`
	To      CheckpointRef `json:"checkpoint2"`
	Changes ChangeCounts  `json:"changes"`
	Files   ChangedFiles  `json:"files"`
}

// LoadResult is the outcome of loading one checkpoint directory at startup.
// Exactly one of Checkpoint and Err is set.
type LoadResult struct {
	ID         string
	Checkpoint *Checkpoint
	Err        error
}

// LoadReport summarizes registry initialization.
type LoadReport struct {
	Loaded  []string
	Skipped []LoadResult
}
