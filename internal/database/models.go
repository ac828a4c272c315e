// internal/database/models.go
package database

import "time"

// EventRecord is one entry of the checkpoint activity journal
type EventRecord struct {
	ID           int64     `json:"id"`
	Event        string    `json:"event"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
