// internal/database/db.go
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Database wraps the SQLite database connection
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoint_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoint_events_checkpoint ON checkpoint_events(checkpoint_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoint_events_created ON checkpoint_events(created_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// ===== Checkpoint event journal =====

// RecordEvent appends an entry to the journal and sets its ID.
func (d *Database) RecordEvent(e *EventRecord) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	result, err := d.db.Exec(`
		INSERT INTO checkpoint_events (event, checkpoint_id, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		e.Event, e.CheckpointID, e.Detail, e.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// ListEvents returns journal entries newest first. An empty checkpointID
// lists entries for every checkpoint; limit <= 0 means no limit.
func (d *Database) ListEvents(checkpointID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	var query string
	var args []interface{}

	if checkpointID != "" {
		query = `SELECT id, event, checkpoint_id, detail, created_at
			FROM checkpoint_events WHERE checkpoint_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
		args = []interface{}{checkpointID, limit}
	} else {
		query = `SELECT id, event, checkpoint_id, detail, created_at
			FROM checkpoint_events ORDER BY created_at DESC, id DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		e := &EventRecord{}
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Event, &e.CheckpointID, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneEvents deletes entries older than before and returns how many were
// removed.
func (d *Database) PruneEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec(`DELETE FROM checkpoint_events WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return result.RowsAffected()
}
