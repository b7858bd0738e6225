// Package queue durably retries progress/completion events that failed
// to post. Reporting progress is best-effort and must never block or
// fail the update it describes, but a failure still shouldn't silently
// drop a terminal success/failed report during a transient outage — this
// queue keeps both properties true by persisting the event for the next
// invocation to retry.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/binproxy/agent/internal/controlplane"
)

// Queue persists ProgressEvents that couldn't be posted immediately.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if needed) the durability queue at dbPath.
func Open(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open progress queue %s: %w", dbPath, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending_events table: %w", err)
	}

	return &Queue{db: db}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue persists an event that failed to post, for a later retry.
func (q *Queue) Enqueue(event controlplane.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(`INSERT INTO pending_events (payload) VALUES (?)`, string(payload))
	return err
}

// DrainBefore attempts to post every queued event through client before
// any new progress event is reported. Failures are re-queued implicitly
// (left in place) and the drain simply stops at the first failure to
// preserve ordering.
func (q *Queue) DrainBefore(ctx context.Context, client *controlplane.Client) {
	rows, err := q.db.Query(`SELECT id, payload FROM pending_events ORDER BY id ASC`)
	if err != nil {
		return
	}

	type row struct {
		id      int64
		payload string
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err == nil {
			pending = append(pending, r)
		}
	}
	rows.Close()

	for _, r := range pending {
		var event controlplane.ProgressEvent
		if err := json.Unmarshal([]byte(r.payload), &event); err != nil {
			q.db.Exec(`DELETE FROM pending_events WHERE id = ?`, r.id) // corrupt, drop it
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.ReportProgress(reqCtx, event)
		cancel()
		if err != nil {
			return // stop draining; try again next invocation
		}
		q.db.Exec(`DELETE FROM pending_events WHERE id = ?`, r.id)
	}
}
