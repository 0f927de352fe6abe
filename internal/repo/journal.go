package repo

import (
	"context"
	"database/sql"
	"errors"
)

// JournalEntry is one pickup recorded in the dispatch journal.
type JournalEntry struct {
	TaskID      string
	DeviceID    string
	NamespaceID string
	Tool        string
	TaskJSON    string
	PickedAt    string
	Outcome     string
	Error       string
	StartedTask string
	ClosedAt    string
}

const journalColumns = `task_id,device_id,namespace_id,tool,task_json,picked_at,COALESCE(outcome,''),COALESCE(error,''),COALESCE(started_task_json,''),COALESCE(closed_at,'')`

func scanJournal(row interface{ Scan(...any) error }) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.TaskID, &e.DeviceID, &e.NamespaceID, &e.Tool, &e.TaskJSON, &e.PickedAt, &e.Outcome, &e.Error, &e.StartedTask, &e.ClosedAt)
	return e, err
}

// InsertPickup records that a task left the queue. A task id seen again is
// reopened.
func (r Repo) InsertPickup(ctx context.Context, e JournalEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO dispatch_journal(task_id,device_id,namespace_id,tool,task_json,picked_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(task_id,device_id) DO UPDATE SET namespace_id=excluded.namespace_id, tool=excluded.tool, task_json=excluded.task_json,
picked_at=excluded.picked_at, outcome=NULL, error=NULL, started_task_json=NULL, closed_at=NULL`,
		e.TaskID, e.DeviceID, e.NamespaceID, e.Tool, e.TaskJSON, e.PickedAt)
	return err
}

// CloseEntry stores the outcome of a pickup.
func (r Repo) CloseEntry(ctx context.Context, taskID, deviceID, outcome, errText, startedTask, closedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE dispatch_journal SET outcome=?, error=?, started_task_json=?, closed_at=? WHERE task_id=? AND device_id=?`,
		outcome, nullable(errText), nullable(startedTask), closedAt, taskID, deviceID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) GetEntry(ctx context.Context, taskID, deviceID string) (JournalEntry, error) {
	e, err := scanJournal(r.DB.QueryRowContext(ctx, `SELECT `+journalColumns+` FROM dispatch_journal WHERE task_id=? AND device_id=?`, taskID, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// OpenEntries lists pickups of deviceID that have no outcome, oldest first.
func (r Repo) OpenEntries(ctx context.Context, deviceID string) ([]JournalEntry, error) {
	return r.queryJournal(ctx, `SELECT `+journalColumns+` FROM dispatch_journal WHERE device_id=? AND closed_at IS NULL ORDER BY picked_at`, deviceID)
}

// RecentEntries lists the latest pickups of deviceID, newest first.
func (r Repo) RecentEntries(ctx context.Context, deviceID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryJournal(ctx, `SELECT `+journalColumns+` FROM dispatch_journal WHERE device_id=? ORDER BY picked_at DESC LIMIT ?`, deviceID, limit)
}

func (r Repo) queryJournal(ctx context.Context, query string, args ...any) ([]JournalEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
