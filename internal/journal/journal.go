// Package journal records which queued tasks this device picked up and how
// each pickup ended, so a restart can tell which tasks were interrupted.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/repo"
)

// OutcomeInterrupted closes pickups found open at startup.
const OutcomeInterrupted = "interrupted"

type Journal struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *zap.Logger
}

func New(r repo.Repo, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{Repo: r, Now: time.Now, Logger: log}
}

// Entry is an open or closed pickup with its task decoded.
type Entry struct {
	Key         string
	DeviceID    string
	NamespaceID string
	Task        domain.QueuedTask
	PickedAt    string
	Outcome     string
	Error       string
	ClosedAt    string
}

func (j *Journal) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Pickup records task before it runs and returns the journal key. Tasks
// without an id get a generated key.
func (j *Journal) Pickup(ctx context.Context, namespaceID, deviceID string, task domain.QueuedTask) (string, error) {
	key := task.ID
	if key == "" {
		key = "untracked-" + uuid.NewString()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	err = j.Repo.InsertPickup(ctx, repo.JournalEntry{
		TaskID:      key,
		DeviceID:    deviceID,
		NamespaceID: namespaceID,
		Tool:        task.Tool.String(),
		TaskJSON:    string(data),
		PickedAt:    domain.FormatTime(j.now()),
	})
	if err != nil {
		return "", fmt.Errorf("journal pickup %s: %w", key, err)
	}
	return key, nil
}

// Close stores the last status published for the pickup.
func (j *Journal) Close(ctx context.Context, deviceID, key string, status domain.TaskStatus) error {
	started := ""
	if status.StartedTask != nil {
		data, err := json.Marshal(status.StartedTask)
		if err != nil {
			return fmt.Errorf("marshal started task: %w", err)
		}
		started = string(data)
	}
	if err := j.Repo.CloseEntry(ctx, key, deviceID, status.Status, status.Error, started, domain.FormatTime(j.now())); err != nil {
		return fmt.Errorf("journal outcome %s: %w", key, err)
	}
	return nil
}

// Unfinished lists pickups of deviceID that were never closed.
func (j *Journal) Unfinished(ctx context.Context, deviceID string) ([]Entry, error) {
	rows, err := j.Repo.OpenEntries(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return j.decode(rows), nil
}

// Recent lists the latest pickups of deviceID.
func (j *Journal) Recent(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	rows, err := j.Repo.RecentEntries(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return j.decode(rows), nil
}

func (j *Journal) decode(rows []repo.JournalEntry) []Entry {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			Key:         r.TaskID,
			DeviceID:    r.DeviceID,
			NamespaceID: r.NamespaceID,
			PickedAt:    r.PickedAt,
			Outcome:     r.Outcome,
			Error:       r.Error,
			ClosedAt:    r.ClosedAt,
		}
		if err := json.Unmarshal([]byte(r.TaskJSON), &e.Task); err != nil {
			j.Logger.Warn("journal entry has unreadable task", zap.String("task_id", r.TaskID), zap.Error(err))
			e.Task = domain.QueuedTask{ID: r.TaskID, Tool: domain.Tool(r.Tool)}
		}
		out = append(out, e)
	}
	return out
}
