package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsfleet/internal/db"
	"rtsfleet/internal/domain"
	"rtsfleet/internal/journal"
	"rtsfleet/internal/migrate"
	"rtsfleet/internal/repo"
)

func newJournal(t *testing.T) *journal.Journal {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	j := journal.New(repo.Repo{DB: conn}, nil)
	j.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return j
}

func TestPickupThenClose(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	task := domain.QueuedTask{ID: "task-1", Tool: domain.ToolGemini, Prompt: "p", Repo: &domain.TaskRepo{Path: "/r"}}

	key, err := j.Pickup(ctx, "ns", "dev-1", task)
	require.NoError(t, err)
	assert.Equal(t, "task-1", key)

	open, err := j.Unfinished(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, task, open[0].Task)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", open[0].PickedAt)

	require.NoError(t, j.Close(ctx, "dev-1", key, domain.TaskStatus{Status: domain.TaskRunning, StartedTask: map[string]any{"id": "s1"}}))
	open, err = j.Unfinished(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	recent, err := j.Recent(ctx, "dev-1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.TaskRunning, recent[0].Outcome)
}

func TestPickupWithoutIDGetsKey(t *testing.T) {
	j := newJournal(t)
	key, err := j.Pickup(context.Background(), "ns", "dev-1", domain.QueuedTask{Tool: domain.ToolCodex})
	require.NoError(t, err)
	assert.Regexp(t, `^untracked-`, key)
}

func TestUnfinishedIsPerDevice(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	_, err := j.Pickup(ctx, "ns", "dev-1", domain.QueuedTask{ID: "a", Tool: domain.ToolGemini})
	require.NoError(t, err)
	open, err := j.Unfinished(ctx, "dev-2")
	require.NoError(t, err)
	assert.Empty(t, open)
}
