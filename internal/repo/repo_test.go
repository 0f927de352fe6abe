package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsfleet/internal/db"
	"rtsfleet/internal/migrate"
	"rtsfleet/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func TestIdentityInsertKeepsFirst(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.GetIdentity(ctx)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	first, err := r.InsertIdentity(ctx, repo.Identity{ID: "a", Name: "box", CreatedAt: "t0"})
	require.NoError(t, err)
	second, err := r.InsertIdentity(ctx, repo.Identity{ID: "b", Name: "other", CreatedAt: "t1"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "a", second.ID)

	require.NoError(t, r.RenameIdentity(ctx, "renamed"))
	got, err := r.GetIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestNamespaceCache(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	id, err := r.LookupNamespace(ctx, "rtsa")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, r.StoreNamespace(ctx, "rtsa", "ns-1"))
	require.NoError(t, r.StoreNamespace(ctx, "rtsa", "ns-2"))
	id, err = r.LookupNamespace(ctx, "rtsa")
	require.NoError(t, err)
	assert.Equal(t, "ns-2", id)

	require.NoError(t, r.ForgetNamespace(ctx, "rtsa"))
	id, err = r.LookupNamespace(ctx, "rtsa")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestJournalEntries(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	for _, e := range []repo.JournalEntry{
		{TaskID: "t1", DeviceID: "d", NamespaceID: "ns", Tool: "gemini", TaskJSON: "{}", PickedAt: "2024-01-01T00:00:01.000Z"},
		{TaskID: "t2", DeviceID: "d", NamespaceID: "ns", Tool: "codex", TaskJSON: "{}", PickedAt: "2024-01-01T00:00:02.000Z"},
	} {
		require.NoError(t, r.InsertPickup(ctx, e))
	}
	require.NoError(t, r.CloseEntry(ctx, "t1", "d", "running", "", `{"id":"s"}`, "2024-01-01T00:00:03.000Z"))
	assert.ErrorIs(t, r.CloseEntry(ctx, "ghost", "d", "error", "x", "", "now"), repo.ErrNotFound)

	open, err := r.OpenEntries(ctx, "d")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "t2", open[0].TaskID)

	e, err := r.GetEntry(ctx, "t1", "d")
	require.NoError(t, err)
	assert.Equal(t, "running", e.Outcome)
	assert.Equal(t, `{"id":"s"}`, e.StartedTask)

	recent, err := r.RecentEntries(ctx, "d", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "t2", recent[0].TaskID)

	// Picking the same task again reopens it.
	require.NoError(t, r.InsertPickup(ctx, repo.JournalEntry{TaskID: "t1", DeviceID: "d", NamespaceID: "ns", Tool: "gemini", TaskJSON: "{}", PickedAt: "2024-01-01T00:00:04.000Z"}))
	open, err = r.OpenEntries(ctx, "d")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}
