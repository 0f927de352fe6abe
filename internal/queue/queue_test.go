package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/kv/kvtest"
	"rtsfleet/internal/queue"
)

const ns = "ns-q"

func newQueue(store *kvtest.MemStore) *queue.Queue {
	q := queue.New(store, func(context.Context) (string, error) { return ns, nil }, nil)
	q.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return q
}

func task(id string) domain.QueuedTask {
	return domain.QueuedTask{ID: id, Tool: domain.ToolGemini, Prompt: "p-" + id, Repo: &domain.TaskRepo{Path: "/r"}}
}

func TestDequeueIsFIFO(t *testing.T) {
	store := kvtest.NewMemStore()
	q := newQueue(store)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, "dev-1", task(id))
		require.NoError(t, err)
	}
	for _, want := range []string{"A", "B", "C"} {
		got, ok, err := q.DequeueOne(ctx, "dev-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}
	_, ok, err := q.DequeueOne(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemovalPrecedesReturn(t *testing.T) {
	store := kvtest.NewMemStore()
	q := newQueue(store)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "dev-1", task("A"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "dev-1", task("B"))
	require.NoError(t, err)

	got, ok, err := q.DequeueOne(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", got.ID)

	raw, _ := store.Raw(ns, domain.QueueKey("dev-1"))
	var remaining []domain.QueuedTask
	require.NoError(t, json.Unmarshal([]byte(raw), &remaining))
	require.Len(t, remaining, 1)
	assert.Equal(t, "B", remaining[0].ID)
}

func TestEnqueueFillsIDAndCreatedAt(t *testing.T) {
	q := newQueue(kvtest.NewMemStore())
	out, err := q.Enqueue(context.Background(), "dev-1", domain.QueuedTask{Tool: domain.ToolProjectCreate, Repo: &domain.TaskRepo{Name: "demo"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Regexp(t, `^task-[0-9a-f-]{36}$`, out[0].ID)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", out[0].CreatedAt)
}

func TestEnqueueValidation(t *testing.T) {
	q := newQueue(kvtest.NewMemStore())
	_, err := q.Enqueue(context.Background(), "", task("A"))
	assert.Error(t, err)
	_, err = q.Enqueue(context.Background(), "dev-1", domain.QueuedTask{})
	assert.Error(t, err)
}

func TestMalformedQueueReadsEmpty(t *testing.T) {
	store := kvtest.NewMemStore()
	store.Set(ns, domain.QueueKey("dev-1"), `"nope"`)
	q := newQueue(store)
	_, ok, err := q.DequeueOne(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.WriteCount(ns, domain.QueueKey("dev-1")), "empty dequeue must not write")
}

func TestStringRepoFromOtherClients(t *testing.T) {
	store := kvtest.NewMemStore()
	store.Set(ns, domain.QueueKey("dev-1"), `[{"id":"t1","tool":"gemini","repo":"/home/u/github/app","prompt":"x"},{"id":"t2","tool":"project:create","repo":"demo"}]`)
	q := newQueue(store)
	tasks, err := q.List(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "/home/u/github/app", tasks[0].RepoPath())
	assert.Equal(t, "demo", tasks[1].RepoName())
}

func TestReadErrorLeavesQueueUntouched(t *testing.T) {
	store := kvtest.NewMemStore()
	q := newQueue(store)
	_, err := q.Enqueue(context.Background(), "dev-1", task("A"))
	require.NoError(t, err)
	store.FailGet = fmt.Errorf("boom")
	_, _, err = q.DequeueOne(context.Background(), "dev-1")
	require.Error(t, err)
	store.FailGet = nil
	tasks, err := q.List(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestReplace(t *testing.T) {
	store := kvtest.NewMemStore()
	q := newQueue(store)
	require.NoError(t, q.Replace(context.Background(), "dev-1", nil))
	raw, ok := store.Raw(ns, domain.QueueKey("dev-1"))
	require.True(t, ok)
	assert.Equal(t, "[]", raw)
}
