package processor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsfleet/internal/adapter"
	"rtsfleet/internal/domain"
	"rtsfleet/internal/journal"
	"rtsfleet/internal/kv/kvtest"
	"rtsfleet/internal/processor"
	"rtsfleet/internal/project"
	"rtsfleet/internal/queue"
	"rtsfleet/internal/taskstatus"
)

const ns = "ns-p"

var self = domain.DeviceRef{ID: "dev-1", Name: "Test Device"}

func fixedNS(context.Context) (string, error) { return ns, nil }

type fakeAdapter struct {
	unavailable error
	startErr    error
	started     []adapter.StartRequest
	panics      bool
}

func (f *fakeAdapter) Available(context.Context) error { return f.unavailable }

func (f *fakeAdapter) Start(_ context.Context, req adapter.StartRequest) (adapter.Handle, error) {
	if f.panics {
		panic("adapter exploded")
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	return adapter.Handle{"id": "session-1"}, nil
}

type recordingStatus struct {
	inner *taskstatus.Channel
	mu    sync.Mutex
	seen  []domain.TaskStatus
}

func (r *recordingStatus) Set(ctx context.Context, deviceID string, s domain.TaskStatus) error {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
	return r.inner.Set(ctx, deviceID, s)
}

func (r *recordingStatus) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.seen {
		out = append(out, s.Status)
	}
	return out
}

type fakeJournal struct {
	picked []string
	closed map[string]domain.TaskStatus
	open   []journal.Entry
}

func (f *fakeJournal) Pickup(_ context.Context, _, _ string, task domain.QueuedTask) (string, error) {
	f.picked = append(f.picked, task.ID)
	return task.ID, nil
}

func (f *fakeJournal) Close(_ context.Context, _, key string, s domain.TaskStatus) error {
	if f.closed == nil {
		f.closed = map[string]domain.TaskStatus{}
	}
	f.closed[key] = s
	return nil
}

func (f *fakeJournal) Unfinished(context.Context, string) ([]journal.Entry, error) {
	return f.open, nil
}

type harness struct {
	store  *kvtest.MemStore
	queue  *queue.Queue
	status *recordingStatus
	gemini *fakeAdapter
	proc   *processor.Processor
	jrnl   *fakeJournal
	base   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := kvtest.NewMemStore()
	h := &harness{
		store:  store,
		queue:  queue.New(store, fixedNS, nil),
		status: &recordingStatus{inner: taskstatus.New(store, fixedNS)},
		gemini: &fakeAdapter{},
		jrnl:   &fakeJournal{},
		base:   t.TempDir(),
	}
	h.proc = &processor.Processor{
		Device:    self,
		Namespace: fixedNS,
		Queue:     h.queue,
		Status:    h.status,
		Adapters: adapter.Set{
			domain.ToolGemini:    h.gemini,
			domain.ToolClaudeCLI: &fakeAdapter{unavailable: errors.New("Claude CLI not detected on target device")},
		},
		Projects: project.Creator{Init: func(_ context.Context, dir string) error {
			return os.Mkdir(filepath.Join(dir, ".git"), 0o755)
		}},
		BaseDir: func() string { return h.base },
		Journal: h.jrnl,
		Now:     func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return h
}

func (h *harness) enqueue(t *testing.T, task domain.QueuedTask) {
	t.Helper()
	_, err := h.queue.Enqueue(context.Background(), self.ID, task)
	require.NoError(t, err)
}

func (h *harness) current(t *testing.T) domain.TaskStatus {
	t.Helper()
	s, ok, err := taskstatus.New(h.store, fixedNS).Get(context.Background(), self.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return s
}

func TestProjectCreateScenario(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, domain.QueuedTask{ID: "t1", Tool: domain.ToolProjectCreate, Repo: &domain.TaskRepo{Name: "demo"}})

	require.NoError(t, h.proc.ProcessQueue(context.Background()))

	s := h.current(t)
	want := filepath.Join(h.base, "demo")
	assert.Equal(t, domain.TaskCompleted, s.Status)
	assert.Equal(t, want, s.Result["path"])
	assert.Equal(t, h.base, s.Result["directory"])
	assert.Equal(t, "demo", s.Result["name"])
	assert.Equal(t, "t1", s.TaskRequestID)
	assert.Equal(t, self, s.Device)
	assert.NotEmpty(t, s.CompletedAt)
	assert.DirExists(t, want)
	assert.Equal(t, []string{"starting", "running", "completed"}, h.status.statuses())
	assert.Equal(t, domain.TaskCompleted, h.jrnl.closed["t1"].Status)
}

func TestUnsupportedToolScenario(t *testing.T) {
	h := newHarness(t)
	h.store.Set(ns, domain.QueueKey(self.ID), `[{"id":"t1","tool":"unknown-tool"}]`)

	require.NoError(t, h.proc.ProcessQueue(context.Background()))

	s := h.current(t)
	assert.Equal(t, domain.TaskError, s.Status)
	assert.Contains(t, s.Error, "Unsupported queued tool")
	assert.Equal(t, domain.TaskStatus{Status: domain.TaskError, Error: s.Error, Device: self, UpdatedAt: "2024-01-01T00:00:00.000Z"}, s,
		"error record replaces the whole status")
}

func TestCLIToolStartsAndPublishesRunning(t *testing.T) {
	h := newHarness(t)
	repo := t.TempDir()
	h.enqueue(t, domain.QueuedTask{ID: "t1", Tool: domain.ToolGemini, Prompt: "fix it", Repo: &domain.TaskRepo{Path: repo}, RequestedBy: "phone"})

	require.NoError(t, h.proc.ProcessQueue(context.Background()))

	require.Len(t, h.gemini.started, 1)
	assert.Equal(t, repo, h.gemini.started[0].RepoPath)
	s := h.current(t)
	assert.Equal(t, domain.TaskRunning, s.Status)
	assert.Equal(t, "session-1", s.StartedTask["id"])
	assert.Equal(t, "phone", s.RequestedBy)
	assert.NotEmpty(t, s.StartedAt)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"missing tool", `[{"id":"t"}]`, "Queued task missing tool"},
		{"missing prompt", `[{"id":"t","tool":"gemini","repo":{"path":"/r"}}]`, "Queued task missing prompt"},
		{"missing path", `[{"id":"t","tool":"gemini","prompt":"p","repo":{"name":"x"}}]`, "Queued task missing repo.path"},
		{"missing name", `[{"id":"t","tool":"project:create"}]`, "Queued task missing repo.name"},
		{"not detected", `[{"id":"t","tool":"claude-cli","prompt":"p","repo":{"path":"/r"}}]`, "Claude CLI not detected on target device"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.Set(ns, domain.QueueKey(self.ID), tc.raw)
			require.NoError(t, h.proc.ProcessQueue(context.Background()))
			s := h.current(t)
			assert.Equal(t, domain.TaskError, s.Status)
			assert.Equal(t, tc.want, s.Error)
		})
	}
}

func TestProjectCreateWithoutBaseDir(t *testing.T) {
	h := newHarness(t)
	h.proc.BaseDir = func() string { return "" }
	h.enqueue(t, domain.QueuedTask{Tool: domain.ToolProjectCreate, Repo: &domain.TaskRepo{Name: "demo"}})
	require.NoError(t, h.proc.ProcessQueue(context.Background()))
	assert.Equal(t, "No GitHub repository paths configured on target device", h.current(t).Error)
}

func TestAdapterErrorIsVerbatim(t *testing.T) {
	h := newHarness(t)
	h.gemini.startErr = errors.New("Project path does not exist: /nowhere")
	h.enqueue(t, domain.QueuedTask{Tool: domain.ToolGemini, Prompt: "p", Repo: &domain.TaskRepo{Path: "/nowhere"}})
	require.NoError(t, h.proc.ProcessQueue(context.Background()))
	assert.Equal(t, "Project path does not exist: /nowhere", h.current(t).Error)
}

func TestPanicBecomesErrorAndReleasesGuard(t *testing.T) {
	h := newHarness(t)
	h.gemini.panics = true
	h.enqueue(t, domain.QueuedTask{ID: "a", Tool: domain.ToolGemini, Prompt: "p", Repo: &domain.TaskRepo{Path: "/r"}})
	h.enqueue(t, domain.QueuedTask{ID: "b", Tool: domain.ToolProjectCreate, Repo: &domain.TaskRepo{Name: "after"}})

	require.NoError(t, h.proc.ProcessQueue(context.Background()))
	assert.Contains(t, h.current(t).Error, "adapter exploded")
	assert.False(t, h.proc.Busy())

	require.NoError(t, h.proc.ProcessQueue(context.Background()))
	assert.Equal(t, domain.TaskCompleted, h.current(t).Status)
}

func TestEmptyQueueDoesNothing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.proc.ProcessQueue(context.Background()))
	assert.Empty(t, h.status.statuses())
	assert.Empty(t, h.jrnl.picked)
}

func TestQueueReadErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	h.store.FailGet = errors.New("unreachable")
	assert.Error(t, h.proc.ProcessQueue(context.Background()))
	assert.False(t, h.proc.Busy())
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, domain.QueuedTask{ID: "a", Tool: domain.ToolProjectCreate, Repo: &domain.TaskRepo{Name: "one"}})
	h.enqueue(t, domain.QueuedTask{ID: "b", Tool: domain.ToolProjectCreate, Repo: &domain.TaskRepo{Name: "two"}})

	entered := make(chan struct{})
	release := make(chan struct{})
	var reads atomic.Int32
	var once sync.Once
	h.store.BeforeGet = func(_, key string) {
		if key != domain.QueueKey(self.ID) {
			return
		}
		reads.Add(1)
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() { done <- h.proc.ProcessQueue(context.Background()) }()
	<-entered
	require.True(t, h.proc.Busy())

	require.NoError(t, h.proc.ProcessQueue(context.Background()))
	assert.Equal(t, int32(1), reads.Load(), "overlapping call must not read the queue")

	close(release)
	require.NoError(t, <-done)

	remaining, err := h.queue.List(context.Background(), self.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].ID)
}

func TestRecoverPublishesInterrupted(t *testing.T) {
	h := newHarness(t)
	h.jrnl.open = []journal.Entry{{Key: "t9", Task: domain.QueuedTask{ID: "t9", Tool: domain.ToolGemini}}}

	n, err := h.proc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s := h.current(t)
	assert.Equal(t, domain.TaskError, s.Status)
	assert.Equal(t, processor.InterruptedError, s.Error)
	assert.Equal(t, "t9", s.TaskRequestID)
	assert.Equal(t, domain.TaskError, h.jrnl.closed["t9"].Status)

	queued, err := h.queue.List(context.Background(), self.ID)
	require.NoError(t, err)
	assert.Empty(t, queued, "interrupted tasks are not re-enqueued")
}
