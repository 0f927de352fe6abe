package rtssdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsfleet/internal/app"
	"rtsfleet/internal/config"
	"rtsfleet/internal/kv/kvtest"
	"rtsfleet/internal/project"
	"rtsfleet/internal/server"
	rtssdk "rtsfleet/sdk/go"
)

func newClient(t *testing.T) (*rtssdk.Client, *app.Services) {
	t.Helper()
	kvSrv := kvtest.NewServer(t)
	cfg := config.Default()
	cfg.Cloudflare.AccountID = kvSrv.AccountID
	cfg.Cloudflare.APIToken = kvSrv.Token
	cfg.Cloudflare.BaseURL = kvSrv.BaseURL()
	cfg.Repos.Paths = []string{t.TempDir()}
	s, err := app.Open(context.Background(), t.TempDir(), cfg, app.Options{
		Projects: project.Creator{Init: func(_ context.Context, dir string) error {
			return os.Mkdir(filepath.Join(dir, ".git"), 0o755)
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h, err := server.New(server.Config{Services: s})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return rtssdk.New(srv.URL + "/"), s
}

func TestClientRoundTrip(t *testing.T) {
	c, s := newClient(t)
	ctx := context.Background()
	self := s.Device.ID

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.OK)
	assert.Equal(t, self, h.DeviceID)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.CloudflareConfigured)

	enq, err := c.Enqueue(ctx, "dev-b", rtssdk.Task{Tool: "claude-cli", Prompt: "fix lint", Repo: &rtssdk.Repo{Path: "/src/x"}})
	require.NoError(t, err)
	assert.Equal(t, 1, enq.QueueLength)

	tasks, err := c.Queue(ctx, "dev-b")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, enq.Task.ID, tasks[0].ID)

	require.NoError(t, c.ClearQueue(ctx, "dev-b"))
	tasks, err = c.Queue(ctx, "dev-b")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = c.CreateRepo(ctx, self, "demo")
	require.NoError(t, err)
	started, err := c.Process(ctx)
	require.NoError(t, err)
	assert.True(t, started)

	ts, err := c.TaskStatus(ctx, self)
	require.NoError(t, err)
	assert.Equal(t, "completed", ts.Status)
	assert.Equal(t, self, ts.Device.ID)

	entries, err := c.Journal(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "project:create", entries[0].Tool)
}

func TestClientDevices(t *testing.T) {
	c, s := newClient(t)
	ctx := context.Background()
	require.NoError(t, s.Scheduler.Presence.Beat(ctx))

	devices, err := c.Devices(ctx, "on")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "headless", devices[0].DeviceType)

	d, err := c.Device(ctx, s.Device.ID)
	require.NoError(t, err)
	assert.Equal(t, "on", d.Status)

	repos, err := c.Repos(ctx, s.Device.ID)
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestClientAPIError(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.Device(context.Background(), "ghost")
	var apiErr *rtssdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "not_found")
}
