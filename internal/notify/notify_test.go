package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rtsfleet/internal/config"
	"rtsfleet/internal/domain"
	"rtsfleet/internal/notify"
)

type receiver struct {
	mu     sync.Mutex
	events []notify.Event
	header http.Header
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var evt notify.Event
	_ = json.NewDecoder(req.Body).Decode(&evt)
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.header = req.Header.Clone()
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) got() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func TestNewWithoutActiveHooksIsNil(t *testing.T) {
	off := false
	d := notify.New([]config.WebhookConfig{{URL: "http://x", Enabled: &off}, {URL: " "}}, nil)
	assert.Nil(t, d)
	// A nil dispatcher is usable.
	d.Publish("ns", "dev", domain.TaskStatus{Status: domain.TaskError})
}

func TestDeliversFilteredEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"), goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"), goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"))

	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := notify.New([]config.WebhookConfig{{URL: srv.URL, Events: []string{domain.TaskCompleted, domain.TaskError}, Secret: "s3"}}, nil)
	require.NotNil(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Publish("ns", "dev-1", domain.TaskStatus{Status: domain.TaskStarting})
	d.Publish("ns", "dev-1", domain.TaskStatus{Status: domain.TaskCompleted, Result: map[string]any{"path": "/x"}})

	require.Eventually(t, func() bool { return len(rcv.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	evt := rcv.got()[0]
	assert.Equal(t, "task.completed", evt.Type)
	assert.Equal(t, "dev-1", evt.DeviceID)
	assert.Equal(t, int64(2), evt.Delivery)
	assert.Equal(t, "/x", evt.Status.Result["path"])
	rcv.mu.Lock()
	assert.Equal(t, "s3", rcv.header.Get("X-RTS-Secret"))
	rcv.mu.Unlock()
	srv.CloseClientConnections()
}

func TestPublishAfterShutdownIsDropped(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := notify.New([]config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	d.Publish("ns", "dev-1", domain.TaskStatus{Status: domain.TaskError})
	assert.Empty(t, rcv.got())
}
