// Package notify delivers task status transitions to configured webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtsfleet/internal/config"
	"rtsfleet/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultBuffer         = 64
)

// Event is the body posted to a webhook.
type Event struct {
	Delivery  int64             `json:"delivery"`
	Type      string            `json:"type"`
	DeviceID  string            `json:"device_id"`
	Namespace string            `json:"namespace,omitempty"`
	TS        string            `json:"ts"`
	Status    domain.TaskStatus `json:"status"`
}

// Dispatcher queues status transitions and posts them in the background.
// Publish never blocks: when the buffer is full the event is dropped and
// logged.
type Dispatcher struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	now      func() time.Time

	events chan Event
	mu     sync.Mutex
	seq    int64
	closed bool
}

// New returns nil when no webhook is active.
func New(hooks []config.WebhookConfig, log *zap.Logger) *Dispatcher {
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Active() {
			active = append(active, h)
		}
	}
	if len(active) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		now:      time.Now,
		events:   make(chan Event, defaultBuffer),
	}
}

// Run delivers events until ctx is done, then drains what is buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case evt := <-d.events:
			d.dispatch(ctx, evt)
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			for {
				select {
				case evt := <-d.events:
					// Bounded so shutdown cannot hang on a slow receiver.
					drainCtx, cancel := context.WithTimeout(context.Background(), defaultWebhookTimeout)
					d.dispatch(drainCtx, evt)
					cancel()
				default:
					return nil
				}
			}
		}
	}
}

// Publish enqueues a transition for delivery.
func (d *Dispatcher) Publish(namespace, deviceID string, status domain.TaskStatus) {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.seq++
	evt := Event{
		Delivery:  d.seq,
		Type:      "task." + status.Status,
		DeviceID:  deviceID,
		Namespace: namespace,
		TS:        domain.FormatTime(d.now()),
		Status:    status,
	}
	d.mu.Unlock()
	select {
	case d.events <- evt:
	default:
		d.log.Warn("webhook buffer full; dropping event", zap.String("device_id", deviceID), zap.String("type", evt.Type))
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, evt Event) {
	for _, hook := range d.webhooks {
		if !newEventFilter(hook.Events).match(evt.Status.Status) {
			continue
		}
		if err := d.post(ctx, hook, evt); err != nil {
			d.log.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.String("type", evt.Type), zap.Error(err))
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-RTS-Event", evt.Type)
	req.Header.Set("X-RTS-Delivery", fmt.Sprintf("%d", evt.Delivery))
	req.Header.Set("X-RTS-Device", evt.DeviceID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-RTS-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
