package rtssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal client for the runner HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Health is the liveness payload of a runner.
type Health struct {
	OK         bool   `json:"ok"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
}

// Status describes a runner's configuration.
type Status struct {
	OK                   bool     `json:"ok"`
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	CloudflareConfigured bool     `json:"cloudflareConfigured"`
	NamespaceID          *string  `json:"namespaceId"`
	GithubPaths          []string `json:"githubPaths"`
	Processing           bool     `json:"processing"`
}

// Repo names a repository on a device.
type Repo struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// Device is a registry entry (partial).
type Device struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	DeviceType    string          `json:"deviceType,omitempty"`
	Platform      string          `json:"platform,omitempty"`
	Status        string          `json:"status,omitempty"`
	LastHeartbeat string          `json:"lastHeartbeat,omitempty"`
	OffReason     string          `json:"offReason,omitempty"`
	Tools         map[string]bool `json:"tools,omitempty"`
	Repos         []Repo          `json:"repos,omitempty"`
}

// Task is a queued task.
type Task struct {
	ID          string `json:"id,omitempty"`
	Tool        string `json:"tool"`
	Repo        *Repo  `json:"repo,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	Attachments []any  `json:"attachments,omitempty"`
}

// Enqueued is returned after appending a task.
type Enqueued struct {
	Task        Task `json:"task"`
	QueueLength int  `json:"queueLength"`
}

// TaskStatus is the latest status record of a device.
type TaskStatus struct {
	TaskRequestID string `json:"taskRequestId,omitempty"`
	Status        string `json:"status"`
	Tool          string `json:"tool,omitempty"`
	Device        struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"device"`
	UpdatedAt   string         `json:"updatedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedTask map[string]any `json:"startedTask,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// JournalEntry is one pickup recorded by a runner.
type JournalEntry struct {
	TaskID   string `json:"taskId"`
	Tool     string `json:"tool"`
	PickedAt string `json:"pickedAt"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
	ClosedAt string `json:"closedAt,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// Devices lists the registry. An empty status returns every device.
func (c *Client) Devices(ctx context.Context, status string) ([]Device, error) {
	endpoint := "devices"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Device
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Device(ctx context.Context, id string) (Device, error) {
	var resp Device
	err := c.do(ctx, http.MethodGet, devicePath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) Repos(ctx context.Context, deviceID string) ([]Repo, error) {
	var resp []Repo
	err := c.do(ctx, http.MethodGet, devicePath(deviceID, "repos"), nil, &resp)
	return resp, err
}

func (c *Client) Queue(ctx context.Context, deviceID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, devicePath(deviceID, "queue"), nil, &resp)
	return resp, err
}

// Enqueue appends task to the queue of deviceID.
func (c *Client) Enqueue(ctx context.Context, deviceID string, task Task) (Enqueued, error) {
	var resp Enqueued
	err := c.do(ctx, http.MethodPost, devicePath(deviceID, "queue"), task, &resp)
	return resp, err
}

// CreateRepo queues creation of an empty repository on deviceID.
func (c *Client) CreateRepo(ctx context.Context, deviceID, name string) (Enqueued, error) {
	var resp Enqueued
	err := c.do(ctx, http.MethodPost, devicePath(deviceID, "create-repo"), map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) ClearQueue(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, devicePath(deviceID, "queue"), nil, nil)
}

// TaskStatus returns the latest status of deviceID. A device without a
// status yields an *APIError with StatusCode 404.
func (c *Client) TaskStatus(ctx context.Context, deviceID string) (TaskStatus, error) {
	var resp TaskStatus
	err := c.do(ctx, http.MethodGet, devicePath(deviceID, "task-status"), nil, &resp)
	return resp, err
}

// Process asks the runner to run one queue tick. It reports false when a
// tick was already in progress.
func (c *Client) Process(ctx context.Context) (bool, error) {
	var resp struct {
		Started bool `json:"started"`
	}
	err := c.do(ctx, http.MethodPost, "queue/process", nil, &resp)
	return resp.Started, err
}

func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	endpoint := "journal"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []JournalEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func devicePath(id, sub string) string {
	p := "devices/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
