package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Well-known keys inside a namespace.
const (
	DevicesKey       = "devices"
	TasksKey         = "tasks"
	KeysKey          = "keys"
	queueKeyPrefix   = "queue:"
	DefaultNamespace = "rtsa"
)

// QueueKey returns the key holding the task queue of one device.
func QueueKey(deviceID string) string {
	return queueKeyPrefix + deviceID
}

const (
	DeviceOn  = "on"
	DeviceOff = "off"

	OffReasonStale = "stale-heartbeat"
)

type RepoRef struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Device is one entry of the devices document. Fields this module does not
// know about are kept in Extra so a read-modify-write by an older or newer
// client does not drop them.
type Device struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	DeviceType     string          `json:"deviceType,omitempty"`
	Platform       string          `json:"platform,omitempty"`
	Status         string          `json:"status,omitempty"`
	LastHeartbeat  string          `json:"lastHeartbeat,omitempty"`
	HeartbeatAt    string          `json:"heartbeatAt,omitempty"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
	LastStatusAt   string          `json:"lastStatusAt,omitempty"`
	OffReason      string          `json:"offReason,omitempty"`
	Tools          map[string]bool `json:"tools,omitempty"`
	Repos          []RepoRef       `json:"repos,omitempty"`
	ReposUpdatedAt string          `json:"reposUpdatedAt,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type deviceAlias Device

var deviceFields = map[string]struct{}{
	"id": {}, "name": {}, "deviceType": {}, "platform": {}, "status": {},
	"lastHeartbeat": {}, "heartbeatAt": {}, "updatedAt": {}, "lastStatusAt": {},
	"offReason": {}, "tools": {}, "repos": {}, "reposUpdatedAt": {},
}

func (d *Device) UnmarshalJSON(data []byte) error {
	var a deviceAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range deviceFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*d = Device(a)
	return nil
}

func (d Device) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(deviceAlias(d))
	if err != nil || len(d.Extra) == 0 {
		return known, err
	}
	merged := make(map[string]json.RawMessage, len(d.Extra)+len(deviceFields))
	for k, v := range d.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Merge overlays the non-empty fields of next onto d.
func (d Device) Merge(next Device) Device {
	out := d
	if next.ID != "" {
		out.ID = next.ID
	}
	setIf(&out.Name, next.Name)
	setIf(&out.DeviceType, next.DeviceType)
	setIf(&out.Platform, next.Platform)
	setIf(&out.Status, next.Status)
	setIf(&out.LastHeartbeat, next.LastHeartbeat)
	setIf(&out.HeartbeatAt, next.HeartbeatAt)
	setIf(&out.UpdatedAt, next.UpdatedAt)
	setIf(&out.LastStatusAt, next.LastStatusAt)
	setIf(&out.OffReason, next.OffReason)
	setIf(&out.ReposUpdatedAt, next.ReposUpdatedAt)
	if next.Tools != nil {
		out.Tools = next.Tools
	}
	if next.Repos != nil {
		out.Repos = next.Repos
	}
	if len(next.Extra) > 0 {
		extra := make(map[string]json.RawMessage, len(d.Extra)+len(next.Extra))
		for k, v := range d.Extra {
			extra[k] = v
		}
		for k, v := range next.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	// A device coming back on clears the reason it was switched off.
	if next.Status == DeviceOn {
		out.OffReason = ""
	}
	return out
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// LastSeen returns the newest parseable liveness timestamp of the device.
func (d Device) LastSeen() (time.Time, bool) {
	var best time.Time
	found := false
	for _, v := range []string{d.LastHeartbeat, d.HeartbeatAt, d.UpdatedAt} {
		ts, ok := ParseTime(v)
		if !ok {
			continue
		}
		if !found || ts.After(best) {
			best = ts
			found = true
		}
	}
	return best, found
}

// RepoNames lists the names of the repositories in the device inventory.
func (d Device) RepoNames() []string {
	out := make([]string, 0, len(d.Repos))
	for _, r := range d.Repos {
		out = append(out, r.Name)
	}
	return out
}

// TaskRepo describes the repository a queued task targets. On the wire it
// is either an object {name, path} or a bare string.
type TaskRepo struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

func (r *TaskRepo) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = TaskRepo{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if strings.ContainsAny(s, `/\`) {
			*r = TaskRepo{Path: s}
		} else {
			*r = TaskRepo{Name: s}
		}
		return nil
	}
	type plain TaskRepo
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = TaskRepo(p)
	return nil
}

func (r TaskRepo) IsZero() bool { return r.Name == "" && r.Path == "" }

type QueuedTask struct {
	ID          string            `json:"id"`
	Tool        Tool              `json:"tool"`
	Repo        *TaskRepo         `json:"repo,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	RequestedBy string            `json:"requestedBy,omitempty"`
	CreatedAt   string            `json:"createdAt,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

func (t QueuedTask) RepoName() string {
	if t.Repo == nil {
		return ""
	}
	return strings.TrimSpace(t.Repo.Name)
}

func (t QueuedTask) RepoPath() string {
	if t.Repo == nil {
		return ""
	}
	return strings.TrimSpace(t.Repo.Path)
}

const (
	TaskStarting  = "starting"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
)

type DeviceRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// TaskStatus is the latest status record of one device. It is replaced as a
// whole on every transition.
type TaskStatus struct {
	Status        string         `json:"status" enum:"starting,running,completed,error"`
	Tool          Tool           `json:"tool,omitempty"`
	Repo          *TaskRepo      `json:"repo,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	RequestedBy   string         `json:"requestedBy,omitempty"`
	TaskRequestID string         `json:"taskRequestId,omitempty"`
	Device        DeviceRef      `json:"device"`
	UpdatedAt     string         `json:"updatedAt"`
	StartedAt     string         `json:"startedAt,omitempty"`
	CompletedAt   string         `json:"completedAt,omitempty"`
	StartedTask   map[string]any `json:"startedTask,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func (s TaskStatus) Terminal() bool {
	return s.Status == TaskCompleted || s.Status == TaskError
}

// TimeLayout matches the ISO-8601 millisecond form other writers of the
// shared documents produce.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts RFC3339 with or without fractional seconds.
func ParseTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
