package server

import (
	"encoding/json"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/journal"
)

// Request payloads

type RepoRequest struct {
	Name string `json:"name,omitempty" doc:"Repository name; required for project:create"`
	Path string `json:"path,omitempty" doc:"Repository path on the target device"`
}

type EnqueueRequest struct {
	ID          string       `json:"id,omitempty"`
	Tool        string       `json:"tool" enum:"gemini,claude-cli,codex,project:create"`
	Repo        *RepoRequest `json:"repo,omitempty"`
	Prompt      string       `json:"prompt,omitempty"`
	RequestedBy string       `json:"requestedBy,omitempty"`
	Attachments []any        `json:"attachments,omitempty"`
}

type CreateRepoRequest struct {
	Name        string `json:"name" minLength:"1"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// Response payloads

type HealthResponse struct {
	OK         bool   `json:"ok"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
}

type StatusResponse struct {
	OK                   bool     `json:"ok"`
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	CloudflareConfigured bool     `json:"cloudflareConfigured"`
	NamespaceID          *string  `json:"namespaceId"`
	GithubPaths          []string `json:"githubPaths"`
	Processing           bool     `json:"processing"`
}

type TaskResponse struct {
	ID          string       `json:"id"`
	Tool        string       `json:"tool"`
	Repo        *RepoRequest `json:"repo,omitempty"`
	Prompt      string       `json:"prompt,omitempty"`
	RequestedBy string       `json:"requestedBy,omitempty"`
	CreatedAt   string       `json:"createdAt,omitempty"`
	Attachments []any        `json:"attachments,omitempty"`
}

type EnqueueResponse struct {
	Task        TaskResponse `json:"task"`
	QueueLength int          `json:"queueLength"`
}

type ProcessResponse struct {
	Started bool `json:"started" doc:"false when a tick was already running"`
}

type JournalEntryResponse struct {
	TaskID   string `json:"taskId"`
	Tool     string `json:"tool"`
	PickedAt string `json:"pickedAt"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
	ClosedAt string `json:"closedAt,omitempty"`
}

func (r EnqueueRequest) toTask() (domain.QueuedTask, error) {
	task := domain.QueuedTask{
		ID:          r.ID,
		Tool:        domain.Tool(r.Tool),
		Prompt:      r.Prompt,
		RequestedBy: r.RequestedBy,
	}
	if r.Repo != nil {
		task.Repo = &domain.TaskRepo{Name: r.Repo.Name, Path: r.Repo.Path}
	}
	for _, a := range r.Attachments {
		raw, err := json.Marshal(a)
		if err != nil {
			return domain.QueuedTask{}, err
		}
		task.Attachments = append(task.Attachments, raw)
	}
	return task, nil
}

func taskResponse(t domain.QueuedTask) TaskResponse {
	out := TaskResponse{
		ID:          t.ID,
		Tool:        t.Tool.String(),
		Prompt:      t.Prompt,
		RequestedBy: t.RequestedBy,
		CreatedAt:   t.CreatedAt,
	}
	if t.Repo != nil && !t.Repo.IsZero() {
		out.Repo = &RepoRequest{Name: t.Repo.Name, Path: t.Repo.Path}
	}
	for _, raw := range t.Attachments {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out.Attachments = append(out.Attachments, v)
		}
	}
	return out
}

func taskResponses(tasks []domain.QueuedTask) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func journalResponses(entries []journal.Entry) []JournalEntryResponse {
	out := make([]JournalEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, JournalEntryResponse{
			TaskID:   e.Key,
			Tool:     e.Task.Tool.String(),
			PickedAt: e.PickedAt,
			Outcome:  e.Outcome,
			Error:    e.Error,
			ClosedAt: e.ClosedAt,
		})
	}
	return out
}
