// Package adapter starts queued tasks with the tool named by the task.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"rtsfleet/internal/domain"
)

// StartRequest is what the processor hands to an adapter.
type StartRequest struct {
	Prompt      string
	RepoPath    string
	Attachments []json.RawMessage
}

// Handle describes a started task. It is published verbatim as the
// startedTask field of the running status.
type Handle map[string]any

// Adapter starts one kind of tool. Start must not wait for the task to
// finish.
type Adapter interface {
	// Available reports why the tool cannot run on this device, or nil.
	Available(ctx context.Context) error
	Start(ctx context.Context, req StartRequest) (Handle, error)
}

// Set maps tools to their adapters.
type Set map[domain.Tool]Adapter

// Lookup returns the adapter for tool.
func (s Set) Lookup(tool domain.Tool) (Adapter, error) {
	a, ok := s[tool]
	if !ok || a == nil {
		return nil, fmt.Errorf("Unsupported queued tool: %s", tool)
	}
	return a, nil
}

// Detect reports which tools of the set are available, keyed by tool name.
func (s Set) Detect(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(s))
	for tool, a := range s {
		if a == nil {
			continue
		}
		out[tool.String()] = a.Available(ctx) == nil
	}
	return out
}
