package adapter

import (
	"context"
	"errors"
	"strings"
)

// CodexClient creates hosted Codex tasks.
type CodexClient interface {
	CreateTask(ctx context.Context, apiKey string, req StartRequest, title string) (Handle, error)
}

// Codex hands tasks to a hosted Codex client. The device must have an API
// key configured; without a client the tool is reported as unavailable.
type Codex struct {
	APIKey string
	Client CodexClient
}

func (c *Codex) Available(context.Context) error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("Codex API key not configured on target device")
	}
	if c.Client == nil {
		return errors.New("Codex client not available on target device")
	}
	return nil
}

func (c *Codex) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if err := c.Available(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("Prompt is required")
	}
	return c.Client.CreateTask(ctx, c.APIKey, req, shorten(req.Prompt, 50))
}
