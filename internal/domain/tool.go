package domain

import (
	"encoding/json"
	"strings"
)

// Tool identifies who executes a queued task.
type Tool string

const (
	ToolGemini        Tool = "gemini"
	ToolClaudeCLI     Tool = "claude-cli"
	ToolCodex         Tool = "codex"
	ToolProjectCreate Tool = "project:create"
)

// KnownTools lists every tool a device can be asked to run.
var KnownTools = []Tool{ToolGemini, ToolClaudeCLI, ToolCodex, ToolProjectCreate}

func (t Tool) Known() bool {
	for _, k := range KnownTools {
		if t == k {
			return true
		}
	}
	return false
}

func (t Tool) String() string { return string(t) }

// Label is the human name used in operator-facing messages.
func (t Tool) Label() string {
	switch t {
	case ToolGemini:
		return "Gemini CLI"
	case ToolClaudeCLI:
		return "Claude CLI"
	case ToolCodex:
		return "Codex"
	case ToolProjectCreate:
		return "Project creation"
	default:
		return string(t)
	}
}

func (t *Tool) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// A non-string tool is kept as-is so it surfaces as unsupported.
		*t = Tool(strings.TrimSpace(string(data)))
		return nil
	}
	*t = Tool(strings.TrimSpace(s))
	return nil
}
