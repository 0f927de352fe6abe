package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"rtsfleet/internal/domain"
)

const probeTimeout = 2 * time.Second

// CLI launches a local command line tool detached from this process.
type CLI struct {
	Tool domain.Tool
	// Command is the configured override; DefaultCommand is used when empty.
	Command        string
	DefaultCommand string
	// Args builds the argument list that follows the command.
	Args func(prompt string) []string
	// HomeDir is a directory whose presence means the tool is installed.
	HomeDir string
	// Probe reports whether a command is runnable. Defaults to IsRunnable.
	Probe  func(ctx context.Context, command string) bool
	Logger *zap.Logger
	Now    func() time.Time
}

// NewGemini runs `gemini -p <prompt> -y`.
func NewGemini(command string, log *zap.Logger) *CLI {
	return &CLI{
		Tool:           domain.ToolGemini,
		Command:        command,
		DefaultCommand: "gemini",
		Args:           func(p string) []string { return []string{"-p", p, "-y"} },
		HomeDir:        homeJoin(".gemini", "tmp"),
		Logger:         log,
	}
}

// NewClaude runs `claude -p <prompt> --print`.
func NewClaude(command string, log *zap.Logger) *CLI {
	return &CLI{
		Tool:           domain.ToolClaudeCLI,
		Command:        command,
		DefaultCommand: "claude",
		Args:           func(p string) []string { return []string{"-p", p, "--print"} },
		HomeDir:        homeJoin(".claude"),
		Logger:         log,
	}
}

func homeJoin(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

func (c *CLI) command() string {
	if strings.TrimSpace(c.Command) != "" {
		return c.Command
	}
	return c.DefaultCommand
}

func (c *CLI) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *CLI) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *CLI) Available(ctx context.Context) error {
	if c.HomeDir != "" {
		if st, err := os.Stat(c.HomeDir); err == nil && st.IsDir() {
			return nil
		}
	}
	probe := c.Probe
	if probe == nil {
		probe = IsRunnable
	}
	if probe(ctx, c.command()) {
		return nil
	}
	return fmt.Errorf("%s not detected on target device", c.Tool.Label())
}

func (c *CLI) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("Prompt is required")
	}
	if strings.TrimSpace(req.RepoPath) == "" {
		return nil, errors.New("Project path is required")
	}
	if st, err := os.Stat(req.RepoPath); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("Project path does not exist: %s", req.RepoPath)
	}
	fields := strings.Fields(c.command())
	if len(fields) == 0 {
		return nil, fmt.Errorf("no command configured for %s", c.Tool)
	}
	args := append(fields[1:], c.Args(req.Prompt)...)

	// The task outlives the tick that started it, so it is not bound to ctx.
	cmd := exec.Command(fields[0], args...)
	cmd.Dir = req.RepoPath
	detach(cmd)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s not found. Please ensure it is installed and in your PATH.", c.Tool.Label())
		}
		return nil, fmt.Errorf("Failed to start %s: %w", c.Tool.Label(), err)
	}
	pid := cmd.Process.Pid
	log := c.logger().With(zap.String("tool", c.Tool.String()), zap.Int("pid", pid))
	log.Info("started detached task", zap.String("repo_path", req.RepoPath))
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn("task process exited", zap.Error(err))
			return
		}
		log.Info("task process exited")
	}()

	started := c.now()
	return Handle{
		"id":         sessionID(c.Tool, started),
		"provider":   c.Tool.String(),
		"status":     domain.TaskRunning,
		"name":       shorten(req.Prompt, 50),
		"prompt":     req.Prompt,
		"repository": req.RepoPath,
		"pid":        pid,
		"createdAt":  domain.FormatTime(started),
	}, nil
}

func sessionID(tool domain.Tool, at time.Time) string {
	prefix := strings.ReplaceAll(tool.String(), ":", "-")
	return prefix + "-" + strconv.FormatInt(at.UnixMilli(), 10) + "-" + strconv.FormatInt(rand.Int63n(1<<36), 36)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// IsRunnable runs `<command> --version` and reports whether it exits 0
// within two seconds.
func IsRunnable(ctx context.Context, command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	args := append(fields[1:], "--version")
	return exec.CommandContext(ctx, fields[0], args...).Run() == nil
}
