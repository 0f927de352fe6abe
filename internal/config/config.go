package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rtsfleet/internal/domain"
)

const (
	DefaultHeartbeat  = 5 * time.Minute
	DefaultQueuePoll  = 10 * time.Second
	DefaultStaleAfter = 6 * time.Minute
	DefaultServerAddr = "127.0.0.1:3977"
)

// Config models rts.yml.
type Config struct {
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Device     struct {
		Name string `yaml:"name"`
		Type string `yaml:"type"`
	} `yaml:"device"`
	Repos struct {
		Paths []string `yaml:"paths"`
	} `yaml:"repos"`
	CLICommands struct {
		Gemini string `yaml:"gemini"`
		Claude string `yaml:"claude"`
	} `yaml:"cli_commands"`
	APIKeys struct {
		Codex string `yaml:"codex"`
	} `yaml:"api_keys"`
	Intervals Intervals `yaml:"intervals"`
	Server    struct {
		Addr    string `yaml:"addr"`
		Enabled *bool  `yaml:"enabled"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type CloudflareConfig struct {
	AccountID      string `yaml:"account_id"`
	APIToken       string `yaml:"api_token"`
	NamespaceTitle string `yaml:"namespace_title"`
	NamespaceID    string `yaml:"namespace_id"`
	BaseURL        string `yaml:"base_url"`
}

// Configured reports whether credentials for the KV API are present.
func (c CloudflareConfig) Configured() bool {
	return strings.TrimSpace(c.AccountID) != "" && strings.TrimSpace(c.APIToken) != ""
}

type Intervals struct {
	Heartbeat  time.Duration `yaml:"heartbeat"`
	QueuePoll  time.Duration `yaml:"queue_poll"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// WebhookConfig is one receiver of task status transitions. Events filters
// by status value; empty means all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// ServerEnabled reports whether the local HTTP API should listen.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

// BaseDir is where project:create tasks put new repositories.
func (c *Config) BaseDir() string {
	for _, p := range c.Repos.Paths {
		if strings.TrimSpace(p) != "" {
			return p
		}
	}
	return ""
}

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Cloudflare.NamespaceTitle == "" {
		c.Cloudflare.NamespaceTitle = domain.DefaultNamespace
	}
	if c.Intervals.Heartbeat == 0 {
		c.Intervals.Heartbeat = DefaultHeartbeat
	}
	if c.Intervals.QueuePoll == 0 {
		c.Intervals.QueuePoll = DefaultQueuePoll
	}
	if c.Intervals.StaleAfter == 0 {
		c.Intervals.StaleAfter = DefaultStaleAfter
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Intervals.Heartbeat <= 0 {
		return fmt.Errorf("config.intervals.heartbeat must be positive")
	}
	if c.Intervals.QueuePoll <= 0 {
		return fmt.Errorf("config.intervals.queue_poll must be positive")
	}
	if c.Intervals.StaleAfter <= c.Intervals.Heartbeat {
		return fmt.Errorf("config.intervals.stale_after (%s) must exceed heartbeat (%s)", c.Intervals.StaleAfter, c.Intervals.Heartbeat)
	}
	if c.Cloudflare.BaseURL != "" {
		if u, err := url.Parse(c.Cloudflare.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.cloudflare.base_url %q is not an absolute url", c.Cloudflare.BaseURL)
		}
	}
	for i, p := range c.Repos.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.repos.paths[%d] is empty", i)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			switch evt {
			case domain.TaskStarting, domain.TaskRunning, domain.TaskCompleted, domain.TaskError:
			default:
				return fmt.Errorf("config.webhooks[%d] has unknown event %q", i, evt)
			}
		}
	}
	return nil
}

// RequireCloudflare reports missing KV credentials.
func (c *Config) RequireCloudflare() error {
	if !c.Cloudflare.Configured() {
		return fmt.Errorf("cloudflare.account_id and cloudflare.api_token are required; set them in %s or via RTS_CLOUDFLARE_ACCOUNT_ID / RTS_CLOUDFLARE_API_TOKEN", Filename)
	}
	return nil
}

// Filename is the config file name inside a workspace.
const Filename = "rts.yml"

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, Filename)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	cfg.ApplyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Cloudflare.APIToken != "" {
		out.Cloudflare.APIToken = "***"
	}
	if out.APIKeys.Codex != "" {
		out.APIKeys.Codex = "***"
	}
	out.Webhooks = append([]WebhookConfig(nil), c.Webhooks...)
	for i := range out.Webhooks {
		if out.Webhooks[i].Secret != "" {
			out.Webhooks[i].Secret = "***"
		}
	}
	return &out
}

// YAML renders the config.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `cloudflare:
  account_id: ""
  api_token: ""
  namespace_title: rtsa
  # namespace_id pins the namespace and skips the lookup by title.
  namespace_id: ""

device:
  # name defaults to the host name.
  name: ""
  type: headless

repos:
  # The first path receives repositories created by project:create tasks.
  paths: []

cli_commands:
  gemini: ""
  claude: ""

api_keys:
  codex: ""

intervals:
  heartbeat: 5m
  queue_poll: 10s
  stale_after: 6m

server:
  addr: 127.0.0.1:3977

webhooks: []
`
