// Package app builds the runner's service graph from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"rtsfleet/internal/adapter"
	"rtsfleet/internal/config"
	"rtsfleet/internal/db"
	"rtsfleet/internal/domain"
	"rtsfleet/internal/identity"
	"rtsfleet/internal/inventory"
	"rtsfleet/internal/journal"
	"rtsfleet/internal/kv"
	"rtsfleet/internal/migrate"
	"rtsfleet/internal/notify"
	"rtsfleet/internal/processor"
	"rtsfleet/internal/project"
	"rtsfleet/internal/queue"
	"rtsfleet/internal/registry"
	"rtsfleet/internal/repo"
	"rtsfleet/internal/scheduler"
	"rtsfleet/internal/taskstatus"
)

// ErrNotConfigured is returned by remote operations without KV credentials.
var ErrNotConfigured = errors.New("cloudflare kv is not configured")

// Options tune Open for tests and alternative deployments.
type Options struct {
	Logger *zap.Logger
	// Store replaces the KV client; Namespaces must then be set too.
	Store      kv.Store
	Namespaces kv.NamespaceAPI
	HTTPClient *http.Client
	// Adapters replaces the default tool adapters.
	Adapters adapter.Set
	Projects processor.ProjectCreator
}

// Services is everything a runner or a CLI command needs.
type Services struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Device   identity.Identity
	Logger   *zap.Logger
	Resolver *kv.Resolver

	Registry  *registry.Registry
	Queue     *queue.Queue
	Status    *taskstatus.Channel
	Journal   *journal.Journal
	Adapters  adapter.Set
	Inventory inventory.Builder
	Notifier  *notify.Dispatcher
	Processor *processor.Processor
	Scheduler *scheduler.Scheduler

	remote bool
}

// Open opens the workspace database, loads the identity and wires every
// component. Remote components are built even without credentials; their
// operations then fail with ErrNotConfigured.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*Services, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	dev, err := identity.New(r, cfg.Device.Name).GetOrCreate(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Services{Config: cfg, DB: conn, Repo: r, Device: dev, Logger: log}

	store, names := opts.Store, opts.Namespaces
	if store == nil && cfg.Cloudflare.Configured() {
		client, err := kv.New(kv.Config{
			BaseURL:    cfg.Cloudflare.BaseURL,
			AccountID:  cfg.Cloudflare.AccountID,
			APIToken:   cfg.Cloudflare.APIToken,
			HTTPClient: opts.HTTPClient,
			Logger:     log.Named("kv"),
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		store, names = client, client
	}
	s.remote = store != nil
	if store == nil {
		store = unconfiguredStore{}
	}
	if names != nil {
		s.Resolver = kv.NewResolver(names, cfg.Cloudflare.NamespaceTitle, cfg.Cloudflare.NamespaceID, r, log.Named("namespace"))
	}

	s.Registry = registry.New(store, s.Namespace, log.Named("registry"))
	s.Queue = queue.New(store, s.Namespace, log.Named("queue"))
	s.Status = taskstatus.New(store, s.Namespace)
	s.Journal = journal.New(r, log.Named("journal"))

	s.Adapters = opts.Adapters
	if s.Adapters == nil {
		s.Adapters = DefaultAdapters(cfg, log)
	}
	s.Inventory = inventory.Builder{
		DeviceType: cfg.Device.Type,
		RepoPaths:  cfg.Repos.Paths,
		Tools:      s.Adapters,
	}
	s.Notifier = notify.New(cfg.Webhooks, log.Named("webhook"))

	projects := opts.Projects
	if projects == nil {
		projects = project.Creator{}
	}
	s.Processor = &processor.Processor{
		Device:    dev.Ref(),
		Namespace: s.Namespace,
		Queue:     s.Queue,
		Status:    s.Status,
		Adapters:  s.Adapters,
		Projects:  projects,
		BaseDir:   cfg.BaseDir,
		Journal:   s.Journal,
		Logger:    log.Named("processor"),
	}
	if s.Notifier != nil {
		s.Processor.Notifier = s.Notifier
	}
	s.Scheduler = &scheduler.Scheduler{
		Resolve:           s.Namespace,
		Presence:          scheduler.DevicePresence{Registry: s.Registry, Inventory: s.Inventory, Device: dev.Ref(), StaleAfter: cfg.Intervals.StaleAfter},
		Processor:         s.Processor,
		HeartbeatInterval: cfg.Intervals.Heartbeat,
		PollInterval:      cfg.Intervals.QueuePoll,
		Logger:            log.Named("scheduler"),
	}
	return s, nil
}

// DefaultAdapters returns the adapter table for the configured commands.
func DefaultAdapters(cfg *config.Config, log *zap.Logger) adapter.Set {
	return adapter.Set{
		domain.ToolGemini:    adapter.NewGemini(cfg.CLICommands.Gemini, log.Named("gemini")),
		domain.ToolClaudeCLI: adapter.NewClaude(cfg.CLICommands.Claude, log.Named("claude")),
		domain.ToolCodex:     &adapter.Codex{APIKey: cfg.APIKeys.Codex},
	}
}

// Remote reports whether a KV backend is configured.
func (s *Services) Remote() bool { return s.remote }

// Namespace resolves the working namespace id.
func (s *Services) Namespace(ctx context.Context) (string, error) {
	if s.Resolver == nil {
		return "", ErrNotConfigured
	}
	return s.Resolver.Resolve(ctx)
}

// NamespaceID returns the resolved id without resolving.
func (s *Services) NamespaceID() string {
	if s.Resolver == nil {
		return ""
	}
	id, _ := s.Resolver.Cached()
	return id
}

func (s *Services) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

type unconfiguredStore struct{}

func (unconfiguredStore) GetText(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

func (unconfiguredStore) PutText(context.Context, string, string, string) error {
	return ErrNotConfigured
}
