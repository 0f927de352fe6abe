package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rtsfleet/internal/app"
	"rtsfleet/internal/config"
	"rtsfleet/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "rts",
	Short: "Remote task runner",
	Long: `rts runs coding-assistant tasks queued for this machine.
- Devices: every runner publishes a presence record (tools, repositories, heartbeat) to a shared Cloudflare KV namespace.
- Queues: other devices append tasks to a per-device queue; the runner polls its own queue and starts one task per tick.
- Task status: each device has one latest status record (starting, running, completed, error).
- Workspace: the .rts directory holds the device identity, the namespace cache and the pickup journal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RTS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("cloudflare.account_id", "RTS_CLOUDFLARE_ACCOUNT_ID", "CLOUDFLARE_ACCOUNT_ID")
	_ = viper.BindEnv("cloudflare.api_token", "RTS_CLOUDFLARE_API_TOKEN", "CLOUDFLARE_API_TOKEN")
	_ = viper.BindEnv("device.name", "RTS_DEVICE_NAME")
	_ = viper.BindEnv("repos.paths", "RTS_GITHUB_PATHS")
	_ = viper.BindEnv("headless.host", "RTS_HEADLESS_HOST")
	_ = viper.BindEnv("headless.port", "RTS_HEADLESS_PORT")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(namespaceCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(pingCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// loadConfig reads rts.yml and layers environment overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("cloudflare.account_id"); v != "" {
		cfg.Cloudflare.AccountID = v
	}
	if v := viper.GetString("cloudflare.api_token"); v != "" {
		cfg.Cloudflare.APIToken = v
	}
	if v := viper.GetString("device.name"); v != "" {
		cfg.Device.Name = v
	}
	if v := viper.GetString("repos.paths"); v != "" {
		cfg.Repos.Paths = splitList(v)
	}
	host, port := viper.GetString("headless.host"), viper.GetString("headless.port")
	if host != "" || port != "" {
		h, p, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			return nil, fmt.Errorf("config.server.addr: %w", err)
		}
		if host != "" {
			h = host
		}
		if port != "" {
			p = port
		}
		cfg.Server.Addr = net.JoinHostPort(h, p)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == os.PathListSeparator }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	s, err := app.Open(ctx, viper.GetString("workspace"), cfg, app.Options{Logger: log})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// withRemote is withServices for commands that need the KV namespace.
func withRemote(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	return withServices(ctx, func(ctx context.Context, s *app.Services) error {
		if err := s.Config.RequireCloudflare(); err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
