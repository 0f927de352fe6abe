package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rtsfleet/internal/app"
	"rtsfleet/internal/config"
	"rtsfleet/internal/domain"
	rtssdk "rtsfleet/sdk/go"
)

func devicesCmd() *cobra.Command {
	devices := &cobra.Command{
		Use:   "devices",
		Short: "Inspect the device registry",
	}
	devices.AddCommand(devicesListCmd())
	devices.AddCommand(devicesShowCmd())
	devices.AddCommand(devicesReposCmd())
	return devices
}

func devicesListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				all, err := s.Registry.List(ctx)
				if err != nil {
					return err
				}
				var devices []domain.Device
				for _, d := range all {
					if status == "" || d.Status == status {
						devices = append(devices, d)
					}
				}
				if viper.GetBool("json") {
					return printJSON(devices)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Platform", "Status", "Last Heartbeat", "Repos"})
				for _, d := range devices {
					name := d.Name
					if d.ID == s.Device.ID {
						name += " (this device)"
					}
					tw.AppendRow(table.Row{d.ID, name, d.DeviceType, d.Platform, d.Status, d.LastHeartbeat, len(d.Repos)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (on|off)")
	return cmd
}

func devicesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device-id>",
		Short: "Show one device record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				d, err := s.Registry.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func devicesReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos <device-id>",
		Short: "List repositories published by a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				d, err := s.Registry.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d.Repos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Path"})
				for _, r := range d.Repos {
					tw.AppendRow(table.Row{r.Name, r.Path})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Manage device task queues",
		Long:  "Each device owns one FIFO queue in the shared namespace. Tasks are removed when the device picks them up.",
	}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueEnqueueCmd())
	q.AddCommand(queueCreateRepoCmd())
	q.AddCommand(queueClearCmd())
	q.AddCommand(queueProcessCmd())
	return q
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [device-id]",
		Short: "List pending tasks (defaults to this device)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				tasks, err := s.Queue.List(ctx, targetDevice(s, args))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tool", "Repo", "Prompt", "Requested By", "Created"})
				for _, t := range tasks {
					repo := t.RepoName()
					if repo == "" {
						repo = t.RepoPath()
					}
					tw.AppendRow(table.Row{t.ID, t.Tool, repo, shorten(t.Prompt, 40), t.RequestedBy, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueEnqueueCmd() *cobra.Command {
	var tool, prompt, repoName, repoPath, requestedBy, attachments string
	cmd := &cobra.Command{
		Use:   "enqueue <device-id>",
		Short: "Append a task to a device queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := domain.Tool(strings.TrimSpace(tool))
			if !t.Known() {
				return fmt.Errorf("unknown tool %q (want one of %v)", tool, domain.KnownTools)
			}
			task := domain.QueuedTask{Tool: t, Prompt: prompt, RequestedBy: requestedBy}
			if repoName != "" || repoPath != "" {
				task.Repo = &domain.TaskRepo{Name: repoName, Path: repoPath}
			}
			if attachments != "" {
				if err := json.Unmarshal([]byte(attachments), &task.Attachments); err != nil {
					return fmt.Errorf("attachments must be a JSON array: %w", err)
				}
			}
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if requestedBy == "" {
					task.RequestedBy = s.Device.ID
				}
				queued, err := s.Queue.Enqueue(ctx, args[0], task)
				if err != nil {
					return err
				}
				return printJSONOrTable(queued[len(queued)-1])
			})
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "tool: gemini, claude-cli, codex or project:create")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt for the assistant")
	cmd.Flags().StringVar(&repoName, "repo-name", "", "repository name")
	cmd.Flags().StringVar(&repoPath, "repo-path", "", "repository path on the target device")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "requesting device id (defaults to this device)")
	cmd.Flags().StringVar(&attachments, "attachments", "", "JSON array of attachments")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func queueCreateRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-repo <device-id> <name>",
		Short: "Queue creation of an empty repository on a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				queued, err := s.Queue.Enqueue(ctx, args[0], domain.QueuedTask{
					Tool:        domain.ToolProjectCreate,
					Repo:        &domain.TaskRepo{Name: args[1]},
					RequestedBy: s.Device.ID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(queued[len(queued)-1])
			})
		},
	}
}

func queueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [device-id]",
		Short: "Drop every pending task (defaults to this device)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				id := targetDevice(s, args)
				if err := s.Queue.Replace(ctx, id, nil); err != nil {
					return err
				}
				fmt.Printf("queue of %s cleared\n", id)
				return nil
			})
		},
	}
}

func queueProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one queue tick on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := s.Processor.ProcessQueue(ctx); err != nil {
					return err
				}
				st, ok, err := s.Status.Get(ctx, s.Device.ID)
				if err != nil || !ok {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status [device-id]",
		Short: "Show the latest task status (defaults to this device)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if all {
					statuses, err := s.Status.All(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(statuses)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Device", "Status", "Tool", "Task", "Updated", "Error"})
					for id, st := range statuses {
						tw.AppendRow(table.Row{id, st.Status, st.Tool, st.TaskRequestID, st.UpdatedAt, st.Error})
					}
					tw.SortBy([]table.SortBy{{Name: "Device", Mode: table.Asc}})
					tw.Render()
					return nil
				}
				id := targetDevice(s, args)
				st, ok, err := s.Status.Get(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no task status for %s", id)
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show every device")
	return cmd
}

func namespaceCmd() *cobra.Command {
	ns := &cobra.Command{
		Use:   "namespace",
		Short: "Inspect the shared KV namespace",
	}
	ns.AddCommand(&cobra.Command{
		Use:   "resolve",
		Short: "Resolve (or create) the namespace and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				id, err := s.Namespace(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"title":       s.Config.Cloudflare.NamespaceTitle,
					"namespaceId": id,
				})
			})
		},
	})
	return ns
}

func identityCmd() *cobra.Command {
	id := &cobra.Command{
		Use:   "identity",
		Short: "Show this device's identity",
	}
	id.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the persisted device id and name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				return printJSONOrTable(map[string]any{
					"id":        s.Device.ID,
					"name":      s.Device.Name,
					"createdAt": s.Device.CreatedAt,
				})
			})
		},
	})
	return id
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect runner config",
		Long:  "Config lives in rts.yml inside the workspace: Cloudflare credentials, repository paths, CLI command overrides, intervals and webhooks. Environment variables override the file.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Redacted())
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rts.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func journalCmd() *cobra.Command {
	var n int
	j := &cobra.Command{
		Use:   "journal",
		Short: "Show tasks this device picked up",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				entries, err := s.Journal.Recent(ctx, s.Device.ID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Tool", "Picked", "Outcome", "Closed", "Error"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Key, e.Task.Tool, e.PickedAt, e.Outcome, e.ClosedAt, shorten(e.Error, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	j.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	return j
}

func pingCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Query a running runner's HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				url = "http://" + cfg.Server.Addr
			}
			st, err := rtssdk.New(url).Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "runner base url (defaults to config.server.addr)")
	return cmd
}

func targetDevice(s *app.Services, args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0])
	}
	return s.Device.ID
}

func shorten(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
