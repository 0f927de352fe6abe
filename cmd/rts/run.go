package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rtsfleet/internal/app"
	"rtsfleet/internal/server"
)

func runCmd() *cobra.Command {
	var addr string
	var noServer bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the headless runner",
		Long:  "Publish presence on a heartbeat, poll this device's queue and serve the local HTTP API until interrupted. On shutdown the device is marked offline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRemote(ctx, func(ctx context.Context, s *app.Services) error {
				if addr != "" {
					s.Config.Server.Addr = addr
				}
				return serve(ctx, s, !noServer && s.Config.ServerEnabled())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config.server.addr)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not serve the HTTP API")
	return cmd
}

func serve(ctx context.Context, s *app.Services, withServer bool) error {
	log := s.Logger
	log.Info("runner starting",
		zap.String("device_id", s.Device.ID),
		zap.String("device_name", s.Device.Name),
		zap.Duration("heartbeat", s.Scheduler.HeartbeatInterval),
		zap.Duration("queue_poll", s.Scheduler.PollInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Scheduler.Run(gctx) })
	g.Go(func() error { return s.Notifier.Run(gctx) })
	if withServer {
		handler, err := server.New(server.Config{Services: s, Logger: log.Named("http")})
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: s.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			fmt.Printf("Serving runner API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	log.Info("runner stopped")
	return err
}
