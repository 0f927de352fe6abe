// Package scheduler drives the heartbeat and queue poll loops of a runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/inventory"
	"rtsfleet/internal/registry"
)

const defaultOfflineTimeout = 10 * time.Second

// Presence publishes this device's record.
type Presence interface {
	Beat(ctx context.Context) error
	Offline(ctx context.Context) error
}

// QueueProcessor is the part of the processor the scheduler drives.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context) error
	Recover(ctx context.Context) (int, error)
}

type Scheduler struct {
	// Resolve is called once before the loops start; failure aborts Run.
	Resolve   func(ctx context.Context) (string, error)
	Presence  Presence
	Processor QueueProcessor

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	OfflineTimeout    time.Duration
	Logger            *zap.Logger

	stopping atomic.Bool
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Run beats once immediately, then runs both loops until ctx is done. On
// the way out it makes one bounded attempt to publish the device as off.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.HeartbeatInterval <= 0 || s.PollInterval <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	log := s.logger()
	if s.Resolve != nil {
		ns, err := s.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve namespace: %w", err)
		}
		log = log.With(zap.String("namespace", ns))
	}
	s.stopping.Store(false)

	if s.Processor != nil {
		if n, err := s.Processor.Recover(ctx); err != nil {
			log.Warn("recover interrupted tasks failed", zap.Error(err))
		} else if n > 0 {
			log.Info("recovered interrupted tasks", zap.Int("count", n))
		}
	}
	s.beat(ctx, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(s.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.beat(gctx, log)
			}
		}
	})
	if s.Processor != nil {
		g.Go(func() error {
			ticker := time.NewTicker(s.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if s.stopping.Load() || gctx.Err() != nil {
						continue
					}
					if err := s.Processor.ProcessQueue(gctx); err != nil {
						log.Warn("queue poll failed", zap.Error(err))
					}
				}
			}
		})
	}
	err := g.Wait()
	s.stopping.Store(true)
	s.goOffline(ctx, log)
	return err
}

// Stopping reports whether shutdown has begun.
func (s *Scheduler) Stopping() bool { return s.stopping.Load() }

func (s *Scheduler) beat(ctx context.Context, log *zap.Logger) {
	if s.Presence == nil {
		return
	}
	if err := s.Presence.Beat(ctx); err != nil {
		log.Warn("heartbeat failed", zap.Error(err))
		return
	}
	log.Debug("heartbeat sent")
}

func (s *Scheduler) goOffline(ctx context.Context, log *zap.Logger) {
	if s.Presence == nil {
		return
	}
	timeout := s.OfflineTimeout
	if timeout <= 0 {
		timeout = defaultOfflineTimeout
	}
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Presence.Offline(octx); err != nil {
		log.Debug("offline heartbeat failed", zap.Error(err))
		return
	}
	log.Info("device marked offline")
}

// DevicePresence publishes the inventory of this device to the registry.
type DevicePresence struct {
	Registry   *registry.Registry
	Inventory  inventory.Builder
	Device     domain.DeviceRef
	StaleAfter time.Duration
}

func (p DevicePresence) Beat(ctx context.Context) error {
	_, err := p.Registry.Heartbeat(ctx, p.Inventory.Build(ctx, p.Device, domain.DeviceOn), p.StaleAfter)
	return err
}

func (p DevicePresence) Offline(ctx context.Context) error {
	return p.Registry.SendOffline(ctx, p.Inventory.Build(ctx, p.Device, domain.DeviceOff))
}
