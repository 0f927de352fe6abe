// Package processor consumes this device's task queue one task per tick.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rtsfleet/internal/adapter"
	"rtsfleet/internal/domain"
	"rtsfleet/internal/journal"
)

const statusWriteTimeout = 30 * time.Second

// InterruptedError is published for pickups found unfinished at startup.
const InterruptedError = "interrupted before completion"

// Dequeuer pops the head of a device queue.
type Dequeuer interface {
	DequeueOne(ctx context.Context, deviceID string) (domain.QueuedTask, bool, error)
}

// StatusWriter replaces the status record of a device.
type StatusWriter interface {
	Set(ctx context.Context, deviceID string, status domain.TaskStatus) error
}

// ProjectCreator creates local repositories for project:create tasks.
type ProjectCreator interface {
	Create(ctx context.Context, base, name string) (string, error)
}

// Journal records pickups and their outcomes.
type Journal interface {
	Pickup(ctx context.Context, namespaceID, deviceID string, task domain.QueuedTask) (string, error)
	Close(ctx context.Context, deviceID, key string, status domain.TaskStatus) error
	Unfinished(ctx context.Context, deviceID string) ([]journal.Entry, error)
}

// Notifier receives every published status.
type Notifier interface {
	Publish(namespace, deviceID string, status domain.TaskStatus)
}

type Processor struct {
	Device    domain.DeviceRef
	Namespace func(context.Context) (string, error)
	Queue     Dequeuer
	Status    StatusWriter
	Adapters  adapter.Set
	Projects  ProjectCreator
	// BaseDir returns where project:create puts new repositories.
	BaseDir  func() string
	Journal  Journal
	Notifier Notifier
	Logger   *zap.Logger
	Now      func() time.Time

	busy atomic.Bool
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Busy reports whether a tick is in progress.
func (p *Processor) Busy() bool { return p.busy.Load() }

// ProcessQueue takes at most one task off the queue and drives it to a
// running, completed or error status. A call that overlaps a running tick
// returns immediately. The returned error covers only failures to reach the
// queue; task failures are published as error statuses.
func (p *Processor) ProcessQueue(ctx context.Context) error {
	_, err := p.TryProcess(ctx)
	return err
}

// TryProcess is ProcessQueue that also reports whether this call ran the
// tick (false when another tick held the guard).
func (p *Processor) TryProcess(ctx context.Context) (bool, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer p.busy.Store(false)
	return true, p.tick(ctx)
}

func (p *Processor) tick(ctx context.Context) error {
	ns, err := p.Namespace(ctx)
	if err != nil {
		return fmt.Errorf("resolve namespace: %w", err)
	}
	task, ok, err := p.Queue.DequeueOne(ctx, p.Device.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log := p.logger().With(zap.String("device_id", p.Device.ID), zap.String("task_id", task.ID), zap.String("tool", task.Tool.String()))
	log.Info("picked up task")

	key := ""
	if p.Journal != nil {
		if key, err = p.Journal.Pickup(ctx, ns, p.Device.ID, task); err != nil {
			log.Warn("journal pickup failed", zap.Error(err))
		}
	}

	final, err := p.execute(ctx, ns, task)
	if err != nil {
		log.Warn("task failed", zap.Error(err))
		final = p.errorStatus(err.Error())
		// The queue entry is gone; the failure must still be visible.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		if perr := p.publish(wctx, ns, final); perr != nil {
			log.Error("publish error status failed", zap.Error(perr))
		}
		cancel()
	} else {
		log.Info("task dispatched", zap.String("status", final.Status))
	}

	if p.Journal != nil && key != "" {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		if err := p.Journal.Close(jctx, p.Device.ID, key, final); err != nil {
			log.Warn("journal outcome failed", zap.Error(err))
		}
		cancel()
	}
	return nil
}

// execute runs the state machine for one task and returns the last status
// it published. Panics become errors.
func (p *Processor) execute(ctx context.Context, ns string, task domain.QueuedTask) (final domain.TaskStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing task: %v", r)
		}
	}()

	base := domain.TaskStatus{
		Status:        domain.TaskStarting,
		Tool:          task.Tool,
		Repo:          task.Repo,
		Prompt:        task.Prompt,
		RequestedBy:   task.RequestedBy,
		TaskRequestID: task.ID,
		Device:        p.Device,
		UpdatedAt:     domain.FormatTime(p.now()),
	}
	if err := p.publish(ctx, ns, base); err != nil {
		return domain.TaskStatus{}, err
	}

	if task.Tool == "" {
		return domain.TaskStatus{}, errors.New("Queued task missing tool")
	}
	if task.Tool == domain.ToolProjectCreate {
		return p.createProject(ctx, ns, task, base)
	}

	a, err := p.Adapters.Lookup(task.Tool)
	if err != nil {
		return domain.TaskStatus{}, err
	}
	if task.Prompt == "" {
		return domain.TaskStatus{}, errors.New("Queued task missing prompt")
	}
	repoPath := task.RepoPath()
	if repoPath == "" {
		return domain.TaskStatus{}, errors.New("Queued task missing repo.path")
	}
	if err := a.Available(ctx); err != nil {
		return domain.TaskStatus{}, err
	}
	handle, err := a.Start(ctx, adapter.StartRequest{Prompt: task.Prompt, RepoPath: repoPath, Attachments: task.Attachments})
	if err != nil {
		return domain.TaskStatus{}, err
	}

	running := base
	running.Status = domain.TaskRunning
	running.StartedAt = domain.FormatTime(p.now())
	running.UpdatedAt = running.StartedAt
	running.StartedTask = map[string]any(handle)
	if err := p.publish(ctx, ns, running); err != nil {
		return domain.TaskStatus{}, err
	}
	return running, nil
}

func (p *Processor) createProject(ctx context.Context, ns string, task domain.QueuedTask, base domain.TaskStatus) (domain.TaskStatus, error) {
	name := task.RepoName()
	if name == "" {
		return domain.TaskStatus{}, errors.New("Queued task missing repo.name")
	}
	dir := ""
	if p.BaseDir != nil {
		dir = p.BaseDir()
	}
	if dir == "" {
		return domain.TaskStatus{}, errors.New("No GitHub repository paths configured on target device")
	}
	if p.Projects == nil {
		return domain.TaskStatus{}, errors.New("project creation not available on target device")
	}

	running := base
	running.Status = domain.TaskRunning
	running.StartedAt = domain.FormatTime(p.now())
	running.UpdatedAt = running.StartedAt
	if err := p.publish(ctx, ns, running); err != nil {
		return domain.TaskStatus{}, err
	}

	path, err := p.Projects.Create(ctx, dir, name)
	if err != nil {
		return domain.TaskStatus{}, err
	}

	done := base
	done.Status = domain.TaskCompleted
	done.Result = map[string]any{"path": path, "directory": dir, "name": name}
	done.CompletedAt = domain.FormatTime(p.now())
	done.UpdatedAt = done.CompletedAt
	if err := p.publish(ctx, ns, done); err != nil {
		return domain.TaskStatus{}, err
	}
	return done, nil
}

// errorStatus carries only the error, the device and the time so a stale
// running record is fully replaced.
func (p *Processor) errorStatus(msg string) domain.TaskStatus {
	return domain.TaskStatus{
		Status:    domain.TaskError,
		Error:     msg,
		Device:    p.Device,
		UpdatedAt: domain.FormatTime(p.now()),
	}
}

func (p *Processor) publish(ctx context.Context, ns string, status domain.TaskStatus) error {
	if err := p.Status.Set(ctx, p.Device.ID, status); err != nil {
		return fmt.Errorf("publish %s status: %w", status.Status, err)
	}
	if p.Notifier != nil {
		p.Notifier.Publish(ns, p.Device.ID, status)
	}
	return nil
}

// Recover publishes an error status for every pickup that never reached an
// outcome, typically because the process died mid-task. Tasks are not
// re-enqueued.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	if p.Journal == nil {
		return 0, nil
	}
	open, err := p.Journal.Unfinished(ctx, p.Device.ID)
	if err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}
	ns, err := p.Namespace(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve namespace: %w", err)
	}
	recovered := 0
	for _, e := range open {
		status := p.errorStatus(InterruptedError)
		status.Tool = e.Task.Tool
		status.TaskRequestID = e.Task.ID
		if err := p.publish(ctx, ns, status); err != nil {
			return recovered, err
		}
		if err := p.Journal.Close(ctx, p.Device.ID, e.Key, status); err != nil {
			return recovered, err
		}
		p.logger().Warn("marked interrupted task", zap.String("device_id", p.Device.ID), zap.String("task_id", e.Key))
		recovered++
	}
	return recovered, nil
}
