package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/kv"
)

// Queue manages the queue:<deviceId> documents of one namespace.
//
// Enqueue is read-append-write without a lock: two enqueuers racing on the
// same device can lose one append. DequeueOne must only be called by the
// device that owns the queue.
type Queue struct {
	Store     kv.Store
	Namespace func(context.Context) (string, error)
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string
}

func New(store kv.Store, namespace func(context.Context) (string, error), log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{Store: store, Namespace: namespace, Logger: log, Now: time.Now, NewID: NewTaskID}
}

// NewTaskID returns a fresh task request id.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue appends task to the device queue and returns the new queue.
// Missing id and createdAt are filled in.
func (q *Queue) Enqueue(ctx context.Context, deviceID string, task domain.QueuedTask) ([]domain.QueuedTask, error) {
	if err := checkDevice(deviceID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(task.Tool)) == "" {
		return nil, errors.New("task tool is required")
	}
	if task.ID == "" {
		if q.NewID != nil {
			task.ID = q.NewID()
		} else {
			task.ID = NewTaskID()
		}
	}
	if task.CreatedAt == "" {
		task.CreatedAt = domain.FormatTime(q.now())
	}
	ns, tasks, err := q.read(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	next := append(tasks, task)
	if err := q.write(ctx, ns, deviceID, next); err != nil {
		return nil, err
	}
	q.Logger.Debug("enqueued task", zap.String("device_id", deviceID), zap.String("task_id", task.ID), zap.String("tool", task.Tool.String()))
	return next, nil
}

// DequeueOne removes the head of the queue and returns it. The shortened
// queue is written back before the task is returned, so a task is never
// handed out twice even if the caller crashes while running it.
func (q *Queue) DequeueOne(ctx context.Context, deviceID string) (domain.QueuedTask, bool, error) {
	if err := checkDevice(deviceID); err != nil {
		return domain.QueuedTask{}, false, err
	}
	ns, tasks, err := q.read(ctx, deviceID)
	if err != nil {
		return domain.QueuedTask{}, false, err
	}
	if len(tasks) == 0 {
		return domain.QueuedTask{}, false, nil
	}
	head := tasks[0]
	rest := append([]domain.QueuedTask{}, tasks[1:]...)
	if err := q.write(ctx, ns, deviceID, rest); err != nil {
		return domain.QueuedTask{}, false, err
	}
	return head, true, nil
}

// List returns the pending tasks of a device.
func (q *Queue) List(ctx context.Context, deviceID string) ([]domain.QueuedTask, error) {
	if err := checkDevice(deviceID); err != nil {
		return nil, err
	}
	_, tasks, err := q.read(ctx, deviceID)
	return tasks, err
}

// Replace overwrites the queue of a device.
func (q *Queue) Replace(ctx context.Context, deviceID string, tasks []domain.QueuedTask) error {
	if err := checkDevice(deviceID); err != nil {
		return err
	}
	ns, err := q.Namespace(ctx)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []domain.QueuedTask{}
	}
	return q.write(ctx, ns, deviceID, tasks)
}

func (q *Queue) read(ctx context.Context, deviceID string) (string, []domain.QueuedTask, error) {
	ns, err := q.Namespace(ctx)
	if err != nil {
		return "", nil, err
	}
	tasks, err := kv.GetJSON(ctx, q.Store, ns, domain.QueueKey(deviceID), []domain.QueuedTask{})
	if err != nil {
		return "", nil, fmt.Errorf("read queue %s: %w", deviceID, err)
	}
	if tasks == nil {
		tasks = []domain.QueuedTask{}
	}
	return ns, tasks, nil
}

func (q *Queue) write(ctx context.Context, ns, deviceID string, tasks []domain.QueuedTask) error {
	if err := kv.PutJSON(ctx, q.Store, ns, domain.QueueKey(deviceID), tasks); err != nil {
		return fmt.Errorf("write queue %s: %w", deviceID, err)
	}
	return nil
}

func checkDevice(deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return errors.New("missing device id for queue key")
	}
	return nil
}
