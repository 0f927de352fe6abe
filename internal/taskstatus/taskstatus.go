package taskstatus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/kv"
)

// Channel stores the latest TaskStatus of every device in the tasks map.
// Each write replaces the record of one device; the single-flight guard of
// the owning device's processor keeps its records in order.
type Channel struct {
	Store     kv.Store
	Namespace func(context.Context) (string, error)
}

func New(store kv.Store, namespace func(context.Context) (string, error)) *Channel {
	return &Channel{Store: store, Namespace: namespace}
}

// Set replaces the status record of deviceID.
func (c *Channel) Set(ctx context.Context, deviceID string, status domain.TaskStatus) error {
	if strings.TrimSpace(deviceID) == "" {
		return errors.New("missing device id for task status")
	}
	ns, all, err := c.read(ctx)
	if err != nil {
		return err
	}
	all[deviceID] = status
	if err := kv.PutJSON(ctx, c.Store, ns, domain.TasksKey, all); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	return nil
}

// Get returns the status record of deviceID, if any.
func (c *Channel) Get(ctx context.Context, deviceID string) (domain.TaskStatus, bool, error) {
	_, all, err := c.read(ctx)
	if err != nil {
		return domain.TaskStatus{}, false, err
	}
	s, ok := all[deviceID]
	return s, ok, nil
}

// All returns every device's status record.
func (c *Channel) All(ctx context.Context) (map[string]domain.TaskStatus, error) {
	_, all, err := c.read(ctx)
	return all, err
}

func (c *Channel) read(ctx context.Context) (string, map[string]domain.TaskStatus, error) {
	ns, err := c.Namespace(ctx)
	if err != nil {
		return "", nil, err
	}
	all, err := kv.GetJSON(ctx, c.Store, ns, domain.TasksKey, map[string]domain.TaskStatus{})
	if err != nil {
		return "", nil, fmt.Errorf("read tasks: %w", err)
	}
	if all == nil {
		all = map[string]domain.TaskStatus{}
	}
	return ns, all, nil
}
