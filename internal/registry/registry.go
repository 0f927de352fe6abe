package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/kv"
)

// ErrNotFound is returned by Get for an unknown device id.
var ErrNotFound = errors.New("device not found")

// Registry maintains the devices document of one namespace.
//
// Every operation is a full read followed by a full write. Two devices
// heartbeating at the same moment resolve as last writer wins; heartbeat
// periods are minutes apart and the stale threshold is a multiple of that
// period, so a lost write is repaired by the next beat.
type Registry struct {
	Store     kv.Store
	Namespace func(context.Context) (string, error)
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(store kv.Store, namespace func(context.Context) (string, error), log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{Store: store, Namespace: namespace, Logger: log, Now: time.Now}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Heartbeat upserts device, marks other stale devices off and writes the
// list back. staleAfter <= 0 disables the sweep.
func (r *Registry) Heartbeat(ctx context.Context, device domain.Device, staleAfter time.Duration) ([]domain.Device, error) {
	if strings.TrimSpace(device.ID) == "" {
		return nil, errors.New("missing device id for heartbeat")
	}
	ns, err := r.Namespace(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := r.load(ctx, ns)
	if err != nil {
		return nil, err
	}
	now := r.now()
	next := Upsert(devices, device)
	next, evicted := Sweep(next, device.ID, now, staleAfter)
	for _, id := range evicted {
		r.Logger.Info("marked stale device off", zap.String("device_id", id), zap.String("by", device.ID))
	}
	if err := kv.PutJSON(ctx, r.Store, ns, domain.DevicesKey, next); err != nil {
		return nil, fmt.Errorf("write devices: %w", err)
	}
	return next, nil
}

// SendOffline records device as off. It is meant for graceful shutdown.
func (r *Registry) SendOffline(ctx context.Context, device domain.Device) error {
	device.Status = domain.DeviceOff
	device.LastHeartbeat = ""
	if device.LastStatusAt == "" {
		device.LastStatusAt = domain.FormatTime(r.now())
	}
	_, err := r.Heartbeat(ctx, device, 0)
	return err
}

// List returns the current devices document without modifying it.
func (r *Registry) List(ctx context.Context) ([]domain.Device, error) {
	ns, err := r.Namespace(ctx)
	if err != nil {
		return nil, err
	}
	return kv.GetJSON(ctx, r.Store, ns, domain.DevicesKey, []domain.Device{})
}

// Get returns one device by id.
func (r *Registry) Get(ctx context.Context, id string) (domain.Device, error) {
	devices, err := r.List(ctx)
	if err != nil {
		return domain.Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Device{}, ErrNotFound
}

// load reads the devices list. A missing or malformed document is replaced
// by an empty list so later readers see a well-typed value.
func (r *Registry) load(ctx context.Context, ns string) ([]domain.Device, error) {
	devices, found, err := kv.LookupJSON(ctx, r.Store, ns, domain.DevicesKey, []domain.Device(nil))
	if err != nil {
		return nil, fmt.Errorf("read devices: %w", err)
	}
	if found && devices != nil {
		return devices, nil
	}
	r.Logger.Debug("devices document missing or malformed, resetting", zap.String("namespace", ns))
	if err := kv.PutJSON(ctx, r.Store, ns, domain.DevicesKey, []domain.Device{}); err != nil {
		return nil, fmt.Errorf("reset devices: %w", err)
	}
	return []domain.Device{}, nil
}

// Upsert merges device onto the entry with the same id, or appends it.
func Upsert(devices []domain.Device, device domain.Device) []domain.Device {
	next := make([]domain.Device, 0, len(devices)+1)
	merged := false
	for _, d := range devices {
		if !merged && d.ID != "" && d.ID == device.ID {
			next = append(next, d.Merge(device))
			merged = true
			continue
		}
		next = append(next, d)
	}
	if !merged {
		next = append(next, device)
	}
	return next
}

// Sweep marks off every device other than selfID whose last sign of life
// is at least staleAfter before now. Devices already off and devices with
// no parseable timestamp are left alone. It returns the ids it changed.
func Sweep(devices []domain.Device, selfID string, now time.Time, staleAfter time.Duration) ([]domain.Device, []string) {
	if staleAfter <= 0 {
		return devices, nil
	}
	var evicted []string
	out := make([]domain.Device, len(devices))
	stamp := domain.FormatTime(now)
	for i, d := range devices {
		out[i] = d
		if d.ID == "" || d.ID == selfID || d.Status == domain.DeviceOff {
			continue
		}
		seen, ok := d.LastSeen()
		if !ok || now.Sub(seen) < staleAfter {
			continue
		}
		d.Status = domain.DeviceOff
		d.LastStatusAt = stamp
		d.OffReason = domain.OffReasonStale
		out[i] = d
		evicted = append(evicted, d.ID)
	}
	return out, evicted
}
