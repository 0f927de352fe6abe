package registry_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/kv"
	"rtsfleet/internal/kv/kvtest"
	"rtsfleet/internal/registry"
)

const ns = "ns-test"

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedNS(context.Context) (string, error) { return ns, nil }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newRegistry(store kv.Store, c *clock) *registry.Registry {
	r := registry.New(store, fixedNS, nil)
	r.Now = c.Now
	return r
}

func beat(id string, at time.Time) domain.Device {
	return domain.Device{
		ID:            id,
		Name:          id,
		Status:        domain.DeviceOn,
		LastHeartbeat: domain.FormatTime(at),
		LastStatusAt:  domain.FormatTime(at),
	}
}

func stored(t *testing.T, store *kvtest.MemStore) []domain.Device {
	t.Helper()
	raw, ok := store.Raw(ns, domain.DevicesKey)
	require.True(t, ok)
	var out []domain.Device
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func byID(devices []domain.Device, id string) domain.Device {
	for _, d := range devices {
		if d.ID == id {
			return d
		}
	}
	return domain.Device{}
}

func TestStaleDeviceMarkedOffByAnotherHeartbeat(t *testing.T) {
	store := kvtest.NewMemStore()
	c := &clock{now: t0}
	reg := newRegistry(store, c)
	ctx := context.Background()
	staleAfter := 360000 * time.Millisecond

	_, err := reg.Heartbeat(ctx, beat("dev-1", c.now), staleAfter)
	require.NoError(t, err)

	c.now = t0.Add(400000 * time.Millisecond)
	_, err = reg.Heartbeat(ctx, beat("dev-2", c.now), staleAfter)
	require.NoError(t, err)

	devices := stored(t, store)
	require.Len(t, devices, 2)
	dev1 := byID(devices, "dev-1")
	assert.Equal(t, domain.DeviceOff, dev1.Status)
	assert.Equal(t, domain.OffReasonStale, dev1.OffReason)
	assert.Equal(t, domain.FormatTime(c.now), dev1.LastStatusAt)
	assert.Equal(t, domain.DeviceOn, byID(devices, "dev-2").Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := kvtest.NewMemStore()
	c := &clock{now: t0}
	reg := newRegistry(store, c)
	ctx := context.Background()

	_, err := reg.Heartbeat(ctx, beat("dev-1", c.now), time.Minute)
	require.NoError(t, err)

	c.now = t0.Add(2 * time.Minute)
	_, err = reg.Heartbeat(ctx, beat("dev-2", c.now), time.Minute)
	require.NoError(t, err)
	first := byID(stored(t, store), "dev-1")
	require.Equal(t, domain.DeviceOff, first.Status)

	c.now = t0.Add(3 * time.Minute)
	_, err = reg.Heartbeat(ctx, beat("dev-2", c.now), time.Minute)
	require.NoError(t, err)
	second := byID(stored(t, store), "dev-1")
	assert.Equal(t, domain.DeviceOff, second.Status)
	assert.Equal(t, first.LastStatusAt, second.LastStatusAt, "already-off device must not be touched again")
}

func TestFreshDevicesStayOn(t *testing.T) {
	store := kvtest.NewMemStore()
	c := &clock{now: t0}
	reg := newRegistry(store, c)
	ctx := context.Background()

	_, err := reg.Heartbeat(ctx, beat("dev-1", c.now), 6*time.Minute)
	require.NoError(t, err)
	c.now = t0.Add(5 * time.Minute)
	devices, err := reg.Heartbeat(ctx, beat("dev-2", c.now), 6*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceOn, byID(devices, "dev-1").Status)
}

func TestOwnDeviceNeverSwept(t *testing.T) {
	devices := []domain.Device{beat("self", t0)}
	out, evicted := registry.Sweep(devices, "self", t0.Add(time.Hour), time.Minute)
	assert.Empty(t, evicted)
	assert.Equal(t, domain.DeviceOn, out[0].Status)
}

func TestSweepUsesNewestTimestampAndSkipsUnparseable(t *testing.T) {
	devices := []domain.Device{
		{ID: "a", Status: domain.DeviceOn, LastHeartbeat: domain.FormatTime(t0), UpdatedAt: domain.FormatTime(t0.Add(50 * time.Minute))},
		{ID: "b", Status: domain.DeviceOn, LastHeartbeat: "garbage"},
		{ID: "c", Status: domain.DeviceOn, HeartbeatAt: "2023-12-31T23:00:00Z"},
	}
	out, evicted := registry.Sweep(devices, "self", t0.Add(time.Hour), 30*time.Minute)
	assert.Equal(t, []string{"c"}, evicted)
	assert.Equal(t, domain.DeviceOn, out[0].Status)
	assert.Equal(t, domain.DeviceOn, out[1].Status)
	assert.Equal(t, domain.DeviceOff, out[2].Status)
}

func TestHeartbeatMergesAndPreservesUnknownFields(t *testing.T) {
	store := kvtest.NewMemStore()
	store.Set(ns, domain.DevicesKey, `[{"id":"dev-1","name":"old","customField":{"x":1},"tools":{"gemini":true}}]`)
	c := &clock{now: t0}
	reg := newRegistry(store, c)

	d := beat("dev-1", t0)
	d.Name = "new"
	_, err := reg.Heartbeat(context.Background(), d, time.Minute)
	require.NoError(t, err)

	raw, _ := store.Raw(ns, domain.DevicesKey)
	var generic []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &generic))
	require.Len(t, generic, 1)
	assert.Equal(t, "new", generic[0]["name"])
	assert.Equal(t, map[string]any{"x": float64(1)}, generic[0]["customField"])
	assert.Equal(t, map[string]any{"gemini": true}, generic[0]["tools"])
}

func TestHeartbeatSelfHealsMalformedDocument(t *testing.T) {
	store := kvtest.NewMemStore()
	store.Set(ns, domain.DevicesKey, `{"oops":true}`)
	reg := newRegistry(store, &clock{now: t0})

	devices, err := reg.Heartbeat(context.Background(), beat("dev-1", t0), time.Minute)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 2, store.WriteCount(ns, domain.DevicesKey), "reset write plus heartbeat write")
}

func TestHeartbeatRequiresID(t *testing.T) {
	reg := newRegistry(kvtest.NewMemStore(), &clock{now: t0})
	_, err := reg.Heartbeat(context.Background(), domain.Device{}, time.Minute)
	assert.Error(t, err)
}

func TestSendOfflineKeepsLastHeartbeat(t *testing.T) {
	store := kvtest.NewMemStore()
	c := &clock{now: t0}
	reg := newRegistry(store, c)
	ctx := context.Background()

	_, err := reg.Heartbeat(ctx, beat("dev-1", t0), time.Minute)
	require.NoError(t, err)
	c.now = t0.Add(time.Minute)
	require.NoError(t, reg.SendOffline(ctx, domain.Device{ID: "dev-1", Name: "dev-1"}))

	d, err := reg.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceOff, d.Status)
	assert.Equal(t, domain.FormatTime(t0), d.LastHeartbeat)
	assert.Equal(t, domain.FormatTime(c.now), d.LastStatusAt)

	// Coming back on clears any off reason.
	_, err = reg.Heartbeat(ctx, beat("dev-1", c.now), time.Minute)
	require.NoError(t, err)
	d, err = reg.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceOn, d.Status)
	assert.Empty(t, d.OffReason)
}

func TestGetUnknownDevice(t *testing.T) {
	reg := newRegistry(kvtest.NewMemStore(), &clock{now: t0})
	_, err := reg.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
