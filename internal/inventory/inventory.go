// Package inventory builds the device record published on each heartbeat.
package inventory

import (
	"context"
	"runtime"
	"time"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/project"
)

// DeviceTypeHeadless identifies runners without a desktop front end.
const DeviceTypeHeadless = "headless"

// Detector reports tool availability keyed by tool name.
type Detector interface {
	Detect(ctx context.Context) map[string]bool
}

type Builder struct {
	DeviceType string
	RepoPaths  []string
	Tools      Detector
	Scan       func(paths []string) []domain.RepoRef
	Now        func() time.Time
}

// Build returns the record of this device for status "on" or "off". Only an
// "on" record carries lastHeartbeat.
func (b Builder) Build(ctx context.Context, ref domain.DeviceRef, status string) domain.Device {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	ts := domain.FormatTime(now)
	deviceType := b.DeviceType
	if deviceType == "" {
		deviceType = DeviceTypeHeadless
	}
	d := domain.Device{
		ID:           ref.ID,
		Name:         ref.Name,
		DeviceType:   deviceType,
		Platform:     runtime.GOOS,
		Status:       status,
		LastStatusAt: ts,
	}
	if status == domain.DeviceOn {
		d.LastHeartbeat = ts
	}
	if b.Tools != nil {
		d.Tools = b.Tools.Detect(ctx)
	}
	scan := b.Scan
	if scan == nil {
		scan = project.Scan
	}
	d.Repos = scan(b.RepoPaths)
	if d.Repos == nil {
		d.Repos = []domain.RepoRef{}
	}
	d.ReposUpdatedAt = ts
	return d
}
