package migration

import (
	"context"
	"time"
)

const defaultPollInterval = time.Second

// SnapshotSource exposes the status of a run in progress.
type SnapshotSource interface {
	Snapshot() *Status
}

// Monitor polls a running executor and fires callbacks with progress.
type Monitor struct {
	source   SnapshotSource
	interval time.Duration
}

// NewMonitor creates a new migration monitor.
func NewMonitor(source SnapshotSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Monitor{source: source, interval: interval}
}

// Poll repeatedly snapshots the run until it reaches a terminal state or
// ctx is done. The callback sees every snapshot, including the last one.
func (m *Monitor) Poll(ctx context.Context, callback StatusCallback) (*Status, error) {
	var last *Status
	for {
		if snap := m.source.Snapshot(); snap != nil {
			last = snap
			if callback != nil {
				callback(snap)
			}
			if snap.State.Terminal() {
				return snap, nil
			}
		}

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}
