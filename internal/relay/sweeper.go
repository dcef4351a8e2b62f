package relay

import (
	"context"
	"time"

	"github.com/roomdeck/roomdeck/internal/store"
)

// StartSweeper runs the liveness sweep until ctx is cancelled. Every
// sweepInterval it evicts connections whose last heartbeat is older than
// staleTimeout. Call it from its own goroutine.
func (h *Hub) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	h.logger.Info("liveness sweeper started",
		"interval", h.sweepInterval, "stale_timeout", h.staleTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(ctx, time.Now())
		}
	}
}

// sweepOnce evicts every connection stale as of now. Eviction is keyed to the
// exact connection observed in the snapshot: a device that reconnected after
// the snapshot was taken keeps its new connection, and the Release check
// guarantees the offline write happens at most once per eviction even when a
// concurrent disconnect races the sweep.
func (h *Hub) sweepOnce(ctx context.Context, now time.Time) {
	cutoff := now.Add(-h.staleTimeout)

	for _, entry := range h.registry.Snapshot() {
		if !entry.LastHeartbeat.Before(cutoff) {
			continue
		}
		if !h.registry.Release(entry.conn) {
			continue
		}
		entry.conn.Close()

		h.logger.Warn("evicting stale device",
			"device_id", entry.DeviceID,
			"last_heartbeat", entry.LastHeartbeat,
			"stale_timeout", h.staleTimeout)

		if err := h.store.UpsertDeviceStatus(ctx, entry.DeviceID, store.StatusOffline, now); err != nil {
			h.logger.Error("offline status write failed", "device_id", entry.DeviceID, "error", err)
		}
	}
}
