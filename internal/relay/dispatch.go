package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roomdeck/roomdeck/internal/store"
	"github.com/roomdeck/roomdeck/pkg/protocol"
)

// SendToDevice delivers one frame to a single device. It reports false when
// the device has no live connection or the write fails; delivery is
// at-most-once and a failed write is left to the read loop to clean up.
func (h *Hub) SendToDevice(deviceID, frameType string, payload any) bool {
	c, ok := h.registry.Get(deviceID)
	if !ok {
		return false
	}

	if err := c.WriteFrame(frameType, payload); err != nil {
		h.logger.Warn("device write failed", "device_id", deviceID, "type", frameType, "error", err)
		return false
	}
	return true
}

// Broadcast fans a frame out to every connected device except
// excludeDeviceID (pass "" to reach all). Per-device write failures are
// logged and do not stop the fan-out. Returns the number of successful
// deliveries.
func (h *Hub) Broadcast(frameType string, payload any, excludeDeviceID string) int {
	sent := 0
	for _, c := range h.registry.Conns() {
		if c.DeviceID() == excludeDeviceID {
			continue
		}
		if err := c.WriteFrame(frameType, payload); err != nil {
			h.logger.Warn("broadcast write failed", "device_id", c.DeviceID(), "type", frameType, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// PushDeviceConfig sends a config_update frame to a connected device.
// Returns false if the device is not connected.
func (h *Hub) PushDeviceConfig(deviceID string, config json.RawMessage) bool {
	return h.SendToDevice(deviceID, protocol.TypeConfigUpdate, protocol.ConfigUpdate{Config: config})
}

// SendCommand relays an operator command to a connected device. Returns
// false if the device is not connected or the write fails.
func (h *Hub) SendCommand(deviceID, name string, args json.RawMessage) bool {
	return h.SendToDevice(deviceID, protocol.TypeCommand, protocol.Command{Name: name, Args: args})
}

// BroadcastCommand fans an operator command out to every connected device.
// Returns the number of successful deliveries.
func (h *Hub) BroadcastCommand(name string, args json.RawMessage) int {
	return h.Broadcast(protocol.TypeCommand, protocol.Command{Name: name, Args: args}, "")
}

// DisconnectDevice force-closes a device's live connection on operator
// request and marks the device offline. Returns false when the device has no
// live connection. The evicted read loop's own cleanup short-circuits on
// Release, so the offline status is written exactly once.
func (h *Hub) DisconnectDevice(ctx context.Context, deviceID string) bool {
	c, ok := h.registry.Remove(deviceID)
	if !ok {
		return false
	}
	c.Close()

	if err := h.store.UpsertDeviceStatus(ctx, deviceID, store.StatusOffline, time.Now()); err != nil {
		h.logger.Error("offline status write failed", "device_id", deviceID, "error", err)
	}
	h.logger.Info("device disconnected by operator", "device_id", deviceID)
	return true
}

// ConnectedCount returns the number of live device connections.
func (h *Hub) ConnectedCount() int {
	return h.registry.Count()
}

// ConnectedDeviceIDs returns the IDs of all live device connections.
func (h *Hub) ConnectedDeviceIDs() []string {
	conns := h.registry.Conns()
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.DeviceID())
	}
	return ids
}

// IsConnected reports whether a device has a live connection.
func (h *Hub) IsConnected(deviceID string) bool {
	_, ok := h.registry.Get(deviceID)
	return ok
}
