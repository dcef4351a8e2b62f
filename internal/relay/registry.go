package relay

import (
	"sync"
	"time"
)

// Registry is the concurrency-safe map from device ID to live connection.
// It is the only shared mutable state in the relay: the per-connection read
// loops, the sweeper, and operator-triggered dispatch all interleave here.
// Critical sections are map mutation only; socket I/O always happens outside.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// Liveness is a point-in-time view of one registry entry, taken by Snapshot.
type Liveness struct {
	DeviceID      string
	LastHeartbeat time.Time

	conn *Conn // lets the sweeper evict exactly the connection it observed
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Put installs c under its device ID and returns the connection it replaced,
// if any, for the caller to close (last-auth-wins). Re-putting the same
// connection only refreshes its heartbeat. The swap is atomic: no reader
// ever observes a half-replaced entry.
func (r *Registry) Put(c *Conn) (replaced *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[c.deviceID]
	if prev == c {
		c.lastHeartbeat = time.Now()
		return nil
	}
	r.conns[c.deviceID] = c
	c.lastHeartbeat = time.Now()
	return prev
}

// Touch advances the device's lastHeartbeat to now. Returns false if the
// device has no live connection.
func (r *Registry) Touch(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[deviceID]
	if !ok {
		return false
	}
	c.lastHeartbeat = time.Now()
	return true
}

// Get returns the live connection for a device, if any.
func (r *Registry) Get(deviceID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[deviceID]
	return c, ok
}

// Release removes c from the registry if it is still the registered
// connection for its device. It returns false when the entry is already gone
// or has been replaced by a newer connection, which lets disconnect paths
// short-circuit instead of double-writing offline status. Idempotent.
func (r *Registry) Release(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[c.deviceID] != c {
		return false
	}
	delete(r.conns, c.deviceID)
	return true
}

// Remove removes and returns the connection for a device, if present.
// Operator-initiated eviction goes through it; internal cleanup paths use the
// pointer-keyed Release instead.
func (r *Registry) Remove(deviceID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[deviceID]
	if !ok {
		return nil, false
	}
	delete(r.conns, deviceID)
	return c, true
}

// Snapshot returns a point-in-time copy of (deviceID, lastHeartbeat) pairs.
// The copy is taken under a read lock so a sweep never blocks inbound traffic
// for its full duration.
func (r *Registry) Snapshot() []Liveness {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Liveness, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, Liveness{DeviceID: id, LastHeartbeat: c.lastHeartbeat, conn: c})
	}
	return out
}

// Conns returns a point-in-time copy of all live connections, for fan-out.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
