package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomdeck/roomdeck/pkg/protocol"
)

// deviceSocket is the subset of *websocket.Conn the relay writes to. Tests
// substitute a recording fake.
type deviceSocket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one live device session. The socket is exclusively owned by the
// Conn and closed exactly once, whether by eviction, replacement, or normal
// disconnect.
type Conn struct {
	sock      deviceSocket
	writeMu   sync.Mutex
	closeOnce sync.Once

	// deviceID is set once, on successful auth, before the Conn enters the
	// Registry. Empty means unauthenticated.
	deviceID string

	// lastHeartbeat is guarded by the owning Registry's lock.
	lastHeartbeat time.Time
}

func newConn(sock deviceSocket) *Conn {
	return &Conn{sock: sock}
}

// DeviceID returns the authenticated device identifier, or "" before auth.
func (c *Conn) DeviceID() string {
	return c.deviceID
}

// WriteFrame marshals an envelope and writes it under the connection's write
// mutex. No registry lock is held during the write.
func (c *Conn) WriteFrame(frameType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	data, err := json.Marshal(protocol.Envelope{
		Type:      frameType,
		Timestamp: time.Now(),
		Payload:   raw,
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket. Safe to call from multiple goroutines;
// only the first call reaches the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.sock.Close()
	})
}
