package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 20 * time.Second
	pingWriteWait = 5 * time.Second
)

// startKeepalive pings the socket on a fixed interval so NAT and proxy
// timeouts do not silently kill idle device connections. The returned stop
// function is idempotent. WriteControl is safe alongside WriteMessage, so no
// shared lock with WriteFrame is needed.
func (h *Hub) startKeepalive(sock *websocket.Conn) (stop func()) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(pingWriteWait)
				if err := sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					h.logger.Debug("keepalive ping failed", "remote", sock.RemoteAddr(), "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
