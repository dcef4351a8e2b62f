// Package relay implements the device-facing WebSocket hub: connection
// registry, message dispatch, liveness sweeping, and outbound delivery.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roomdeck/roomdeck/internal/store"
	"github.com/roomdeck/roomdeck/pkg/protocol"
)

// DeviceAuthenticator validates the credentials a device presents at auth.
type DeviceAuthenticator interface {
	ValidateDeviceCredentials(deviceID, token string) bool
}

// Options configures a Hub.
type Options struct {
	Store      store.Store
	DeviceAuth DeviceAuthenticator
	Logger     *slog.Logger

	SweepInterval   time.Duration // staleness scan interval; default 30s
	StaleTimeout    time.Duration // heartbeat silence before eviction; default 60s
	MaxMessageBytes int64         // read limit per device frame; default 64KB
	AllowedOrigins  []string      // WebSocket origin allowlist; default any
}

// Hub owns all live device connections. HTTP handlers, the sweeper, and the
// operator API all go through it; it is safe for concurrent use.
type Hub struct {
	store      store.Store
	deviceAuth DeviceAuthenticator
	registry   *Registry
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	sweepInterval   time.Duration
	staleTimeout    time.Duration
	maxMessageBytes int64
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = 60 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}

	return &Hub{
		store:           opts.Store,
		deviceAuth:      opts.DeviceAuth,
		registry:        NewRegistry(),
		logger:          opts.Logger.With("component", "relay"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		sweepInterval:   opts.SweepInterval,
		staleTimeout:    opts.StaleTimeout,
		maxMessageBytes: opts.MaxMessageBytes,
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleDeviceWS upgrades an HTTP request to a device WebSocket session and
// runs its read loop until the socket drops or the device is evicted.
func (h *Hub) HandleDeviceWS(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sock.SetReadLimit(h.maxMessageBytes)
	c := newConn(sock)
	ctx := context.WithoutCancel(r.Context())
	defer h.dropConn(ctx, c)

	// Pongs ride the same read loop, so touching liveness here is race-free.
	sock.SetPongHandler(func(string) error {
		if id := c.DeviceID(); id != "" {
			h.registry.Touch(id)
		}
		return nil
	})
	stopKeepalive := h.startKeepalive(sock)
	defer stopKeepalive()

	if err := c.WriteFrame(protocol.TypeWelcome, protocol.Welcome{Protocol: protocol.Version}); err != nil {
		h.logger.Warn("welcome write failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("device socket closed", "device_id", c.DeviceID(), "error", err)
			}
			return
		}

		if err := h.handleFrame(ctx, c, data); err != nil {
			return
		}
	}
}

// handleFrame decodes and dispatches one inbound frame. A returned error
// terminates the session; protocol-level problems are answered with an error
// frame and a nil return so the connection survives.
func (h *Hub) handleFrame(ctx context.Context, c *Conn, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		code := protocol.CodeBadPayload
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		h.sendError(c, protocol.TypeError, code, err.Error())
		return nil
	}

	auth, isAuth := msg.(*protocol.AuthRequest)
	if c.DeviceID() == "" {
		if !isAuth {
			h.sendError(c, protocol.TypeError, protocol.CodeNotAuthenticated, "authenticate first")
			return nil
		}
		return h.handleAuth(ctx, c, auth)
	}

	// Every authenticated frame counts as proof of life.
	h.registry.Touch(c.DeviceID())

	switch m := msg.(type) {
	case *protocol.AuthRequest:
		if m.DeviceID != c.DeviceID() {
			h.sendError(c, protocol.TypeError, protocol.CodeBadPayload, "device id cannot change mid-session")
			return nil
		}
		// Re-auth with the same identity refreshes liveness, nothing more.
		return nil
	case *protocol.Heartbeat:
		return nil
	case *protocol.StatusUpdate:
		h.handleStatus(ctx, c, m)
	case *protocol.MetricsReport:
		h.handleMetrics(ctx, c, m)
	case *protocol.MeetingEvent:
		h.handleMeetingEvent(ctx, c, m)
	}
	return nil
}

// handleAuth validates the device's credentials and installs the connection
// in the registry. A rejected auth answers with an auth_error frame and
// leaves the connection unauthenticated so the device can retry on the same
// socket; only a transport write failure is fatal.
func (h *Hub) handleAuth(ctx context.Context, c *Conn, req *protocol.AuthRequest) error {
	if req.DeviceID == "" {
		h.sendError(c, protocol.TypeAuthError, protocol.CodeBadPayload, "device_id is required")
		return nil
	}

	known, err := h.store.DeviceExists(ctx, req.DeviceID)
	if err != nil {
		h.logger.Error("device lookup failed", "device_id", req.DeviceID, "error", err)
		h.sendError(c, protocol.TypeAuthError, protocol.CodeInternal, "internal error")
		return nil
	}
	if !known {
		// The device may get registered while this socket is up; keep the
		// session so the next auth attempt can succeed.
		h.sendError(c, protocol.TypeAuthError, protocol.CodeUnknownDevice, "device is not registered")
		return nil
	}

	if !h.deviceAuth.ValidateDeviceCredentials(req.DeviceID, req.Token) {
		h.logger.Warn("device auth rejected", "device_id", req.DeviceID)
		h.sendError(c, protocol.TypeAuthError, protocol.CodeInvalidToken, "invalid token")
		return nil
	}

	c.deviceID = req.DeviceID
	if replaced := h.registry.Put(c); replaced != nil {
		// Last auth wins. The device stays online; only the old socket goes.
		h.logger.Info("replacing existing connection", "device_id", req.DeviceID)
		replaced.Close()
	}

	if err := h.store.UpsertDeviceStatus(ctx, req.DeviceID, store.StatusOnline, time.Now()); err != nil {
		h.logger.Error("status write failed", "device_id", req.DeviceID, "error", err)
	}

	ack := protocol.AuthSuccess{DeviceID: req.DeviceID}
	if dev, err := h.store.GetDevice(ctx, req.DeviceID); err != nil {
		h.logger.Error("device read failed", "device_id", req.DeviceID, "error", err)
	} else if dev != nil && dev.Config != "" {
		ack.Config = json.RawMessage(dev.Config)
	}

	if err := c.WriteFrame(protocol.TypeAuthSuccess, ack); err != nil {
		return err
	}

	h.logger.Info("device connected", "device_id", req.DeviceID, "connected", h.registry.Count())
	return nil
}

func (h *Hub) handleStatus(ctx context.Context, c *Conn, m *protocol.StatusUpdate) {
	switch m.Status {
	case store.StatusOnline, store.StatusOffline, store.StatusError:
	default:
		h.sendError(c, protocol.TypeError, protocol.CodeBadPayload, "unknown status "+m.Status)
		return
	}

	if err := h.store.UpsertDeviceStatus(ctx, c.DeviceID(), m.Status, time.Now()); err != nil {
		h.logger.Error("status write failed", "device_id", c.DeviceID(), "error", err)
	}
}

func (h *Hub) handleMetrics(ctx context.Context, c *Conn, m *protocol.MetricsReport) {
	if m.Type == "" {
		h.sendError(c, protocol.TypeError, protocol.CodeBadPayload, "metrics type is required")
		return
	}

	err := h.store.AppendMetric(ctx, &store.Metric{
		ID:        uuid.New().String(),
		DeviceID:  c.DeviceID(),
		Type:      m.Type,
		Payload:   string(m.Payload),
		CreatedAt: time.Now(),
	})
	if err != nil {
		// Telemetry is best-effort; a failed write never costs the session.
		h.logger.Error("metric write failed", "device_id", c.DeviceID(), "type", m.Type, "error", err)
	}
}

func (h *Hub) handleMeetingEvent(ctx context.Context, c *Conn, m *protocol.MeetingEvent) {
	if m.Event != "joined" && m.Event != "left" {
		h.sendError(c, protocol.TypeError, protocol.CodeBadPayload, "unknown meeting event "+m.Event)
		return
	}

	payload, err := json.Marshal(m)
	if err == nil {
		err = h.store.AppendMetric(ctx, &store.Metric{
			ID:        uuid.New().String(),
			DeviceID:  c.DeviceID(),
			Type:      "meeting_" + m.Event,
			Payload:   string(payload),
			CreatedAt: time.Now(),
		})
	}
	if err != nil {
		h.logger.Error("meeting event write failed", "device_id", c.DeviceID(), "error", err)
	}

	h.Broadcast(protocol.TypeMeetingUpdate, protocol.MeetingUpdate{
		DeviceID:  c.DeviceID(),
		Event:     m.Event,
		MeetingID: m.MeetingID,
		Platform:  m.Platform,
	}, c.DeviceID())
}

// dropConn closes the socket and, if this connection still owns its registry
// entry, removes it and marks the device offline. A connection that was
// replaced or already evicted cleans up nothing beyond its own socket.
func (h *Hub) dropConn(ctx context.Context, c *Conn) {
	c.Close()

	if c.DeviceID() == "" {
		return
	}
	if !h.registry.Release(c) {
		return
	}

	if err := h.store.UpsertDeviceStatus(ctx, c.DeviceID(), store.StatusOffline, time.Now()); err != nil {
		h.logger.Error("offline status write failed", "device_id", c.DeviceID(), "error", err)
	}
	h.logger.Info("device disconnected", "device_id", c.DeviceID(), "connected", h.registry.Count())
}

// sendError writes an error or auth_error frame. Write failures are logged
// and otherwise ignored; the read loop notices a dead socket on its own.
func (h *Hub) sendError(c *Conn, frameType, code, message string) {
	err := c.WriteFrame(frameType, protocol.ErrorFrame{Code: code, Message: message})
	if err != nil {
		h.logger.Debug("error frame write failed", "device_id", c.DeviceID(), "code", code, "error", err)
	}
}
