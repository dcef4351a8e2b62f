// Package api provides the HTTP control-plane API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/roomdeck/roomdeck/internal/auth"
	"github.com/roomdeck/roomdeck/internal/config"
	"github.com/roomdeck/roomdeck/internal/relay"
	"github.com/roomdeck/roomdeck/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	deviceAuth    auth.DeviceAuthProvider
	hub           *relay.Hub
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, da auth.DeviceAuthProvider, hub *relay.Hub, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		deviceAuth:    da,
		hub:           hub,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeaders)
	mux.Use(corsFor(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Device WebSocket route (auth handled inside, via the auth frame)
	mux.Get("/ws/device", hub.HandleDeviceWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.requireOperator)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/fleet/status", srv.handleFleetStatus)
		r.Get("/api/devices", srv.handleListDevices)
		r.Get("/api/devices/{deviceID}", srv.handleGetDevice)
		r.Get("/api/devices/{deviceID}/metrics", srv.handleListMetrics)
		r.Post("/api/devices/{deviceID}/command", srv.handleSendCommand)
		r.Post("/api/broadcast", srv.handleBroadcast)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.requireAdmin)
			r.Post("/api/devices", srv.handleRegisterDevice)
			r.Put("/api/devices/{deviceID}/config", srv.handleUpdateDeviceConfig)
			r.Post("/api/devices/{deviceID}/token", srv.handleMintDeviceToken)
			r.Post("/api/devices/{deviceID}/disconnect", srv.handleDisconnectDevice)
			r.Get("/api/operators", srv.handleListOperators)
			// Operator management only available with builtin auth.
			if lp != nil {
				r.Post("/api/operators", srv.handleCreateOperator)
			}
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.OperatorID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Device handlers ---

// deviceResponse enriches a stored device with its live connection state.
// The store's status column can lag the registry by one sweep; the registry
// is authoritative for "connected".
type deviceResponse struct {
	store.Device
	Connected bool `json:"connected"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	result := make([]deviceResponse, len(devices))
	for i, d := range devices {
		result[i] = deviceResponse{Device: d, Connected: s.hub.IsConnected(d.ID)}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, deviceResponse{Device: *dev, Connected: s.hub.IsConnected(deviceID)})
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	metrics, err := s.store.ListMetrics(r.Context(), deviceID, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}
	if metrics == nil {
		metrics = []store.Metric{}
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "command name is required")
		return
	}

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	if !s.hub.SendCommand(deviceID, req.Name, req.Args) {
		writeError(w, http.StatusBadGateway, "device is not connected")
		return
	}

	identity := identityFrom(r.Context())
	s.logger.Info("command relayed", "device_id", deviceID, "command", req.Name, "operator", identity.Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "command name is required")
		return
	}

	sent := s.hub.BroadcastCommand(req.Name, req.Args)

	identity := identityFrom(r.Context())
	s.logger.Info("command broadcast", "command", req.Name, "sent", sent, "operator", identity.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "count": sent})
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	byStatus := map[string]int{}
	for _, d := range devices {
		byStatus[d.Status]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registered": len(devices),
		"connected":  s.hub.ConnectedCount(),
		"by_status":  byStatus,
	})
}

// --- Admin handlers ---

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Room string `json:"room,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	dev := &store.Device{
		ID:        req.ID,
		Name:      req.Name,
		Room:      req.Room,
		Status:    store.StatusOffline,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateDevice(r.Context(), dev); err != nil {
		if errors.Is(err, store.ErrDeviceExists) {
			writeError(w, http.StatusConflict, "device already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	identity := identityFrom(r.Context())
	s.logger.Info("device registered", "device_id", dev.ID, "name", dev.Name, "operator", identity.Username)
	writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleUpdateDeviceConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	deviceID := chi.URLParam(r, "deviceID")

	var cfg json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "config must be valid JSON")
		return
	}

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	if err := s.store.UpdateDeviceConfig(r.Context(), deviceID, string(cfg)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}

	// A disconnected device picks the config up in its next auth_success.
	pushed := s.hub.PushDeviceConfig(deviceID, cfg)

	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "pushed": pushed})
}

func (s *Server) handleMintDeviceToken(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	token := s.deviceAuth.GenerateDeviceToken(deviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": time.Now().Add(s.deviceAuth.DeviceTokenLifetime()),
	})
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if !s.hub.DisconnectDevice(r.Context(), deviceID) {
		writeError(w, http.StatusNotFound, "device is not connected")
		return
	}

	identity := identityFrom(r.Context())
	s.logger.Info("device disconnected", "device_id", deviceID, "operator", identity.Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	operators, err := s.store.ListOperators(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list operators")
		return
	}
	if operators == nil {
		operators = []store.Operator{}
	}
	writeJSON(w, http.StatusOK, operators)
}

func (s *Server) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	op, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, op)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
