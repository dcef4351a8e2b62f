package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/roomdeck/roomdeck/internal/auth"
	"github.com/roomdeck/roomdeck/internal/config"
	"github.com/roomdeck/roomdeck/internal/relay"
	"github.com/roomdeck/roomdeck/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-at-least-32-chars-long",
			JWTExpiry:           config.Duration{Duration: time.Hour},
			DeviceTokenSecret:   "device-hmac-secret",
			DeviceTokenLifetime: config.Duration{Duration: time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	hub := relay.New(relay.Options{Store: s, DeviceAuth: authSvc, Logger: slog.Default()})
	srv := NewServer(s, authSvc, authSvc, authSvc, hub, cfg, slog.Default())
	return srv, authSvc, s
}

func operatorToken(t *testing.T, authSvc *auth.Service, username, role string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, username, "testpassword123", role); err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func seedDevice(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.CreateDevice(context.Background(), &store.Device{
		ID: id, Name: "Display " + id, Room: "4a",
		Status: store.StatusOffline, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
}

func TestLogin(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	if _, err := authSvc.Register(context.Background(), "alice", "password123", ""); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["token"] == "" {
		t.Error("expected a token in the login response")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/devices", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/devices", "bogus-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", rec.Code)
	}

	token := operatorToken(t, authSvc, "alice", "")
	rec = doJSON(t, srv, http.MethodGet, "/api/devices", token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", rec.Code)
	}
}

func TestGetMe(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := operatorToken(t, authSvc, "alice", "admin")

	rec := doJSON(t, srv, http.MethodGet, "/api/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var me map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatal(err)
	}
	if me["username"] != "alice" || me["role"] != "admin" {
		t.Errorf("unexpected identity: %v", me)
	}
}

func TestListAndGetDevices(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	seedDevice(t, s, "dev-1")
	token := operatorToken(t, authSvc, "alice", "")

	rec := doJSON(t, srv, http.MethodGet, "/api/devices", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var devices []deviceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].ID != "dev-1" {
		t.Fatalf("unexpected devices: %+v", devices)
	}
	if devices[0].Connected {
		t.Error("expected disconnected device to report connected=false")
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/devices/dev-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/devices/ghost", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown device, got %d", rec.Code)
	}
}

func TestSendCommand_DeviceNotConnected(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	seedDevice(t, s, "dev-1")
	token := operatorToken(t, authSvc, "alice", "")

	rec := doJSON(t, srv, http.MethodPost, "/api/devices/dev-1/command", token, map[string]string{
		"name": "reboot",
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for an unreachable device, got %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/devices/ghost/command", token, map[string]string{
		"name": "reboot",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown device, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/devices/dev-1/command", token, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a command without a name, got %d", rec.Code)
	}
}

func TestBroadcast_EmptyFleet(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := operatorToken(t, authSvc, "alice", "")

	rec := doJSON(t, srv, http.MethodPost, "/api/broadcast", token, map[string]string{"name": "reload"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["count"] != float64(0) {
		t.Errorf("expected 0 deliveries, got %v", resp["count"])
	}
}

func TestFleetStatus(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	seedDevice(t, s, "dev-1")
	seedDevice(t, s, "dev-2")
	token := operatorToken(t, authSvc, "alice", "")

	rec := doJSON(t, srv, http.MethodGet, "/api/fleet/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Registered int            `json:"registered"`
		Connected  int            `json:"connected"`
		ByStatus   map[string]int `json:"by_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Registered != 2 || resp.Connected != 0 {
		t.Errorf("unexpected fleet status: %+v", resp)
	}
	if resp.ByStatus[store.StatusOffline] != 2 {
		t.Errorf("expected 2 offline devices, got %v", resp.ByStatus)
	}
}

func TestRegisterDevice_AdminOnly(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	opToken := operatorToken(t, authSvc, "alice", "")
	adminToken := operatorToken(t, authSvc, "root", "admin")

	body := map[string]string{"id": "dev-1", "name": "Lobby Display", "room": "lobby"}

	rec := doJSON(t, srv, http.MethodPost, "/api/devices", opToken, body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/devices", adminToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/devices", adminToken, body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate device, got %d", rec.Code)
	}
}

func TestUpdateDeviceConfig(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	seedDevice(t, s, "dev-1")
	adminToken := operatorToken(t, authSvc, "root", "admin")

	rec := doJSON(t, srv, http.MethodPut, "/api/devices/dev-1/config", adminToken,
		map[string]any{"brightness": 80})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["pushed"] != false {
		t.Error("expected pushed=false with no live connection")
	}

	dev, err := s.GetDevice(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Config != `{"brightness":80}` {
		t.Errorf("unexpected stored config: %q", dev.Config)
	}
}

func TestMintDeviceToken(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	seedDevice(t, s, "dev-1")
	adminToken := operatorToken(t, authSvc, "root", "admin")

	rec := doJSON(t, srv, http.MethodPost, "/api/devices/dev-1/token", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !authSvc.ValidateDeviceCredentials("dev-1", resp.Token) {
		t.Error("minted token must validate for its device")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/devices/ghost/token", adminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown device, got %d", rec.Code)
	}
}

func TestOperators_AdminEndpoints(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	adminToken := operatorToken(t, authSvc, "root", "admin")

	rec := doJSON(t, srv, http.MethodPost, "/api/operators", adminToken, map[string]string{
		"username": "newbie", "password": "longenough1", "role": "operator",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/operators", adminToken, map[string]string{
		"username": "x", "password": "longenough1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for short username, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/operators", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ops []store.Operator
	if err := json.Unmarshal(rec.Body.Bytes(), &ops); err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Errorf("expected 2 operators, got %d", len(ops))
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected frame deny header")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected no-store header")
	}
}

func TestDisconnectDevice_Endpoint(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	adminToken := operatorToken(t, authSvc, "admin1", "admin")
	opToken := operatorToken(t, authSvc, "op1", "operator")
	seedDevice(t, s, "dev-1")

	rec := doJSON(t, srv, http.MethodPost, "/api/devices/dev-1/disconnect", opToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rec.Code)
	}

	// No live connection for the device.
	rec = doJSON(t, srv, http.MethodPost, "/api/devices/dev-1/disconnect", adminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unconnected device, got %d", rec.Code)
	}
}
