package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"device_tokens": [
				{"device_id": "room-01", "token": "tok-1"}
			],
			"device_token_secret": "hmac-secret",
			"device_token_lifetime": "30m",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"relay": {
			"sweep_interval": "10s",
			"stale_timeout": "45s",
			"max_message_bytes": 32768
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}

	if cfg.Auth.JWTSecret != "my-super-secret-jwt-key-at-least-32" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if len(cfg.Auth.DeviceTokens) != 1 || cfg.Auth.DeviceTokens[0].DeviceID != "room-01" {
		t.Errorf("Auth.DeviceTokens: got %v", cfg.Auth.DeviceTokens)
	}
	if cfg.Auth.DeviceTokenSecret != "hmac-secret" {
		t.Errorf("Auth.DeviceTokenSecret: got %q", cfg.Auth.DeviceTokenSecret)
	}
	if cfg.Auth.DeviceTokenLifetime.Duration != 30*time.Minute {
		t.Errorf("Auth.DeviceTokenLifetime: got %v", cfg.Auth.DeviceTokenLifetime.Duration)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("Auth.InitialAdmin: got %v", cfg.Auth.InitialAdmin)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage: got %+v", cfg.Storage)
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v", cfg.Storage.Retention.Duration)
	}

	if cfg.Relay.SweepInterval.Duration != 10*time.Second {
		t.Errorf("Relay.SweepInterval: got %v", cfg.Relay.SweepInterval.Duration)
	}
	if cfg.Relay.StaleTimeout.Duration != 45*time.Second {
		t.Errorf("Relay.StaleTimeout: got %v", cfg.Relay.StaleTimeout.Duration)
	}
	if cfg.Relay.MaxMessageBytes != 32768 {
		t.Errorf("Relay.MaxMessageBytes: got %d", cfg.Relay.MaxMessageBytes)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"storage": {}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.DeviceTokenLifetime.Duration != 24*time.Hour {
		t.Errorf("default DeviceTokenLifetime: got %v", cfg.Auth.DeviceTokenLifetime.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default storage driver: got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Retention.Duration != 30*24*time.Hour {
		t.Errorf("default retention: got %v", cfg.Storage.Retention.Duration)
	}
	if cfg.Relay.SweepInterval.Duration != 30*time.Second {
		t.Errorf("default sweep interval: got %v", cfg.Relay.SweepInterval.Duration)
	}
	if cfg.Relay.StaleTimeout.Duration != 60*time.Second {
		t.Errorf("default stale timeout: got %v", cfg.Relay.StaleTimeout.Duration)
	}
	if cfg.Relay.MaxMessageBytes != 64*1024 {
		t.Errorf("default max message bytes: got %d", cfg.Relay.MaxMessageBytes)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default logging: got %+v", cfg.Logging)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default max body bytes: got %d", cfg.Server.MaxBodyBytes)
	}
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name:    "missing addr",
			json:    `{"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}}`,
			wantErr: "server.addr",
		},
		{
			name:    "missing jwt secret for builtin",
			json:    `{"server": {"addr": ":8080"}}`,
			wantErr: "jwt_secret",
		},
		{
			name:    "short jwt secret",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`,
			wantErr: "at least 32",
		},
		{
			name:    "weak jwt secret",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			wantErr: "weak secret",
		},
		{
			name:    "jwks without issuer",
			json:    `{"server": {"addr": ":8080"}, "auth": {"provider": "jwks"}}`,
			wantErr: "jwks_issuer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.json)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDuration_NumericSeconds(t *testing.T) {
	path := writeTempConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"relay": {"stale_timeout": 90}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.StaleTimeout.Duration != 90*time.Second {
		t.Errorf("numeric duration: got %v", cfg.Relay.StaleTimeout.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("secrets must not repeat")
	}
}
