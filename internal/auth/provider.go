package auth

import (
	"context"
	"time"

	"github.com/roomdeck/roomdeck/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	OperatorID string
	Username   string
	Role       string // "admin" or "operator"
}

// Provider validates operator bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.Operator, error)
}

// DeviceAuthProvider validates and mints device credentials. Credential
// issuance itself is external; the hub only checks what a device presents.
type DeviceAuthProvider interface {
	ValidateDeviceCredentials(deviceID, token string) bool
	GenerateDeviceToken(deviceID string) string
	DeviceTokenLifetime() time.Duration
}
