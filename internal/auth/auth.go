// Package auth provides authentication for operators and devices.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/roomdeck/roomdeck/internal/config"
	"github.com/roomdeck/roomdeck/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOperatorExists     = errors.New("operator already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the operator JWT token claims.
type Claims struct {
	OperatorID string `json:"oid"`
	Username   string `json:"usr"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles authentication operations.
// It implements Provider, LoginProvider, and DeviceAuthProvider.
type Service struct {
	store               store.Store
	jwtSecret           []byte
	jwtExpiry           time.Duration
	deviceTokens        map[string]string // device_id -> static token
	deviceTokenSecret   string            // HMAC secret for time-limited tokens
	deviceTokenLifetime time.Duration
	initialAdmin        *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	tokens := make(map[string]string)
	for _, d := range cfg.DeviceTokens {
		tokens[d.DeviceID] = d.Token
	}

	return &Service{
		store:               s,
		jwtSecret:           []byte(cfg.JWTSecret),
		jwtExpiry:           cfg.JWTExpiry.Duration,
		deviceTokens:        tokens,
		deviceTokenSecret:   cfg.DeviceTokenSecret,
		deviceTokenLifetime: cfg.DeviceTokenLifetime.Duration,
		initialAdmin:        cfg.InitialAdmin,
	}
}

// DeviceTokenLifetime returns the lifetime for generated device tokens.
func (s *Service) DeviceTokenLifetime() time.Duration {
	return s.deviceTokenLifetime
}

// GenerateDeviceToken creates a time-limited HMAC token for a device.
// Token format: {deviceID}:{timestamp}:{hmac-sha256(deviceID+timestamp, secret)}
func (s *Service) GenerateDeviceToken(deviceID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.deviceTokenSecret))
	mac.Write([]byte(deviceID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return deviceID + ":" + ts + ":" + sig
}

// ValidateDeviceCredentials checks the token a device presented at auth.
// Time-limited HMAC tokens are tried first, then the static token list. A
// device with no configured token material passes on existence alone; the
// registry's device-known check is the real gate in that deployment shape.
func (s *Service) ValidateDeviceCredentials(deviceID, token string) bool {
	if s.deviceTokenSecret != "" {
		if id, err := s.validateTimeLimitedToken(token); err == nil && id == deviceID {
			return true
		}
	}
	if expected, ok := s.deviceTokens[deviceID]; ok {
		return hmac.Equal([]byte(expected), []byte(token))
	}
	// No token material configured for this device.
	return s.deviceTokenSecret == ""
}

// validateTimeLimitedToken verifies an HMAC device token and returns the device ID.
func (s *Service) validateTimeLimitedToken(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}

	deviceID, tsStr, sig := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, []byte(s.deviceTokenSecret))
	mac.Write([]byte(deviceID + ":" + tsStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", errors.New("invalid token signature")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}

	age := time.Since(time.Unix(ts, 0))
	if age > s.deviceTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", errors.New("token from the future")
	}

	return deviceID, nil
}

// Bootstrap creates the initial admin operator if configured and missing.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetOperator(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing operator: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateOperator(ctx, &store.Operator{
		ID:           uuid.New().String(),
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	})
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login authenticates an operator and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	op, err := s.store.GetOperator(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get operator: %w", err)
	}
	if op == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(op)
}

// Register creates a new operator account.
func (s *Service) Register(ctx context.Context, username, password, role string) (*store.Operator, error) {
	existing, err := s.store.GetOperator(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrOperatorExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "operator"
	}

	op := &store.Operator{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateOperator(ctx, op); err != nil {
		return nil, fmt.Errorf("create operator: %w", err)
	}

	return op, nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		OperatorID: claims.OperatorID,
		Username:   claims.Username,
		Role:       claims.Role,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(op *store.Operator) (string, error) {
	claims := &Claims{
		OperatorID: op.ID,
		Username:   op.Username,
		Role:       op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
