// Package store defines the persistence interface for the hub and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceExists is returned by CreateDevice for a duplicate device ID.
var ErrDeviceExists = errors.New("device already exists")

// Device status values. The relay core only ever writes these; it never
// reads a status back to make decisions.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Devices
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	DeviceExists(ctx context.Context, id string) (bool, error)
	UpsertDeviceStatus(ctx context.Context, id, status string, lastSeen time.Time) error
	UpdateDeviceConfig(ctx context.Context, id, config string) error

	// Metrics
	AppendMetric(ctx context.Context, m *Metric) error
	ListMetrics(ctx context.Context, deviceID string, since time.Time, limit int) ([]Metric, error)
	PurgeOldMetrics(ctx context.Context, before time.Time) (int64, error)

	// Operators
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, username string) (*Operator, error)
	GetOperatorByID(ctx context.Context, id string) (*Operator, error)
	ListOperators(ctx context.Context) ([]Operator, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Device is one registered meeting-room device.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Room      string    `json:"room,omitempty"`
	Status    string    `json:"status"` // "online", "offline", "error"
	LastSeen  time.Time `json:"last_seen"`
	Config    string    `json:"config,omitempty"` // JSON blob, opaque to the hub
	CreatedAt time.Time `json:"created_at"`
}

// Metric is one appended telemetry sample. Rows are append-only; the hub
// never mutates or reads them back outside the operator API.
type Metric struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"` // JSON blob, schemaless
	CreatedAt time.Time `json:"created_at"`
}

// Operator is a human user of the control-plane API.
type Operator struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "operator"
	CreatedAt    time.Time `json:"created_at"`
}
