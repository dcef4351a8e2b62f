package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			room TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			config TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id),
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_device_id ON metrics(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_created_at ON metrics(created_at)`,
		`CREATE TABLE IF NOT EXISTS operators (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'operator',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	config := d.Config
	if config == "" {
		config = "{}"
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, room, status, last_seen, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		d.ID, d.Name, d.Room, d.Status, d.LastSeen, config, d.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceExists
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, room, status, last_seen, config, created_at FROM devices WHERE id = ?", id,
	).Scan(&d.ID, &d.Name, &d.Room, &d.Status, &d.LastSeen, &d.Config, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, room, status, last_seen, config, created_at FROM devices ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Room, &d.Status, &d.LastSeen, &d.Config, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) DeviceExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE id = ?", id,
	).Scan(&count)
	return count > 0, err
}

func (s *SQLiteStore) UpsertDeviceStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, status, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, last_seen=excluded.last_seen`,
		id, status, lastSeen,
	)
	return err
}

func (s *SQLiteStore) UpdateDeviceConfig(ctx context.Context, id, config string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET config = ? WHERE id = ?", config, id,
	)
	return err
}

// --- Metrics ---

func (s *SQLiteStore) AppendMetric(ctx context.Context, m *Metric) error {
	payload := m.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metrics (id, device_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.DeviceID, m.Type, payload, m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, deviceID string, since time.Time, limit int) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, type, payload, created_at FROM metrics
		 WHERE device_id = ? AND created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		deviceID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.Type, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func (s *SQLiteStore) PurgeOldMetrics(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM metrics WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Operators ---

func (s *SQLiteStore) CreateOperator(ctx context.Context, op *Operator) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO operators (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		op.ID, op.Username, op.PasswordHash, op.Role, op.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetOperator(ctx context.Context, username string) (*Operator, error) {
	var op Operator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM operators WHERE username = ?", username,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &op, err
}

func (s *SQLiteStore) GetOperatorByID(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM operators WHERE id = ?", id,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &op, err
}

func (s *SQLiteStore) ListOperators(ctx context.Context) ([]Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, role, created_at FROM operators ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operator
	for rows.Next() {
		var op Operator
		if err := rows.Scan(&op.ID, &op.Username, &op.Role, &op.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
