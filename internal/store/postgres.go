package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			room TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			config JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id),
			type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_device_id ON metrics(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_created_at ON metrics(created_at)`,
		`CREATE TABLE IF NOT EXISTS operators (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'operator',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *PostgresStore) CreateDevice(ctx context.Context, d *Device) error {
	config := d.Config
	if config == "" {
		config = "{}"
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, room, status, last_seen, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT(id) DO NOTHING`,
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

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, room, status, last_seen, config, created_at FROM devices WHERE id = $1", id,
	).Scan(&d.ID, &d.Name, &d.Room, &d.Status, &d.LastSeen, &d.Config, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]Device, error) {
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

func (s *PostgresStore) DeviceExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE id = $1", id,
	).Scan(&count)
	return count > 0, err
}

func (s *PostgresStore) UpsertDeviceStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, status, last_seen) VALUES ($1, $2, $3)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, last_seen=excluded.last_seen`,
		id, status, lastSeen,
	)
	return err
}

func (s *PostgresStore) UpdateDeviceConfig(ctx context.Context, id, config string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET config = $1 WHERE id = $2", config, id,
	)
	return err
}

// --- Metrics ---

func (s *PostgresStore) AppendMetric(ctx context.Context, m *Metric) error {
	payload := m.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metrics (id, device_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)",
		m.ID, m.DeviceID, m.Type, payload, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListMetrics(ctx context.Context, deviceID string, since time.Time, limit int) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, type, payload, created_at FROM metrics
		 WHERE device_id = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3`,
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

func (s *PostgresStore) PurgeOldMetrics(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM metrics WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Operators ---

func (s *PostgresStore) CreateOperator(ctx context.Context, op *Operator) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO operators (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		op.ID, op.Username, op.PasswordHash, op.Role, op.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOperator(ctx context.Context, username string) (*Operator, error) {
	var op Operator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM operators WHERE username = $1", username,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &op, err
}

func (s *PostgresStore) GetOperatorByID(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM operators WHERE id = $1", id,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &op, err
}

func (s *PostgresStore) ListOperators(ctx context.Context) ([]Operator, error) {
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
