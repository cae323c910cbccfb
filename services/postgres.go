package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dhtlogger/models"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		temperature DOUBLE PRECISION NOT NULL,
		humidity DOUBLE PRECISION NOT NULL,
		UNIQUE (device_id, recorded_at)
	)`,
	`CREATE INDEX IF NOT EXISTS measurements_recorded_at_idx ON measurements (recorded_at)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// OpenDatabase connects to Postgres, retrying with exponential backoff
// until the server answers or ctx is done.
func OpenDatabase(ctx context.Context, dsn string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("Failed to reach database",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable after %d attempts: %w", attempt, err)
	}

	logger.Info("Connected to database", zap.Int("attempts", attempt))
	return db, nil
}

// EnsureSchema creates the tables the service needs when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PostgresMeasurementRepository stores measurements in the measurements table.
type PostgresMeasurementRepository struct {
	db *sql.DB
}

func NewPostgresMeasurementRepository(db *sql.DB) *PostgresMeasurementRepository {
	return &PostgresMeasurementRepository{db: db}
}

func (r *PostgresMeasurementRepository) Insert(ctx context.Context, m *models.Measurement) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO measurements (device_id, recorded_at, temperature, humidity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, recorded_at) DO NOTHING`,
		m.DeviceID, m.Timestamp.UTC(), m.Temperature, m.Humidity)
	if err != nil {
		return false, fmt.Errorf("insert measurement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert measurement: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresMeasurementRepository) Latest(ctx context.Context) (*models.Measurement, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT device_id, recorded_at, temperature, humidity
		FROM measurements
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`)
	m, err := scanMeasurement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest measurement: %w", err)
	}
	return m, nil
}

func (r *PostgresMeasurementRepository) All(ctx context.Context) ([]*models.Measurement, error) {
	return r.query(ctx, `
		SELECT device_id, recorded_at, temperature, humidity
		FROM measurements
		ORDER BY recorded_at ASC, id ASC`)
}

func (r *PostgresMeasurementRepository) ByDevice(ctx context.Context, deviceID string) ([]*models.Measurement, error) {
	return r.query(ctx, `
		SELECT device_id, recorded_at, temperature, humidity
		FROM measurements
		WHERE device_id = $1
		ORDER BY recorded_at ASC, id ASC`, deviceID)
}

func (r *PostgresMeasurementRepository) query(ctx context.Context, q string, args ...any) ([]*models.Measurement, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	var out []*models.Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(row rowScanner) (*models.Measurement, error) {
	var m models.Measurement
	if err := row.Scan(&m.DeviceID, &m.Timestamp, &m.Temperature, &m.Humidity); err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}

// PostgresKeyValueStore keeps settings in the settings table. Updates of one
// key are serialized with a transaction-scoped advisory lock.
type PostgresKeyValueStore struct {
	db *sql.DB
}

func NewPostgresKeyValueStore(db *sql.DB) *PostgresKeyValueStore {
	return &PostgresKeyValueStore{db: db}
}

func (s *PostgresKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresKeyValueStore) Update(ctx context.Context, key string, fn func(string, bool) (string, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin setting update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("lock setting %s: %w", key, err)
	}

	var current string
	found := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return fmt.Errorf("read setting %s: %w", key, err)
	}

	next, err := fn(current, found)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, next); err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit setting %s: %w", key, err)
	}
	return nil
}

// PostgresRecipientSource loads alert recipients with a configured query
// returning one email column, e.g. SELECT email FROM users.
type PostgresRecipientSource struct {
	db    *sql.DB
	query string
}

func NewPostgresRecipientSource(db *sql.DB, query string) *PostgresRecipientSource {
	return &PostgresRecipientSource{db: db, query: query}
}

func (s *PostgresRecipientSource) Recipients(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email sql.NullString
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if e := strings.TrimSpace(email.String); email.Valid && e != "" {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}
