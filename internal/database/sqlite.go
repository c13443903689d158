package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"home-bridge/internal/models"
)

// sqliteTime is fixed width so text columns sort chronologically
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteDB is the single-file store for installations without ClickHouse
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// one connection keeps ":memory:" a single database and serialises writers
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteDB{db: db}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema ensures the tables exist
func (s *SQLiteDB) InitSchema(ctx context.Context) error {
	for _, stmt := range SQLiteTables() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDB) SaveSensorReading(ctx context.Context, r *models.SensorReading) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (timestamp, device_id, house_id, flame_detected, gas_level,
			human_detected, light_intensity, temperature, humidity) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		ts.UTC().Format(sqliteTime),
		r.DeviceID,
		r.HouseID,
		boolToInt(r.FlameDetected),
		r.GasLevel,
		r.HumanDetected,
		r.LightIntensity,
		r.Temperature,
		r.Humidity,
	)
	if err != nil {
		return fmt.Errorf("insert sensor reading: %w", err)
	}
	return nil
}

func (s *SQLiteDB) SaveAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	var resolvedAt interface{}
	if a.ResolvedAt != nil {
		resolvedAt = a.ResolvedAt.UTC().Format(sqliteTime)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, device_id, house_id, alert_type, severity, message, resolved, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		a.ID,
		a.DeviceID,
		a.HouseID,
		string(a.Type),
		string(a.Severity),
		a.Message,
		boolToInt(a.Resolved),
		a.CreatedAt.UTC().Format(sqliteTime),
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0;`,
		at.UTC().Format(sqliteTime), id,
	)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *SQLiteDB) RecentAlerts(ctx context.Context, limit int, unresolvedOnly bool) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT id, device_id, house_id, alert_type, severity, message, resolved, created_at, resolved_at FROM alerts`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a          models.Alert
			alertType  string
			severity   string
			resolved   int
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.HouseID, &alertType, &severity,
			&a.Message, &resolved, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}

		a.Type = models.AlertType(alertType)
		a.Severity = models.Severity(severity)
		a.Resolved = resolved != 0
		if a.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of alert %s: %w", a.ID, err)
		}
		if resolvedAt.Valid {
			t, err := time.Parse(sqliteTime, resolvedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse resolved_at of alert %s: %w", a.ID, err)
			}
			a.ResolvedAt = &t
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// CountReadings returns the number of stored readings for deviceID
func (s *SQLiteDB) CountReadings(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sensor_readings WHERE device_id = ?;`, deviceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle
func (s *SQLiteDB) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
