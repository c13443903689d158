package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"home-bridge/internal/models"
)

// ClickHouseDB stores telemetry and alerts in ClickHouse
type ClickHouseDB struct {
	conn   driver.Conn
	logger *slog.Logger
}

// ClickHouseConfig holds ClickHouse connection settings
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(ctx context.Context, cfg ClickHouseConfig, logger *slog.Logger) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger = logger.With("component", "clickhouse")
	logger.Info("connected to ClickHouse", "addr", cfg.Addr, "database", cfg.Database)

	db := &ClickHouseDB{conn: conn, logger: logger}
	if err := db.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	db.logger.Info("database schema initialized")
	return nil
}

// SaveSensorReading appends a sensor reading
func (db *ClickHouseDB) SaveSensorReading(ctx context.Context, r *models.SensorReading) error {
	query := `
		INSERT INTO sensor_readings (timestamp, device_id, house_id, flame_detected, gas_level,
			human_detected, light_intensity, temperature, humidity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		r.Timestamp,
		r.DeviceID,
		int32(r.HouseID),
		r.FlameDetected,
		r.GasLevel,
		int32(r.HumanDetected),
		int32(r.LightIntensity),
		r.Temperature,
		r.Humidity,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	return nil
}

// SaveAlert inserts a new alert row, assigning an id when a has none
func (db *ClickHouseDB) SaveAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query := `
		INSERT INTO alerts (id, device_id, house_id, alert_type, severity, message, resolved, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		a.ID,
		a.DeviceID,
		int32(a.HouseID),
		string(a.Type),
		string(a.Severity),
		a.Message,
		a.Resolved,
		a.CreatedAt,
		a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// ResolveAlert marks an alert resolved. The mutation runs synchronously so
// a following read sees it.
func (db *ClickHouseDB) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrAlertNotFound
	}

	var count uint64
	row := db.conn.QueryRow(ctx, `SELECT count() FROM alerts WHERE id = toUUID(?) AND resolved = false`, id)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("failed to look up alert %s: %w", id, err)
	}
	if count == 0 {
		return ErrAlertNotFound
	}

	syncCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
	err := db.conn.Exec(syncCtx, resolveAlertMutation, at, id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", id, err)
	}

	return nil
}

// resolveAlertMutation only touches unresolved rows so a concurrent
// resolve keeps the first resolved_at
const resolveAlertMutation = `ALTER TABLE alerts UPDATE resolved = true, resolved_at = ? WHERE id = toUUID(?) AND resolved = false`

// RecentAlerts returns the newest alerts first
func (db *ClickHouseDB) RecentAlerts(ctx context.Context, limit int, unresolvedOnly bool) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `
		SELECT toString(id), device_id, house_id, alert_type, severity, message, resolved, created_at, resolved_at
		FROM alerts
	`
	if unresolvedOnly {
		query += ` WHERE resolved = false`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0, limit)
	for rows.Next() {
		var (
			a         models.Alert
			houseID   int32
			alertType string
			severity  string
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &houseID, &alertType, &severity,
			&a.Message, &a.Resolved, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.HouseID = int(houseID)
		a.Type = models.AlertType(alertType)
		a.Severity = models.Severity(severity)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		db.logger.Info("ClickHouse connection closed")
	}
	return nil
}
