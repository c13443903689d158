package database

import (
	"context"
	"errors"
	"time"

	"home-bridge/internal/models"
)

// ErrAlertNotFound is returned when resolving an unknown or already
// resolved alert
var ErrAlertNotFound = errors.New("alert not found")

// Store is the persistence surface shared by the ClickHouse and SQLite
// backends
type Store interface {
	SaveSensorReading(ctx context.Context, r *models.SensorReading) error
	SaveAlert(ctx context.Context, a *models.Alert) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
	RecentAlerts(ctx context.Context, limit int, unresolvedOnly bool) ([]models.Alert, error)
	Close() error
}

var (
	_ Store = (*ClickHouseDB)(nil)
	_ Store = (*SQLiteDB)(nil)
)
