package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"home-bridge/internal/models"
)

// loadDevicesQuery reads the wiring columns of the app's devices table
const loadDevicesQuery = `
	SELECT id::text, device_type, module, device
	FROM devices
	WHERE module IS NOT NULL AND device IS NOT NULL
	ORDER BY id
`

// PostgresDirectory mirrors the devices table into a StaticDirectory.
// Lookups never touch the database; Refresh swaps in a freshly loaded
// and validated table.
type PostgresDirectory struct {
	*StaticDirectory

	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresDirectory connects to Postgres and performs the initial load.
// A table that fails topology validation is a startup error.
func NewPostgresDirectory(ctx context.Context, url string, logger *slog.Logger) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to configure postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres not reachable: %w", err)
	}

	d := &PostgresDirectory{
		StaticDirectory: &StaticDirectory{devices: map[string]models.DeviceWiring{}},
		pool:            pool,
		logger:          logger.With("component", "directory"),
	}
	if err := d.Refresh(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

// Refresh reloads the wiring table
func (d *PostgresDirectory) Refresh(ctx context.Context) error {
	rows, err := d.pool.Query(ctx, loadDevicesQuery)
	if err != nil {
		return fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	topo := &Topology{}
	for rows.Next() {
		var w models.DeviceWiring
		if err := rows.Scan(&w.DeviceID, &w.DeviceType, &w.ModuleIndex, &w.DeviceIndex); err != nil {
			return fmt.Errorf("failed to scan device row: %w", err)
		}
		topo.Wiring = append(topo.Wiring, w)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate devices: %w", err)
	}

	if err := d.Replace(topo); err != nil {
		return fmt.Errorf("devices table does not match the board topology: %w", err)
	}

	d.logger.Info("device wiring loaded", "devices", len(topo.Wiring))
	return nil
}

// StartAutoRefresh reloads the table every interval until ctx is done.
// A failed refresh keeps serving the previous table. A non-positive
// interval disables refreshing.
func (d *PostgresDirectory) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.logger.Error("failed to refresh device wiring", "error", err)
			}
		}
	}
}

// Close releases the connection pool
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}
