package database

// SQL schemas for the ClickHouse tables

const (
	// SensorReadingsTableSQL creates the sensor_readings table (append only)
	SensorReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			timestamp DateTime64(3),
			device_id String,
			house_id Int32,
			flame_detected Bool,
			gas_level Float64,
			human_detected Int32,
			light_intensity Int32,
			temperature Float64,
			humidity Float64
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// AlertsTableSQL creates the alerts table; rows are only ever resolved, never deleted
	AlertsTableSQL = `
		CREATE TABLE IF NOT EXISTS alerts (
			id UUID,
			device_id String,
			house_id Int32,
			alert_type LowCardinality(String),
			severity LowCardinality(String),
			message String,
			resolved Bool DEFAULT false,
			created_at DateTime64(3),
			resolved_at Nullable(DateTime64(3))
		) ENGINE = MergeTree()
		ORDER BY (device_id, created_at, id)
		PARTITION BY toYYYYMM(created_at)
	`
)

// AllTables returns all ClickHouse table creation statements
func AllTables() []string {
	return []string{
		SensorReadingsTableSQL,
		AlertsTableSQL,
	}
}

// SQLiteTables returns the equivalent schema for the SQLite store
func SQLiteTables() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			device_id TEXT NOT NULL,
			house_id INTEGER NOT NULL,
			flame_detected INTEGER NOT NULL,
			gas_level REAL NOT NULL,
			human_detected INTEGER NOT NULL,
			light_intensity INTEGER NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_time ON sensor_readings(device_id, timestamp);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			house_id INTEGER NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			resolved_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);`,
	}
}
