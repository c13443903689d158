package models

import "time"

// SensorReading is one decoded telemetry frame from the Hi3861 board
type SensorReading struct {
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"device_id"`
	HouseID        int       `json:"house_id"`
	FlameDetected  bool      `json:"flame_detected"`
	GasLevel       float64   `json:"gas_level"`      // ppm
	HumanDetected  int       `json:"human_detected"` // raw PIR count
	LightIntensity int       `json:"light_intensity"`
	Temperature    float64   `json:"temperature"` // Celsius
	Humidity       float64   `json:"humidity"`    // Percentage 0-100
}

// AlertType classifies what tripped a threshold
type AlertType string

const (
	AlertFire        AlertType = "fire"
	AlertGas         AlertType = "gas"
	AlertTemperature AlertType = "temp"
	AlertHuman       AlertType = "human"
	AlertSoil        AlertType = "soil"
)

// Severity of an alert
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is a threshold violation raised from a SensorReading.
// Alerts are never deleted; resolving sets Resolved and ResolvedAt.
type Alert struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	HouseID    int        `json:"house_id"`
	Type       AlertType  `json:"type"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
