// Package alerting turns sensor readings into alerts and decides which of
// them are worth a notification.
package alerting

import (
	"fmt"

	"home-bridge/internal/models"
)

// Thresholds configures the alert rules. Comparisons are strict (>).
type Thresholds struct {
	GasLevel    float64 // ppm
	Temperature float64 // Celsius
	HumanCount  int
}

// DefaultThresholds returns the limits the board was calibrated against
func DefaultThresholds() Thresholds {
	return Thresholds{
		GasLevel:    300,
		Temperature: 35,
		HumanCount:  1000,
	}
}

// Evaluate returns one alert per violated rule. It has no side effects:
// alerts carry no ID and CreatedAt is the reading's timestamp, so the same
// reading always yields the same alerts.
func Evaluate(reading *models.SensorReading, th Thresholds) []models.Alert {
	if reading == nil {
		return nil
	}

	var alerts []models.Alert
	add := func(t models.AlertType, sev models.Severity, msg string) {
		alerts = append(alerts, models.Alert{
			DeviceID:  reading.DeviceID,
			HouseID:   reading.HouseID,
			Type:      t,
			Severity:  sev,
			Message:   msg,
			CreatedAt: reading.Timestamp,
		})
	}

	if reading.FlameDetected {
		add(models.AlertFire, models.SeverityHigh, "Fire detected")
	}
	if reading.GasLevel > th.GasLevel {
		add(models.AlertGas, models.SeverityHigh,
			fmt.Sprintf("Combustible gas above limit: %.0fppm", reading.GasLevel))
	}
	if reading.Temperature > th.Temperature {
		add(models.AlertTemperature, models.SeverityMedium,
			fmt.Sprintf("Indoor temperature too high: %.1f°C", reading.Temperature))
	}
	if reading.HumanDetected > th.HumanCount {
		add(models.AlertHuman, models.SeverityMedium, "Someone passed by, please check")
	}

	return alerts
}
