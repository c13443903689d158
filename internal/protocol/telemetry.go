// Package protocol implements the Hi3861 board wire formats: the
// comma-separated telemetry frame and the positional digit control frames.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"home-bridge/internal/models"
)

// Positions of the fields in a telemetry frame
const (
	fieldFlame = iota
	fieldGas
	fieldHuman
	fieldLight
	fieldTemperature
	fieldHumidity
	telemetryFieldCount
)

var errNotFinite = errors.New("value is not a finite number")

var fieldNames = [telemetryFieldCount]string{
	"flame_detected",
	"gas_level",
	"human_detected",
	"light_intensity",
	"temperature",
	"humidity",
}

// DecodeError reports a malformed telemetry frame
type DecodeError struct {
	Field   string // empty when the frame itself is short
	Value   string
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed telemetry %q: %v", e.Payload, e.Err)
	}
	return fmt.Sprintf("malformed telemetry field %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeTelemetry parses a frame of the form
// "flame,gas,human,light,temperature,humidity" into a SensorReading.
// Fields after the sixth are ignored.
func DecodeTelemetry(payload []byte, deviceID string, houseID int, now time.Time) (*models.SensorReading, error) {
	raw := strings.Trim(string(payload), " \t\r\n\x00")
	fields := strings.Split(raw, ",")
	if len(fields) < telemetryFieldCount {
		return nil, &DecodeError{
			Payload: raw,
			Err:     fmt.Errorf("expected %d fields, got %d", telemetryFieldCount, len(fields)),
		}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	flame, err := parseInt(fields, fieldFlame)
	if err != nil {
		return nil, err
	}
	gas, err := parseFloat(fields, fieldGas)
	if err != nil {
		return nil, err
	}
	human, err := parseInt(fields, fieldHuman)
	if err != nil {
		return nil, err
	}
	light, err := parseInt(fields, fieldLight)
	if err != nil {
		return nil, err
	}
	temperature, err := parseFloat(fields, fieldTemperature)
	if err != nil {
		return nil, err
	}
	humidity, err := parseFloat(fields, fieldHumidity)
	if err != nil {
		return nil, err
	}

	return &models.SensorReading{
		Timestamp:      now,
		DeviceID:       deviceID,
		HouseID:        houseID,
		FlameDetected:  flame != 0,
		GasLevel:       gas,
		HumanDetected:  human,
		LightIntensity: light,
		Temperature:    temperature,
		Humidity:       humidity,
	}, nil
}

func parseInt(fields []string, pos int) (int, error) {
	v, err := strconv.Atoi(fields[pos])
	if err != nil {
		return 0, &DecodeError{Field: fieldNames[pos], Value: fields[pos], Err: err}
	}
	return v, nil
}

func parseFloat(fields []string, pos int) (float64, error) {
	v, err := strconv.ParseFloat(fields[pos], 64)
	if err != nil {
		return 0, &DecodeError{Field: fieldNames[pos], Value: fields[pos], Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &DecodeError{Field: fieldNames[pos], Value: fields[pos], Err: errNotFinite}
	}
	return v, nil
}
