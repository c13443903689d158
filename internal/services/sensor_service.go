package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"home-bridge/internal/alerting"
	"home-bridge/internal/metrics"
	"home-bridge/internal/models"
)

// TelemetryStore persists sensor readings
type TelemetryStore interface {
	SaveSensorReading(ctx context.Context, r *models.SensorReading) error
}

// AlertSink persists alerts and their resolution
type AlertSink interface {
	SaveAlert(ctx context.Context, a *models.Alert) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
	RecentAlerts(ctx context.Context, limit int, unresolvedOnly bool) ([]models.Alert, error)
}

// AlertNotifier pushes alerts to live subscribers
type AlertNotifier interface {
	PublishAlert(alert models.Alert) error
}

// SensorService persists decoded readings and raises alerts from them
type SensorService struct {
	store    TelemetryStore
	alerts   AlertSink
	notifier AlertNotifier
	deduper  alerting.Deduper
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	thresholds  alerting.Thresholds
	dedupWindow time.Duration

	// Input channel from the MQTT subscriber
	ReadingChan chan *models.SensorReading
}

// SensorServiceConfig holds configuration for sensor service
type SensorServiceConfig struct {
	ReadingChannelSize int
	Thresholds         alerting.Thresholds
	// DedupWindow is how long a notification for one device and alert
	// type suppresses the next
	DedupWindow time.Duration
}

// DefaultSensorServiceConfig returns default configuration
func DefaultSensorServiceConfig() SensorServiceConfig {
	return SensorServiceConfig{
		ReadingChannelSize: 100,
		Thresholds:         alerting.DefaultThresholds(),
		DedupWindow:        5 * time.Minute,
	}
}

// NewSensorService creates a new sensor service. notifier and deduper may
// be nil: without a notifier alerts are only stored, without a deduper
// every alert is published.
func NewSensorService(
	store TelemetryStore,
	alerts AlertSink,
	notifier AlertNotifier,
	deduper alerting.Deduper,
	config SensorServiceConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *SensorService {
	return &SensorService{
		store:       store,
		alerts:      alerts,
		notifier:    notifier,
		deduper:     deduper,
		logger:      logger.With("component", "sensor_service"),
		metrics:     m,
		now:         time.Now,
		thresholds:  config.Thresholds,
		dedupWindow: config.DedupWindow,
		ReadingChan: make(chan *models.SensorReading, config.ReadingChannelSize),
	}
}

// Start processes readings from the channel until ctx is cancelled
func (s *SensorService) Start(ctx context.Context) {
	s.logger.Info("starting", "thresholds", s.thresholds)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
			return
		case reading, ok := <-s.ReadingChan:
			if !ok {
				s.logger.Info("reading channel closed, shutting down")
				return
			}
			s.ProcessReading(ctx, reading)
		}
	}
}

// ProcessReading stores the reading and every alert it raises. A failed
// write is logged and never undoes or blocks the others. The raised
// alerts are returned.
func (s *SensorService) ProcessReading(ctx context.Context, reading *models.SensorReading) []models.Alert {
	if err := s.store.SaveSensorReading(ctx, reading); err != nil {
		s.metrics.StoreErrors.WithLabelValues("reading").Inc()
		s.logger.Error("error saving sensor reading", "device_id", reading.DeviceID, "error", err)
	} else {
		s.metrics.ReadingsSaved.Inc()
		s.logger.Debug("saved sensor reading", "device_id", reading.DeviceID)
	}

	alerts := alerting.Evaluate(reading, s.thresholds)
	for i := range alerts {
		alert := &alerts[i]
		alert.ID = uuid.NewString()
		s.metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()

		if err := s.alerts.SaveAlert(ctx, alert); err != nil {
			s.metrics.StoreErrors.WithLabelValues("alert").Inc()
			s.logger.Error("error saving alert", "device_id", alert.DeviceID, "type", alert.Type, "error", err)
		}
		s.logger.Warn("alert raised", "device_id", alert.DeviceID, "type", alert.Type,
			"severity", alert.Severity, "message", alert.Message)

		s.notify(ctx, *alert)
	}

	return alerts
}

func (s *SensorService) notify(ctx context.Context, alert models.Alert) {
	if s.notifier == nil {
		return
	}

	key := alerting.NotificationKey(alert)
	claimed := false
	if s.deduper != nil {
		ok, err := s.deduper.Claim(ctx, key, s.dedupWindow)
		switch {
		case err != nil:
			// an unreachable dedup store must not silence alerts
			s.logger.Warn("notification dedup unavailable", "error", err)
		case !ok:
			s.metrics.NotificationsSuppressed.Inc()
			s.logger.Debug("notification suppressed", "device_id", alert.DeviceID, "type", alert.Type)
			return
		default:
			claimed = true
		}
	}

	if err := s.notifier.PublishAlert(alert); err != nil {
		s.logger.Warn("error publishing alert", "device_id", alert.DeviceID, "type", alert.Type, "error", err)
		// the next reading must be able to retry the notification
		if claimed {
			if err := s.deduper.Release(ctx, key); err != nil {
				s.logger.Warn("failed to release notification claim", "key", key, "error", err)
			}
		}
	}
}

// ResolveAlert marks an alert resolved now
func (s *SensorService) ResolveAlert(ctx context.Context, id string) error {
	if err := s.alerts.ResolveAlert(ctx, id, s.now()); err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", id, err)
	}
	s.logger.Info("alert resolved", "alert_id", id)
	return nil
}

// RecentAlerts lists the newest alerts
func (s *SensorService) RecentAlerts(ctx context.Context, limit int, unresolvedOnly bool) ([]models.Alert, error) {
	return s.alerts.RecentAlerts(ctx, limit, unresolvedOnly)
}
