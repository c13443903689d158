package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"home-bridge/internal/metrics"
	"home-bridge/internal/models"
	"home-bridge/internal/protocol"
)

// MessagePublisher is satisfied by Manager
type MessagePublisher interface {
	Publish(topic string, payload []byte) error
}

// Publisher renders outbound frames and notifications onto their topics
type Publisher struct {
	client  MessagePublisher
	logger  *slog.Logger
	metrics *metrics.Metrics

	controlTopic string        // e.g., "hi3861/subscribe"
	alertTopic   string        // e.g., "hongmeng/alerts/{device_id}"
	frameGap     time.Duration // pause between the module and device frame
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	ControlTopic string
	AlertTopic   string
	FrameGap     time.Duration
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(client MessagePublisher, config PublisherConfig, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		client:       client,
		logger:       logger.With("component", "publisher"),
		metrics:      m,
		controlTopic: config.ControlTopic,
		alertTopic:   config.AlertTopic,
		frameGap:     config.FrameGap,
	}
}

// PublishControl sends the module frame, then the device frame. The pair
// is not atomic: if the second publish fails the first has already gone.
func (p *Publisher) PublishControl(ctx context.Context, frames protocol.ControlFrames) error {
	module := frames.ModuleFrame()
	if err := p.publishFrame(module); err != nil {
		return fmt.Errorf("failed to publish module frame: %w", err)
	}

	if p.frameGap > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("device frame not sent: %w", ctx.Err())
		case <-time.After(p.frameGap):
		}
	}

	device := frames.DeviceFrame()
	if err := p.publishFrame(device); err != nil {
		return fmt.Errorf("failed to publish device frame: %w", err)
	}

	p.logger.Info("published control frames", "topic", p.controlTopic, "module", module, "device", device)
	return nil
}

// PublishNow asks the board to publish a telemetry frame immediately
func (p *Publisher) PublishNow() error {
	if err := p.publishFrame(protocol.PublishNowFrame()); err != nil {
		return fmt.Errorf("failed to publish telemetry request: %w", err)
	}
	p.logger.Info("requested telemetry from board", "topic", p.controlTopic)
	return nil
}

func (p *Publisher) publishFrame(frame string) error {
	if err := p.client.Publish(p.controlTopic, []byte(frame)); err != nil {
		return err
	}
	p.metrics.ControlFramesPublished.Inc()
	return nil
}

// alertNotification is the JSON body published for an alert
type alertNotification struct {
	ID        string    `json:"id,omitempty"`
	DeviceID  string    `json:"device_id"`
	HouseID   int       `json:"house_id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishAlert publishes an alert notification for subscribers such as the app
func (p *Publisher) PublishAlert(alert models.Alert) error {
	payload, err := json.Marshal(alertNotification{
		ID:        alert.ID,
		DeviceID:  alert.DeviceID,
		HouseID:   alert.HouseID,
		Type:      string(alert.Type),
		Severity:  string(alert.Severity),
		Message:   alert.Message,
		Timestamp: alert.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	deviceID := alert.DeviceID
	if deviceID == "" {
		deviceID = "system"
	}
	topic := formatTopic(p.alertTopic, deviceID)

	if err := p.client.Publish(topic, payload); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.logger.Info("published alert", "topic", topic, "type", alert.Type, "severity", alert.Severity)
	return nil
}

// formatTopic replaces {device_id} placeholder with actual device ID
func formatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}
