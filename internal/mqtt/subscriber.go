package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"home-bridge/internal/devicecache"
	"home-bridge/internal/metrics"
	"home-bridge/internal/models"
	"home-bridge/internal/protocol"
)

// TopicSubscriber is satisfied by Manager
type TopicSubscriber interface {
	Subscribe(topic string, handler mqtt.MessageHandler) error
}

// Subscriber decodes inbound messages. Readings go to ReadingChan for the
// sensor service; status and heartbeats go straight into the cache.
type Subscriber struct {
	client  TopicSubscriber
	cache   *devicecache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Output channel (written by subscriber, read by the sensor service)
	ReadingChan chan *models.SensorReading

	config SubscriberConfig
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	TelemetryTopic string // e.g., "hi3861/publish"
	StatusTopic    string // e.g., "hongmeng/devices/+/status"
	HeartbeatTopic string // e.g., "hongmeng/devices/+/heartbeat"

	// The board's CSV frame carries no identity; these are stamped on
	// every reading.
	TelemetryDeviceID string
	HouseID           int

	// SendTimeout bounds how long a handler waits on a full ReadingChan
	SendTimeout time.Duration
}

// NewSubscriber creates a new MQTT subscriber writing readings to readingChan
func NewSubscriber(
	client TopicSubscriber,
	config SubscriberConfig,
	cache *devicecache.Cache,
	readingChan chan *models.SensorReading,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Subscriber {
	if config.SendTimeout <= 0 {
		config.SendTimeout = time.Second
	}
	return &Subscriber{
		client:      client,
		cache:       cache,
		logger:      logger.With("component", "subscriber"),
		metrics:     m,
		now:         time.Now,
		ReadingChan: readingChan,
		config:      config,
	}
}

// SubscribeAll subscribes to all configured topics. It is registered as a
// connect hook so every new session resubscribes.
func (s *Subscriber) SubscribeAll() error {
	if s.config.TelemetryTopic != "" {
		if err := s.client.Subscribe(s.config.TelemetryTopic, s.handleTelemetry); err != nil {
			return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
		}
	}

	if s.config.StatusTopic != "" {
		if err := s.client.Subscribe(s.config.StatusTopic, s.handleStatus); err != nil {
			return fmt.Errorf("failed to subscribe to status topic: %w", err)
		}
	}

	if s.config.HeartbeatTopic != "" {
		if err := s.client.Subscribe(s.config.HeartbeatTopic, s.handleHeartbeat); err != nil {
			return fmt.Errorf("failed to subscribe to heartbeat topic: %w", err)
		}
	}

	return nil
}

// handleTelemetry decodes a CSV frame from the board and writes it to the channel
func (s *Subscriber) handleTelemetry(_ mqtt.Client, msg mqtt.Message) {
	s.metrics.MessagesReceived.WithLabelValues("telemetry").Inc()

	reading, err := protocol.DecodeTelemetry(msg.Payload(), s.config.TelemetryDeviceID, s.config.HouseID, s.now())
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		s.metrics.MessagesDropped.WithLabelValues("decode").Inc()
		s.logger.Warn("dropping malformed telemetry", "topic", msg.Topic(), "error", err)
		return
	}

	// a frame from the board is proof of life
	s.cache.RecordHeartbeat(reading.DeviceID)

	s.logger.Debug("received telemetry",
		"device_id", reading.DeviceID,
		"gas", reading.GasLevel,
		"temperature", reading.Temperature,
		"humidity", reading.Humidity,
	)

	// Write to channel (non-blocking with timeout)
	select {
	case s.ReadingChan <- reading:
	case <-time.After(s.config.SendTimeout):
		s.metrics.MessagesDropped.WithLabelValues("channel_full").Inc()
		s.logger.Warn("reading channel full, dropping message", "device_id", reading.DeviceID)
	}
}

// handleStatus replaces the cached status of the reporting device
func (s *Subscriber) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	s.metrics.MessagesReceived.WithLabelValues("status").Inc()

	var report models.DeviceStatusMessage
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		s.metrics.MessagesDropped.WithLabelValues("decode").Inc()
		s.logger.Warn("error unmarshaling device status", "topic", msg.Topic(), "error", err)
		return
	}

	deviceID := report.DeviceID
	if deviceID == "" {
		deviceID = wildcardSegment(s.config.StatusTopic, msg.Topic())
	}
	if deviceID == "" {
		s.metrics.MessagesDropped.WithLabelValues("no_device_id").Inc()
		s.logger.Warn("could not determine device id", "topic", msg.Topic())
		return
	}

	s.cache.RecordStatusReport(deviceID, report.Status, report.Battery, report.SignalStrength)
	s.logger.Debug("device status updated", "device_id", deviceID)
}

// handleHeartbeat marks the device online. The body may be empty.
func (s *Subscriber) handleHeartbeat(_ mqtt.Client, msg mqtt.Message) {
	s.metrics.MessagesReceived.WithLabelValues("heartbeat").Inc()

	var beat models.HeartbeatMessage
	if body := bytes.TrimSpace(msg.Payload()); len(body) > 0 {
		if err := json.Unmarshal(body, &beat); err != nil {
			s.logger.Debug("ignoring heartbeat body", "topic", msg.Topic(), "error", err)
		}
	}

	deviceID := beat.DeviceID
	if deviceID == "" {
		deviceID = wildcardSegment(s.config.HeartbeatTopic, msg.Topic())
	}
	if deviceID == "" {
		s.metrics.MessagesDropped.WithLabelValues("no_device_id").Inc()
		s.logger.Warn("could not determine device id", "topic", msg.Topic())
		return
	}

	s.cache.RecordHeartbeat(deviceID)
}

// wildcardSegment returns the topic level matched by the first "+" of pattern
// Example: ("hongmeng/devices/+/status", "hongmeng/devices/lamp-1/status") -> "lamp-1"
func wildcardSegment(pattern, topic string) string {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, part := range patternParts {
		if part == "+" && i < len(topicParts) {
			return topicParts[i]
		}
	}
	return ""
}
