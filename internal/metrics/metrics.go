// Package metrics holds the Prometheus instruments of the bridge. Every
// Metrics value owns its registry, so tests and multiple bridges in one
// process never collide on the default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "home_bridge"

// Metrics groups the bridge instruments
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState         prometheus.Gauge
	ConnectAttempts         *prometheus.CounterVec
	MessagesReceived        *prometheus.CounterVec
	MessagesDropped         *prometheus.CounterVec
	DecodeErrors            prometheus.Counter
	ReadingsSaved           prometheus.Counter
	StoreErrors             *prometheus.CounterVec
	AlertsRaised            *prometheus.CounterVec
	NotificationsSuppressed prometheus.Counter
	ControlFramesPublished  prometheus.Counter
	PublishFailures         *prometheus.CounterVec
}

// New creates the instruments on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connection_state",
			Help:      "Connection manager state (0 disconnected, 1 connecting, 2 connected, 3 backing off, 4 failed)",
		}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_connect_attempts_total",
			Help:      "Broker connection attempts by outcome",
		}, []string{"outcome"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_received_total",
			Help:      "Inbound MQTT messages by kind",
		}, []string{"kind"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_dropped_total",
			Help:      "Inbound messages dropped before processing, by reason",
		}, []string{"reason"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_decode_errors_total",
			Help:      "Malformed telemetry frames",
		}),
		ReadingsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_readings_saved_total",
			Help:      "Sensor readings persisted",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Persistence failures by operation",
		}, []string{"op"}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
		NotificationsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_notifications_suppressed_total",
			Help:      "Alert notifications skipped because one was sent recently",
		}),
		ControlFramesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_frames_published_total",
			Help:      "Control frames handed to the broker",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Failed publishes by reason",
		}, []string{"reason"}),
	}
}

// ObserveOnlineDevices exports the size of the online set, read at scrape time
func (m *Metrics) ObserveOnlineDevices(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_devices",
		Help:      "Devices currently in the online set",
	}, func() float64 {
		return float64(count())
	}))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
