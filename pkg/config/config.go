package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// MQTT Configuration
	MQTTBrokerHost     string `validate:"required"`
	MQTTBrokerPort     int    `validate:"min=1,max=65535"`
	MQTTClientID       string `validate:"required"`
	MQTTUsername       string
	MQTTPassword       string
	MQTTMaxRetries     int `validate:"min=0"`
	MQTTMaxBackoff     time.Duration
	MQTTConnectTimeout time.Duration
	MQTTPublishTimeout time.Duration

	// MQTT topics
	MQTTTopicTelemetry string `validate:"required"`
	MQTTTopicControl   string `validate:"required"`
	MQTTTopicStatus    string
	MQTTTopicHeartbeat string
	MQTTTopicAlerts    string

	// Board identity stamped on every telemetry reading
	TelemetryDeviceID string `validate:"required"`
	HouseID           int

	// Alert thresholds
	GasThreshold         float64
	TemperatureThreshold float64
	HumanThreshold       int

	// Storage
	StoreDriver    string `validate:"oneof=clickhouse sqlite"`
	ClickHouseAddr string `validate:"required_if=StoreDriver clickhouse"`
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string
	SQLitePath     string `validate:"required_if=StoreDriver sqlite"`

	// Device directory
	DirectorySource  string `validate:"oneof=file postgres"`
	TopologyPath     string `validate:"required_if=DirectorySource file"`
	PostgresURL      string `validate:"required_if=DirectorySource postgres"`
	DirectoryRefresh time.Duration

	// Alert notifications; an empty RedisAddr keeps dedup in memory
	RedisAddr        string
	AlertDedupWindow time.Duration

	// Device cache bounds
	CacheStaleAfter time.Duration
	CacheEvictAfter time.Duration
	CacheMaxEntries int `validate:"min=0"`

	// Pause between the module and device control frames
	ControlFrameGap time.Duration

	HTTPPort  int    `validate:"min=1,max=65535"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json text"`
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		// MQTT Configuration
		MQTTBrokerHost:     getEnv("MQTT_BROKER_HOST", "localhost"),
		MQTTBrokerPort:     getEnvInt("MQTT_BROKER_PORT", 1883),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "home-bridge"),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTMaxRetries:     getEnvInt("MQTT_MAX_RETRIES", 5),
		MQTTMaxBackoff:     getEnvDuration("MQTT_MAX_BACKOFF", 60*time.Second),
		MQTTConnectTimeout: getEnvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
		MQTTPublishTimeout: getEnvDuration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),

		// MQTT topics
		MQTTTopicTelemetry: getEnv("MQTT_TOPIC_TELEMETRY", "hi3861/publish"),
		MQTTTopicControl:   getEnv("MQTT_TOPIC_CONTROL", "hi3861/subscribe"),
		MQTTTopicStatus:    getEnv("MQTT_TOPIC_STATUS", "hongmeng/devices/+/status"),
		MQTTTopicHeartbeat: getEnv("MQTT_TOPIC_HEARTBEAT", "hongmeng/devices/+/heartbeat"),
		MQTTTopicAlerts:    getEnv("MQTT_TOPIC_ALERTS", "hongmeng/alerts/{device_id}"),

		TelemetryDeviceID: getEnv("TELEMETRY_DEVICE_ID", "hi3861_001"),
		HouseID:           getEnvInt("HOUSE_ID", 1),

		// Alert thresholds
		GasThreshold:         getEnvFloat("GAS_THRESHOLD", 300),
		TemperatureThreshold: getEnvFloat("TEMPERATURE_THRESHOLD", 35),
		HumanThreshold:       getEnvInt("HUMAN_THRESHOLD", 1000),

		// Storage
		StoreDriver:    getEnv("STORE_DRIVER", "clickhouse"),
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "home"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "./data/bridge.db"),

		// Device directory
		DirectorySource:  getEnv("DIRECTORY_SOURCE", "file"),
		TopologyPath:     getEnv("TOPOLOGY_PATH", "./topology.yaml"),
		PostgresURL:      getEnv("POSTGRES_URL", ""),
		DirectoryRefresh: getEnvDuration("DIRECTORY_REFRESH", time.Minute),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		AlertDedupWindow: getEnvDuration("ALERT_DEDUP_WINDOW", 5*time.Minute),

		CacheStaleAfter: getEnvDuration("CACHE_STALE_AFTER", 2*time.Minute),
		CacheEvictAfter: getEnvDuration("CACHE_EVICT_AFTER", time.Hour),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1024),

		ControlFrameGap: getEnvDuration("CONTROL_FRAME_GAP", 0),

		HTTPPort:  getEnvInt("HTTP_PORT", 8080),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

var validate = validator.New()

// Validate rejects settings the bridge cannot run with
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	if c.MQTTMaxBackoff <= 0 {
		errs = append(errs, errors.New("MQTT_MAX_BACKOFF must be positive"))
	}
	if c.MQTTConnectTimeout <= 0 {
		errs = append(errs, errors.New("MQTT_CONNECT_TIMEOUT must be positive"))
	}
	if c.MQTTPublishTimeout <= 0 {
		errs = append(errs, errors.New("MQTT_PUBLISH_TIMEOUT must be positive"))
	}
	if c.ControlFrameGap < 0 {
		errs = append(errs, errors.New("CONTROL_FRAME_GAP must not be negative"))
	}
	if c.DirectorySource == "postgres" && c.DirectoryRefresh <= 0 {
		errs = append(errs, errors.New("DIRECTORY_REFRESH must be positive"))
	}
	if c.CacheStaleAfter < 0 || c.CacheEvictAfter < 0 {
		errs = append(errs, errors.New("cache durations must not be negative"))
	}
	if c.CacheStaleAfter > 0 && c.CacheEvictAfter > 0 && c.CacheEvictAfter < c.CacheStaleAfter {
		errs = append(errs, errors.New("CACHE_EVICT_AFTER must not be shorter than CACHE_STALE_AFTER"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// BrokerURL returns the paho broker address
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBrokerHost, c.MQTTBrokerPort)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("failed to parse env var as float, using default", "key", key, "error", err)
		return defaultValue
	}
	return floatValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("failed to parse env var as int, using default", "key", key, "error", err)
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		// bare numbers are seconds
		secs, numErr := strconv.Atoi(value)
		if numErr != nil {
			slog.Warn("failed to parse env var as duration, using default", "key", key, "error", err)
			return defaultValue
		}
		return time.Duration(secs) * time.Second
	}
	return d
}
