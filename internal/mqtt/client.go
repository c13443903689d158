package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"home-bridge/internal/metrics"
)

var (
	// ErrNotConnected is returned by Publish while no broker session is up
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrMaxRetriesExceeded ends Run after the last allowed reconnect failed
	ErrMaxRetriesExceeded = errors.New("mqtt: max retries exceeded")
	// ErrAlreadyRunning is returned when Run is called on a running manager
	ErrAlreadyRunning = errors.New("mqtt: manager already running")

	errTimeout = errors.New("timed out")
)

// State of the broker connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackingOff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing_off"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionError describes one failed connection attempt
type ConnectionError struct {
	Attempt int
	Reason  string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect attempt %d failed: %s: %v", e.Attempt, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError wraps a broker or client failure for one publish
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// BrokerClient is the subset of the paho client the manager drives
type BrokerClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnectionOpen() bool
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Username       string
	Password       string
	MaxRetries     int
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
}

// Manager owns the single broker session of the process. Run drives
// connect, backoff and reconnect from one goroutine; paho's own
// auto-reconnect stays off.
type Manager struct {
	cfg     ClientConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	newClient func(*mqtt.ClientOptions) BrokerClient
	after     func(time.Duration) <-chan time.Time

	mu           sync.Mutex
	client       BrokerClient
	state        State
	retryCount   int
	running      bool
	closing      bool
	onConnect    []func() error
	onDisconnect []func()

	lost     chan error
	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager; nothing is dialled until Run
func NewManager(cfg ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "mqtt"),
		metrics: m,
		newClient: func(opts *mqtt.ClientOptions) BrokerClient {
			return mqtt.NewClient(opts)
		},
		after: time.After,
		lost:  make(chan error, 1),
		stop:  make(chan struct{}),
	}
}

// OnConnect registers fn to run after every successful connect, typically
// to (re)subscribe. A failing hook counts as a failed attempt.
func (m *Manager) OnConnect(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// OnDisconnect registers fn to run when the session ends, whether lost or
// closed
func (m *Manager) OnDisconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a broker session is up
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// RetryCount returns the number of consecutive failed attempts
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Run connects and keeps the session alive until ctx is cancelled,
// Disconnect is called or the retry budget is exhausted.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		err := m.connect()
		if err == nil {
			select {
			case <-ctx.Done():
				m.Disconnect()
				return nil
			case <-m.stop:
				return nil
			case err = <-m.lost:
			}
		} else {
			m.logger.Warn("connection attempt failed", "error", err)
		}

		if m.stopped(ctx) {
			m.Disconnect()
			return nil
		}

		delay, ok := m.scheduleRetry()
		if !ok {
			m.logger.Error("max retries exceeded, giving up", "max_retries", m.cfg.MaxRetries, "last_error", err)
			return ErrMaxRetriesExceeded
		}
		m.logger.Info("reconnecting after backoff", "attempt", m.RetryCount(), "delay", delay)

		select {
		case <-ctx.Done():
			m.Disconnect()
			return nil
		case <-m.stop:
			return nil
		case <-m.after(delay):
		}
	}
}

func (m *Manager) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// connect performs one attempt and runs the connect hooks
func (m *Manager) connect() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.client == nil {
		m.client = m.newClient(m.clientOptions())
	}
	client := m.client
	attempt := m.retryCount + 1
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	// drop a loss notification left over from the previous session
	select {
	case <-m.lost:
	default:
	}

	m.logger.Info("connecting to broker", "broker", m.cfg.Broker, "attempt", attempt)

	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return m.failAttempt(&ConnectionError{Attempt: attempt, Reason: "timeout", Err: errTimeout})
	}
	if err := token.Error(); err != nil {
		return m.failAttempt(&ConnectionError{Attempt: attempt, Reason: connackReason(err), Err: err})
	}

	m.mu.Lock()
	hooks := append([]func() error(nil), m.onConnect...)
	m.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(); err != nil {
			client.Disconnect(250)
			return m.failAttempt(&ConnectionError{Attempt: attempt, Reason: "subscribe failed", Err: err})
		}
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		client.Disconnect(250)
		return ErrNotConnected
	}
	m.retryCount = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.metrics.ConnectAttempts.WithLabelValues("success").Inc()
	m.logger.Info("connected to broker", "broker", m.cfg.Broker)
	return nil
}

func (m *Manager) failAttempt(err *ConnectionError) error {
	m.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	return err
}

// scheduleRetry consumes one retry. It returns false once the budget is
// spent, leaving the manager in StateFailed.
func (m *Manager) scheduleRetry() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retryCount >= m.cfg.MaxRetries {
		m.setStateLocked(StateFailed)
		return 0, false
	}
	m.retryCount++
	m.setStateLocked(StateBackingOff)
	return backoffDelay(m.retryCount, m.cfg.MaxBackoff), true
}

// backoffDelay is 2^retry seconds, capped at max
func backoffDelay(retry int, max time.Duration) time.Duration {
	if retry >= 31 {
		return max
	}
	d := time.Duration(1<<uint(retry)) * time.Second
	if d > max {
		return max
	}
	return d
}

func (m *Manager) onConnectionLost(_ mqtt.Client, err error) {
	m.metrics.ConnectAttempts.WithLabelValues("lost").Inc()
	m.logger.Warn("connection lost", "error", err)

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.runDisconnectHooks()

	select {
	case m.lost <- err:
	default:
	}
}

// Disconnect closes the session and stops Run. Publishes fail from the
// moment it is called. Safe to call more than once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	client := m.client
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(250)
	}
	m.runDisconnectHooks()

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.logger.Info("disconnected from broker")
}

func (m *Manager) runDisconnectHooks() {
	m.mu.Lock()
	hooks := append([]func(){}, m.onDisconnect...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Subscribe subscribes handler to topic on the current session (QoS 1)
func (m *Manager) Subscribe(topic string, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Subscribe(topic, 1, handler)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, errTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	m.logger.Info("subscribed", "topic", topic)
	return nil
}

// Publish sends payload at QoS 0 and waits only for the local hand-off
func (m *Manager) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	client := m.client
	up := m.state == StateConnected && !m.closing
	m.mu.Unlock()

	if !up || client == nil {
		m.metrics.PublishFailures.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		m.metrics.PublishFailures.WithLabelValues("timeout").Inc()
		return &PublishError{Topic: topic, Err: errTimeout}
	}
	if err := token.Error(); err != nil {
		m.metrics.PublishFailures.WithLabelValues("client").Inc()
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.logger.Debug("connection state changed", "from", m.state.String(), "to", s.String())
	}
	m.state = s
	m.metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		m.logger.Debug("message on unhandled topic", "topic", msg.Topic())
	})
	opts.SetConnectionLostHandler(m.onConnectionLost)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetKeepAlive(m.cfg.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	return opts
}

// connackReason turns a broker refusal into an operator-facing reason
func connackReason(err error) string {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return "unsupported protocol version"
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return "client identifier rejected"
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return "broker unavailable"
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return "bad username or password"
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return "not authorised"
	default:
		return "network error"
	}
}
