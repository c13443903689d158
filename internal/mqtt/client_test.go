package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"home-bridge/internal/devicecache"
	"home-bridge/internal/metrics"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishCall struct {
	topic   string
	qos     byte
	payload string
}

type fakeClient struct {
	mu sync.Mutex

	opts        *mqtt.ClientOptions
	connectErrs []error // consumed one per attempt, then connectErr
	connectErr  error
	publishErr  error

	connects    int
	disconnects int
	open        bool
	published   []publishCall
	handlers    map[string]mqtt.MessageHandler
	subscribes  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++

	err := c.connectErr
	if len(c.connectErrs) > 0 {
		err = c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
	}
	c.open = err == nil
	return &fakeToken{err: err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.open = false
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.published = append(c.published, publishCall{topic: topic, qos: qos, payload: string(payload.([]byte))})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	c.handlers[topic] = handler
	return &fakeToken{}
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// loseConnection simulates the network dropping under paho
func (c *fakeClient) loseConnection(err error) {
	c.mu.Lock()
	c.open = false
	handler := c.opts.OnConnectionLost
	c.mu.Unlock()
	handler(nil, err)
}

func (c *fakeClient) publishes() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.published...)
}

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

type delayRecorder struct {
	mu      sync.Mutex
	delays  []time.Duration
	instant bool
}

func (r *delayRecorder) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()

	ch := make(chan time.Time, 1)
	if r.instant {
		ch <- time.Now()
	}
	return ch
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, client *fakeClient, rec *delayRecorder) (*Manager, *metrics.Metrics) {
	t.Helper()
	met := metrics.New()
	m := NewManager(ClientConfig{Broker: "tcp://broker:1883", ClientID: "test", MaxRetries: 5}, testLogger(), met)
	m.newClient = func(opts *mqtt.ClientOptions) BrokerClient {
		client.mu.Lock()
		client.opts = opts
		client.mu.Unlock()
		return client
	}
	m.after = rec.after
	return m, met
}

func runManager(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestManager_BackoffScheduleAndGiveUp(t *testing.T) {
	client := newFakeClient()
	client.connectErr = errors.New("connection refused")
	rec := &delayRecorder{instant: true}
	m, met := newTestManager(t, client, rec)

	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)

	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
	}, rec.recorded())
	assert.Equal(t, 6, client.connectCount(), "initial attempt plus five retries, no sixth retry")
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, float64(6), testutil.ToFloat64(met.ConnectAttempts.WithLabelValues("failure")))
	assert.Equal(t, float64(StateFailed), testutil.ToFloat64(met.ConnectionState))
}

func TestManager_RetryCountResetsOnConnect(t *testing.T) {
	client := newFakeClient()
	client.connectErrs = []error{errors.New("refused"), errors.New("refused")}
	rec := &delayRecorder{instant: true}
	m, _ := newTestManager(t, client, rec)

	cancel, done := runManager(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.RetryCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.recorded())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ConnectionLostClearsCache(t *testing.T) {
	client := newFakeClient()
	rec := &delayRecorder{}
	m, _ := newTestManager(t, client, rec)

	cache := devicecache.New(devicecache.Config{}, testLogger())
	m.OnDisconnect(cache.Clear)

	_, done := runManager(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	cache.RecordStatus("1", map[string]interface{}{"power": true})
	cache.RecordHeartbeat("1")
	require.Equal(t, []string{"1"}, cache.ListOnline())

	client.loseConnection(errors.New("EOF"))

	assert.Empty(t, cache.ListOnline())
	_, ok := cache.Status("1")
	assert.False(t, ok)

	require.Eventually(t, func() bool { return m.State() == StateBackingOff }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Publish("hi3861/subscribe", []byte("00010000")), ErrNotConnected)

	m.Disconnect()
	require.NoError(t, <-done)
}

func TestManager_ResubscribesAfterReconnect(t *testing.T) {
	client := newFakeClient()
	rec := &delayRecorder{instant: true}
	m, _ := newTestManager(t, client, rec)
	m.OnConnect(func() error {
		return m.Subscribe("hi3861/publish", func(mqtt.Client, mqtt.Message) {})
	})

	_, done := runManager(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	client.loseConnection(errors.New("EOF"))
	require.Eventually(t, func() bool { return client.connectCount() == 2 && m.IsConnected() }, time.Second, 5*time.Millisecond)

	client.mu.Lock()
	assert.Equal(t, 2, client.subscribes)
	client.mu.Unlock()
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.recorded())

	m.Disconnect()
	require.NoError(t, <-done)
}

func TestManager_FailingHookCountsAsFailedAttempt(t *testing.T) {
	client := newFakeClient()
	rec := &delayRecorder{instant: true}
	m, _ := newTestManager(t, client, rec)
	m.OnConnect(func() error { return errors.New("subscribe refused") })

	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 6, client.connectCount())
}

func TestManager_PublishFailsFastWhenDisconnected(t *testing.T) {
	client := newFakeClient()
	m, met := newTestManager(t, client, &delayRecorder{})

	err := m.Publish("hi3861/subscribe", []byte("00010000"))
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, client.publishes())
	assert.Equal(t, float64(1), testutil.ToFloat64(met.PublishFailures.WithLabelValues("not_connected")))
}

func TestManager_Publish(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(t, client, &delayRecorder{})

	_, done := runManager(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Publish("hi3861/subscribe", []byte("00010000")))
	assert.Equal(t, []publishCall{{topic: "hi3861/subscribe", qos: 0, payload: "00010000"}}, client.publishes())

	client.mu.Lock()
	client.publishErr = errors.New("outbound queue closed")
	client.mu.Unlock()

	err := m.Publish("hi3861/subscribe", []byte("2000100000"))
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "hi3861/subscribe", pubErr.Topic)

	m.Disconnect()
	require.NoError(t, <-done)
}

func TestManager_RunTwice(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(t, client, &delayRecorder{})

	_, done := runManager(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRunning)

	m.Disconnect()
	require.NoError(t, <-done)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(t, client, &delayRecorder{})

	cleared := 0
	m.OnDisconnect(func() { cleared++ })

	_, done := runManager(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	m.Disconnect()
	m.Disconnect()
	require.NoError(t, <-done)

	client.mu.Lock()
	assert.Equal(t, 1, client.disconnects)
	client.mu.Unlock()
	assert.Equal(t, 1, cleared)
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Publish("t", []byte("x")), ErrNotConnected)
}

func TestBackoffDelay(t *testing.T) {
	max := 60 * time.Second
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, backoffDelay(i+1, max), "retry %d", i+1)
	}
	assert.Equal(t, max, backoffDelay(100, max))
}

func TestConnackReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{packets.ErrorRefusedBadProtocolVersion, "unsupported protocol version"},
		{packets.ErrorRefusedIDRejected, "client identifier rejected"},
		{packets.ErrorRefusedServerUnavailable, "broker unavailable"},
		{packets.ErrorRefusedBadUsernameOrPassword, "bad username or password"},
		{packets.ErrorRefusedNotAuthorised, "not authorised"},
		{errors.New("dial tcp: connection refused"), "network error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, connackReason(tt.err))
	}
}
