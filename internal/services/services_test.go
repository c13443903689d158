package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"home-bridge/internal/alerting"
	"home-bridge/internal/database"
	"home-bridge/internal/directory"
	"home-bridge/internal/metrics"
	"home-bridge/internal/models"
	"home-bridge/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu         sync.Mutex
	readings   []*models.SensorReading
	alerts     []models.Alert
	resolved   map[string]time.Time
	readingErr error
	alertErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{resolved: map[string]time.Time{}}
}

func (s *fakeStore) SaveSensorReading(_ context.Context, r *models.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readingErr != nil {
		return s.readingErr
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *fakeStore) SaveAlert(_ context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertErr != nil {
		return s.alertErr
	}
	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *fakeStore) ResolveAlert(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			if _, done := s.resolved[id]; done {
				break
			}
			s.resolved[id] = at
			return nil
		}
	}
	return database.ErrAlertNotFound
}

func (s *fakeStore) RecentAlerts(_ context.Context, limit int, _ bool) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.alerts) {
		limit = len(s.alerts)
	}
	return append([]models.Alert(nil), s.alerts[:limit]...), nil
}

type fakeNotifier struct {
	published []models.Alert
	err       error
}

func (n *fakeNotifier) PublishAlert(alert models.Alert) error {
	n.published = append(n.published, alert)
	return n.err
}

type failingDeduper struct{}

func (failingDeduper) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingDeduper) Release(context.Context, string) error {
	return errors.New("redis: connection refused")
}

func scenarioReading() *models.SensorReading {
	return &models.SensorReading{
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DeviceID:       "hi3861_001",
		HouseID:        1,
		GasLevel:       350,
		LightIntensity: 100,
		Temperature:    36.5,
		Humidity:       40,
	}
}

func newTestSensorService(store *fakeStore, notifier AlertNotifier, deduper alerting.Deduper) (*SensorService, *metrics.Metrics) {
	met := metrics.New()
	svc := NewSensorService(store, store, notifier, deduper, DefaultSensorServiceConfig(), testLogger(), met)
	return svc, met
}

func TestSensorService_ProcessReadingScenario(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	svc, met := newTestSensorService(store, notifier, alerting.NewMemoryDeduper())

	alerts := svc.ProcessReading(context.Background(), scenarioReading())

	require.Len(t, store.readings, 1)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertGas, alerts[0].Type)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, models.AlertTemperature, alerts[1].Type)
	assert.Equal(t, models.SeverityMedium, alerts[1].Severity)
	assert.NotEmpty(t, alerts[0].ID)
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)

	assert.Len(t, store.alerts, 2)
	assert.Len(t, notifier.published, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(met.ReadingsSaved))
	assert.Equal(t, float64(1), testutil.ToFloat64(met.AlertsRaised.WithLabelValues("gas", "high")))
}

func TestSensorService_ReadingFailureDoesNotBlockAlerts(t *testing.T) {
	store := newFakeStore()
	store.readingErr = errors.New("clickhouse down")
	svc, met := newTestSensorService(store, nil, nil)

	alerts := svc.ProcessReading(context.Background(), scenarioReading())

	assert.Len(t, alerts, 2)
	assert.Len(t, store.alerts, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(met.StoreErrors.WithLabelValues("reading")))
}

func TestSensorService_AlertFailureKeepsReading(t *testing.T) {
	store := newFakeStore()
	store.alertErr = errors.New("disk full")
	notifier := &fakeNotifier{}
	svc, met := newTestSensorService(store, notifier, nil)

	svc.ProcessReading(context.Background(), scenarioReading())

	assert.Len(t, store.readings, 1)
	assert.Empty(t, store.alerts)
	assert.Len(t, notifier.published, 2, "notification does not depend on persistence")
	assert.Equal(t, float64(2), testutil.ToFloat64(met.StoreErrors.WithLabelValues("alert")))
}

func TestSensorService_NotificationsDeduplicated(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	svc, met := newTestSensorService(store, notifier, alerting.NewMemoryDeduper())

	svc.ProcessReading(context.Background(), scenarioReading())
	svc.ProcessReading(context.Background(), scenarioReading())

	assert.Len(t, store.alerts, 4, "every alert is stored")
	assert.Len(t, notifier.published, 2, "repeats inside the window are not published")
	assert.Equal(t, float64(2), testutil.ToFloat64(met.NotificationsSuppressed))
}

func TestSensorService_DedupFailureStillNotifies(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newTestSensorService(newFakeStore(), notifier, failingDeduper{})

	svc.ProcessReading(context.Background(), scenarioReading())
	assert.Len(t, notifier.published, 2)
}

func TestSensorService_FailedNotificationIsRetried(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("mqtt: not connected")}
	svc, met := newTestSensorService(newFakeStore(), notifier, alerting.NewMemoryDeduper())

	svc.ProcessReading(context.Background(), scenarioReading())

	notifier.err = nil
	notifier.published = nil
	svc.ProcessReading(context.Background(), scenarioReading())

	assert.Len(t, notifier.published, 2, "alerts whose notification failed must be sent on the next reading")
	assert.Equal(t, 0.0, testutil.ToFloat64(met.NotificationsSuppressed))
}

func TestSensorService_QuietReading(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	svc, _ := newTestSensorService(store, notifier, nil)

	reading := scenarioReading()
	reading.GasLevel = 300
	reading.Temperature = 35

	assert.Empty(t, svc.ProcessReading(context.Background(), reading))
	assert.Len(t, store.readings, 1)
	assert.Empty(t, notifier.published)
}

func TestSensorService_ResolveAlert(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestSensorService(store, nil, nil)
	fixed := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	alerts := svc.ProcessReading(context.Background(), scenarioReading())
	require.NoError(t, svc.ResolveAlert(context.Background(), alerts[0].ID))
	assert.Equal(t, fixed, store.resolved[alerts[0].ID])

	err := svc.ResolveAlert(context.Background(), "missing")
	assert.ErrorIs(t, err, database.ErrAlertNotFound)
}

func TestSensorService_StartDrainsChannel(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestSensorService(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	svc.ReadingChan <- scenarioReading()
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.readings) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type recordingControlPublisher struct {
	frames []protocol.ControlFrames
	nows   int
	err    error
}

func (p *recordingControlPublisher) PublishControl(_ context.Context, frames protocol.ControlFrames) error {
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, frames)
	return nil
}

func (p *recordingControlPublisher) PublishNow() error {
	p.nows++
	return p.err
}

func newTestDirectory(t *testing.T) *directory.StaticDirectory {
	t.Helper()
	dir, err := directory.NewStaticDirectory(&directory.Topology{
		Wiring: []models.DeviceWiring{
			{DeviceID: "lamp", DeviceType: "led", ModuleIndex: 3, DeviceIndex: 4},
			{DeviceID: "fan", DeviceType: "fan", ModuleIndex: 6, DeviceIndex: 8},
			{DeviceID: "lamp2", DeviceType: "led", ModuleIndex: 3, DeviceIndex: 5},
		},
	})
	require.NoError(t, err)
	return dir
}

func TestControlService_ApplyScenario(t *testing.T) {
	pub := &recordingControlPublisher{}
	svc := NewControlService(newTestDirectory(t), pub, testLogger())

	frames, err := svc.Apply(context.Background(), []models.ControlRequest{
		{DeviceID: "lamp", Status: map[string]interface{}{"power": true}},
	})
	require.NoError(t, err)

	assert.Equal(t, "00010000", frames.ModuleFrame())
	assert.Equal(t, "2000100000", frames.DeviceFrame())
	require.Len(t, pub.frames, 1)
	assert.Equal(t, frames, pub.frames[0])
}

func TestControlService_SharedModuleLastWriteWins(t *testing.T) {
	pub := &recordingControlPublisher{}
	svc := NewControlService(newTestDirectory(t), pub, testLogger())

	frames, err := svc.Apply(context.Background(), []models.ControlRequest{
		{DeviceID: "lamp", Status: map[string]interface{}{"power": true}},
		{DeviceID: "fan", Status: map[string]interface{}{"power": true}},
		{DeviceID: "lamp2", Status: map[string]interface{}{"power": false}},
	})
	require.NoError(t, err)

	assert.Equal(t, "00000010", frames.ModuleFrame(), "lamp2 shares module 3 and came last")
	assert.Equal(t, "2000100010", frames.DeviceFrame())
}

func TestControlService_UnknownDeviceRejectsBatch(t *testing.T) {
	pub := &recordingControlPublisher{}
	svc := NewControlService(newTestDirectory(t), pub, testLogger())

	_, err := svc.Apply(context.Background(), []models.ControlRequest{
		{DeviceID: "lamp", Status: map[string]interface{}{"power": true}},
		{DeviceID: "ghost", Status: map[string]interface{}{"power": true}},
	})
	require.ErrorIs(t, err, directory.ErrDeviceNotFound)

	var nf *directory.DeviceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.DeviceID)
	assert.Empty(t, pub.frames, "nothing is published")
}

func TestControlService_EncodeErrorPublishesNothing(t *testing.T) {
	pub := &recordingControlPublisher{}
	svc := NewControlService(newTestDirectory(t), pub, testLogger())

	_, err := svc.Apply(context.Background(), []models.ControlRequest{
		{DeviceID: "lamp", Status: map[string]interface{}{"brightness": 80.0}},
	})
	require.ErrorIs(t, err, protocol.ErrMissingPower)
	assert.Empty(t, pub.frames)
}

func TestControlService_EmptyBatch(t *testing.T) {
	svc := NewControlService(newTestDirectory(t), &recordingControlPublisher{}, testLogger())
	_, err := svc.Apply(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestControlService_PublishErrorSurfaces(t *testing.T) {
	pubErr := errors.New("mqtt: not connected")
	svc := NewControlService(newTestDirectory(t), &recordingControlPublisher{err: pubErr}, testLogger())

	_, err := svc.Apply(context.Background(), []models.ControlRequest{
		{DeviceID: "lamp", Status: map[string]interface{}{"power": true}},
	})
	assert.ErrorIs(t, err, pubErr)
	assert.ErrorIs(t, svc.RequestTelemetry(context.Background()), pubErr)
}

func TestControlService_RequestTelemetry(t *testing.T) {
	pub := &recordingControlPublisher{}
	svc := NewControlService(newTestDirectory(t), pub, testLogger())

	require.NoError(t, svc.RequestTelemetry(context.Background()))
	assert.Equal(t, 1, pub.nows)
}
