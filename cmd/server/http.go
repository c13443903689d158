package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"home-bridge/internal/database"
	"home-bridge/internal/devicecache"
	"home-bridge/internal/directory"
	"home-bridge/internal/metrics"
	"home-bridge/internal/models"
	"home-bridge/internal/mqtt"
	"home-bridge/internal/protocol"
	"home-bridge/internal/services"
)

// connectionState is satisfied by *mqtt.Manager
type connectionState interface {
	State() mqtt.State
	RetryCount() int
	IsConnected() bool
}

type httpDeps struct {
	conn    connectionState
	cache   *devicecache.Cache
	metrics *metrics.Metrics
	control *services.ControlService
	sensors *services.SensorService
	logger  *slog.Logger
}

// healthStatus is the /health response body
type healthStatus struct {
	Status        string `json:"status"`
	MQTT          string `json:"mqtt"`
	RetryCount    int    `json:"retry_count"`
	OnlineDevices int    `json:"online_devices"`
}

type deviceStatus struct {
	DeviceID       string                 `json:"device_id"`
	State          string                 `json:"state"`
	Status         map[string]interface{} `json:"status,omitempty"`
	LastUpdate     *time.Time             `json:"last_update,omitempty"`
	LastHeartbeat  *time.Time             `json:"last_heartbeat,omitempty"`
	Battery        *float64               `json:"battery,omitempty"`
	SignalStrength *float64               `json:"signal_strength,omitempty"`
}

type controlResponse struct {
	Module string `json:"module"`
	Device string `json:"device"`
}

// newHTTPHandler serves health, metrics and the operator endpoints
func newHTTPHandler(d httpDeps) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", d.metrics.Handler())
	mux.HandleFunc("GET /health", d.health)
	mux.HandleFunc("GET /devices", d.listDevices)
	mux.HandleFunc("GET /devices/{id}", d.getDevice)
	mux.HandleFunc("POST /control", d.applyControl)
	mux.HandleFunc("POST /telemetry/request", d.requestTelemetry)
	mux.HandleFunc("GET /alerts", d.listAlerts)
	mux.HandleFunc("POST /alerts/{id}/resolve", d.resolveAlert)
	return mux
}

func (d httpDeps) health(w http.ResponseWriter, _ *http.Request) {
	body := healthStatus{
		Status:        "ok",
		MQTT:          d.conn.State().String(),
		RetryCount:    d.conn.RetryCount(),
		OnlineDevices: d.cache.OnlineCount(),
	}
	code := http.StatusOK
	if !d.conn.IsConnected() {
		body.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (d httpDeps) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"online": d.cache.ListOnline(),
		"stale":  d.cache.ListStale(),
	})
}

func (d httpDeps) getDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body := deviceStatus{DeviceID: id, State: d.cache.State(id).String()}

	if entry, ok := d.cache.Status(id); ok {
		body.Status = entry.Status
		body.LastUpdate = &entry.LastUpdate
		body.LastHeartbeat = entry.LastHeartbeat
		body.Battery = entry.Battery
		body.SignalStrength = entry.SignalStrength
	} else if body.State == devicecache.StateOffline.String() {
		writeError(w, http.StatusNotFound, "no status for device "+id)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (d httpDeps) applyControl(w http.ResponseWriter, r *http.Request) {
	var requests []models.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		writeError(w, http.StatusBadRequest, "invalid control body: "+err.Error())
		return
	}

	frames, err := d.control.Apply(r.Context(), requests)
	if err != nil {
		d.logger.Warn("control request failed", "error", err)
		writeError(w, controlErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Module: frames.ModuleFrame(), Device: frames.DeviceFrame()})
}

func (d httpDeps) requestTelemetry(w http.ResponseWriter, r *http.Request) {
	if err := d.control.RequestTelemetry(r.Context()); err != nil {
		writeError(w, controlErrorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d httpDeps) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	unresolved, _ := strconv.ParseBool(r.URL.Query().Get("unresolved"))

	alerts, err := d.sensors.RecentAlerts(r.Context(), limit, unresolved)
	if err != nil {
		d.logger.Error("failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (d httpDeps) resolveAlert(w http.ResponseWriter, r *http.Request) {
	err := d.sensors.ResolveAlert(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, database.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		d.logger.Error("failed to resolve alert", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func controlErrorStatus(err error) int {
	var slotErr *protocol.SlotError
	switch {
	case errors.Is(err, directory.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrEmptyBatch),
		errors.Is(err, protocol.ErrMissingPower),
		errors.As(err, &slotErr):
		return http.StatusBadRequest
	case errors.Is(err, mqtt.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
