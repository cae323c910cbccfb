package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"dhtlogger/export"
	"dhtlogger/models"
	"dhtlogger/services"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sourceHTTP = "http"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	store      *services.MeasurementStore
	ingest     *services.IngestService
	monitor    *services.AlertMonitor
	settings   *services.Settings
	automation *services.AutomationController
	hub        *Hub
	maxBody    int64
	logger     *zap.Logger
}

func NewHandler(
	store *services.MeasurementStore,
	ingest *services.IngestService,
	monitor *services.AlertMonitor,
	settings *services.Settings,
	automation *services.AutomationController,
	hub *Hub,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:      store,
		ingest:     ingest,
		monitor:    monitor,
		settings:   settings,
		automation: automation,
		hub:        hub,
		maxBody:    64 << 10,
		logger:     logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListAll returns every measurement in ascending time order.
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.All(r.Context())
	if err != nil {
		h.internalError(w, "list measurements", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *Handler) ListMeasurements(w http.ResponseWriter, r *http.Request) {
	var (
		out []*models.Measurement
		err error
	)
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		out, err = h.store.ByDevice(r.Context(), deviceID)
	} else {
		out, err = h.store.All(r.Context())
	}
	if err != nil {
		h.internalError(w, "list measurements", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) LatestMeasurement(w http.ResponseWriter, r *http.Request) {
	latest, err := h.store.Latest(r.Context())
	if err != nil {
		h.internalError(w, "latest measurement", err)
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "no measurements yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

type measurementRequest struct {
	DeviceID    string   `json:"device_id"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// InjectMeasurement accepts a JSON reading, or a raw wire payload when the
// body is text/plain.
func (h *Handler) InjectMeasurement(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	var m *models.Measurement
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		m, err = h.ingest.HandlePayload(r.Context(), body, sourceHTTP)
		var perr *services.ParseError
		if errors.As(err, &perr) || errors.Is(err, services.ErrPayloadTooLarge) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		var req measurementRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		reading, verr := req.reading()
		if verr != nil {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		m, err = h.ingest.Ingest(r.Context(), reading, sourceHTTP)
	}

	// A mirror failure still returns the stored measurement.
	if m == nil {
		h.internalError(w, "store measurement", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (req measurementRequest) reading() (models.Reading, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return models.Reading{}, errors.New("device_id is required")
	}
	if req.Temperature == nil || req.Humidity == nil {
		return models.Reading{}, errors.New("temperature and humidity are required")
	}
	for _, v := range []float64{*req.Temperature, *req.Humidity} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.Reading{}, errors.New("values must be finite")
		}
	}
	return models.Reading{
		DeviceID:    strings.TrimSpace(req.DeviceID),
		Temperature: *req.Temperature,
		Humidity:    *req.Humidity,
	}, nil
}

func (h *Handler) ExportDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	measurements, err := h.store.ByDevice(r.Context(), deviceID)
	if err != nil {
		h.internalError(w, "export measurements", err)
		return
	}
	if len(measurements) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no measurements for device %s", deviceID))
		return
	}

	doc, err := export.Build(r.URL.Query().Get("format"), deviceID, measurements)
	var ufe *export.UnsupportedFormatError
	if errors.As(err, &ufe) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, "build export", err)
		return
	}

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

type checkAlertResponse struct {
	*models.AlertCheck
	Gate models.GateStatus `json:"gate"`
}

// CheckAlert reports whether the latest measurement breaches the thresholds.
func (h *Handler) CheckAlert(w http.ResponseWriter, r *http.Request) {
	check, err := h.monitor.CheckAlert(r.Context())
	if err != nil {
		h.internalError(w, "check alert", err)
		return
	}
	if check.Thresholds == nil {
		writeError(w, http.StatusNotFound, "alert thresholds not configured")
		return
	}
	gate, err := h.monitor.State(r.Context())
	if err != nil {
		h.internalError(w, "alert gate state", err)
		return
	}
	writeJSON(w, http.StatusOK, checkAlertResponse{AlertCheck: check, Gate: gate})
}

func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	t, err := h.settings.Thresholds(r.Context())
	if err != nil {
		h.internalError(w, "load thresholds", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "alert thresholds not configured")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type thresholdsRequest struct {
	TemperatureMin *float64 `json:"temp_min"`
	TemperatureMax *float64 `json:"temp_max"`
	HumidityMin    *float64 `json:"humidity_min"`
	HumidityMax    *float64 `json:"humidity_max"`
}

func (h *Handler) PutThresholds(w http.ResponseWriter, r *http.Request) {
	var req thresholdsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TemperatureMin == nil || req.TemperatureMax == nil || req.HumidityMin == nil || req.HumidityMax == nil {
		writeError(w, http.StatusBadRequest, "temp_min, temp_max, humidity_min and humidity_max are required")
		return
	}
	t := models.ThresholdConfig{
		TemperatureMin: *req.TemperatureMin,
		TemperatureMax: *req.TemperatureMax,
		HumidityMin:    *req.HumidityMin,
		HumidityMax:    *req.HumidityMax,
	}
	if err := h.settings.SetThresholds(r.Context(), t); err != nil {
		if errors.Is(err, services.ErrInvalidThresholds) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "save thresholds", err)
		return
	}
	h.logger.Info("Alert thresholds updated",
		zap.Float64("temp_min", t.TemperatureMin),
		zap.Float64("temp_max", t.TemperatureMax),
		zap.Float64("humidity_min", t.HumidityMin),
		zap.Float64("humidity_max", t.HumidityMax))
	writeJSON(w, http.StatusOK, t)
}

type automationResponse struct {
	Enabled  bool `json:"enabled"`
	CaughtUp bool `json:"caught_up,omitempty"`
}

func (h *Handler) GetAutomation(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.automation.Enabled(r.Context())
	if err != nil {
		h.internalError(w, "load automation toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, automationResponse{Enabled: enabled})
}

func (h *Handler) PutAutomation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxBody)).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}
	caughtUp, err := h.automation.SetEnabled(r.Context(), *req.Enabled)
	if err != nil {
		h.internalError(w, "save automation toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, automationResponse{Enabled: *req.Enabled, CaughtUp: caughtUp})
}

// ServeWS upgrades the connection and sends the latest measurement first.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{hub: h.hub, conn: conn, send: make(chan []byte, 256), logger: h.logger}
	if latest, err := h.store.Latest(r.Context()); err == nil && latest != nil {
		if data, err := encodeMessage("latest", latest); err == nil {
			client.send <- data
		}
	}
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
