package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dhtlogger/config"
	"dhtlogger/metrics"
	"dhtlogger/models"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	breakerFailures = 5
	breakerOpenFor  = 30 * time.Second
)

// HomeAssistantForwarder pushes readings to the Home Assistant states API.
// Pushes are best effort: failures are logged and counted, never retried.
type HomeAssistantForwarder struct {
	logger     *zap.Logger
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// SensorState is the body of POST /api/states/<entity_id>.
type SensorState struct {
	State      float64          `json:"state"`
	Attributes SensorAttributes `json:"attributes"`
}

type SensorAttributes struct {
	UnitOfMeasurement string `json:"unit_of_measurement"`
	FriendlyName      string `json:"friendly_name"`
	LastUpdate        string `json:"last_update"`
}

func NewHomeAssistantForwarder(cfg *config.Config, logger *zap.Logger) *HomeAssistantForwarder {
	return &HomeAssistantForwarder{
		logger:  logger,
		baseURL: strings.TrimRight(cfg.HomeAssistantURL, "/"),
		token:   cfg.HomeAssistantToken,
		httpClient: &http.Client{
			Timeout: cfg.HomeAssistantTimeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "home-assistant",
			Timeout: breakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// Forward pushes a stored measurement.
func (h *HomeAssistantForwarder) Forward(ctx context.Context, m *models.Measurement) {
	h.Push(ctx, m.DeviceID, &m.Temperature, &m.Humidity, m.Timestamp)
}

// Push sends one state update per metric. A missing value skips both
// updates so the hub never shows a half-updated device.
func (h *HomeAssistantForwarder) Push(ctx context.Context, deviceID string, temperature, humidity *float64, at time.Time) {
	if temperature == nil || humidity == nil {
		h.logger.Warn("Missing reading, skipping home assistant push",
			zap.String("device_id", deviceID),
			zap.Bool("has_temperature", temperature != nil),
			zap.Bool("has_humidity", humidity != nil))
		metrics.IncForward("all", "skipped")
		return
	}

	entity := EntityPrefix(deviceID)
	lastUpdate := at.Format(time.RFC3339)

	h.push(ctx, deviceID, "temperature", entity+"_temperature", SensorState{
		State: *temperature,
		Attributes: SensorAttributes{
			UnitOfMeasurement: "°C",
			FriendlyName:      "Temperature " + deviceID,
			LastUpdate:        lastUpdate,
		},
	})
	h.push(ctx, deviceID, "humidity", entity+"_humidity", SensorState{
		State: *humidity,
		Attributes: SensorAttributes{
			UnitOfMeasurement: "%",
			FriendlyName:      "Humidity " + deviceID,
			LastUpdate:        lastUpdate,
		},
	})
}

func (h *HomeAssistantForwarder) push(ctx context.Context, deviceID, metric, entityID string, state SensorState) {
	_, err := h.breaker.Execute(func() (interface{}, error) {
		return nil, h.post(ctx, entityID, state)
	})
	switch {
	case err == nil:
		metrics.IncForward(metric, "ok")
		h.logger.Debug("Home assistant state updated",
			zap.String("device_id", deviceID),
			zap.String("entity_id", entityID))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.IncForward(metric, "breaker_open")
		h.logger.Warn("Home assistant unavailable, push skipped",
			zap.String("device_id", deviceID),
			zap.String("entity_id", entityID))
	default:
		metrics.IncForward(metric, "error")
		h.logger.Error("Failed to push state to home assistant",
			zap.String("device_id", deviceID),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

func (h *HomeAssistantForwarder) post(ctx context.Context, entityID string, state SensorState) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/states/%s", h.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("home assistant returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

// EntityPrefix turns a device id into a Home Assistant object id.
func EntityPrefix(deviceID string) string {
	var sb strings.Builder
	sb.WriteString("sensor.")
	for _, r := range strings.ToLower(deviceID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
