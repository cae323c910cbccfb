package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dhtlogger/config"
)

type hubRecorder struct {
	mu       sync.Mutex
	paths    []string
	bodies   []SensorState
	auth     []string
	status   int
	requests int
}

func (h *hubRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.requests++
		var body SensorState
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.paths = append(h.paths, r.URL.Path)
		h.bodies = append(h.bodies, body)
		h.auth = append(h.auth, r.Header.Get("Authorization"))
		w.WriteHeader(h.status)
	}
}

func (h *hubRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

func newTestForwarder(t *testing.T, status int) (*HomeAssistantForwarder, *hubRecorder) {
	t.Helper()
	rec := &hubRecorder{status: status}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)
	cfg := config.Defaults()
	cfg.HomeAssistantURL = srv.URL + "/"
	cfg.HomeAssistantToken = "secret"
	logger, _ := observedLogger()
	return NewHomeAssistantForwarder(cfg, logger), rec
}

func TestForwarderPushesBothMetrics(t *testing.T) {
	fwd, rec := newTestForwarder(t, http.StatusCreated)
	temp, hum := 21.5, 48.0
	at := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	fwd.Push(context.Background(), "Living Room", &temp, &hum, at)

	if rec.count() != 2 {
		t.Fatalf("expected 2 requests, got %d", rec.count())
	}
	if rec.paths[0] != "/api/states/sensor.living_room_temperature" || rec.paths[1] != "/api/states/sensor.living_room_humidity" {
		t.Fatalf("unexpected paths %v", rec.paths)
	}
	if rec.auth[0] != "Bearer secret" {
		t.Fatalf("missing bearer token, got %q", rec.auth[0])
	}
	if rec.bodies[0].State != 21.5 || rec.bodies[0].Attributes.UnitOfMeasurement != "°C" {
		t.Fatalf("unexpected temperature body %+v", rec.bodies[0])
	}
	if rec.bodies[1].State != 48 || rec.bodies[1].Attributes.UnitOfMeasurement != "%" {
		t.Fatalf("unexpected humidity body %+v", rec.bodies[1])
	}
	if rec.bodies[0].Attributes.LastUpdate != "2024-04-01T10:00:00Z" {
		t.Fatalf("unexpected last_update %q", rec.bodies[0].Attributes.LastUpdate)
	}
}

func TestForwarderSkipsWhenTemperatureMissing(t *testing.T) {
	rec := &hubRecorder{status: http.StatusOK}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	cfg := config.Defaults()
	cfg.HomeAssistantURL = srv.URL
	logger, logs := observedLogger()
	fwd := NewHomeAssistantForwarder(cfg, logger)

	hum := 50.0
	fwd.Push(context.Background(), "X", nil, &hum, time.Now())

	if rec.count() != 0 {
		t.Fatalf("expected no pushes, got %d", rec.count())
	}
	if logs.FilterMessage("Missing reading, skipping home assistant push").Len() != 1 {
		t.Fatalf("expected the skip to be logged")
	}
}

func TestForwarderSwallowsErrors(t *testing.T) {
	fwd, rec := newTestForwarder(t, http.StatusInternalServerError)
	temp, hum := 1.0, 2.0
	fwd.Push(context.Background(), "X", &temp, &hum, time.Now())
	if rec.count() != 2 {
		t.Fatalf("each metric is attempted independently, got %d requests", rec.count())
	}
}

func TestForwarderBreakerOpensAfterFailures(t *testing.T) {
	fwd, rec := newTestForwarder(t, http.StatusBadGateway)
	temp, hum := 1.0, 2.0
	for i := 0; i < 5; i++ {
		fwd.Push(context.Background(), "X", &temp, &hum, time.Now())
	}
	// The fifth consecutive failure trips the breaker, the rest are skipped.
	if rec.count() != breakerFailures {
		t.Fatalf("expected %d requests before the breaker opened, got %d", breakerFailures, rec.count())
	}
}

func TestEntityPrefix(t *testing.T) {
	if got := EntityPrefix("Salon-2"); got != "sensor.salon_2" {
		t.Fatalf("unexpected entity prefix %q", got)
	}
}
