package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dhtlogger/config"
	"dhtlogger/models"

	"go.uber.org/zap"
)

func TestMeasurementPoint(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p := measurementPoint(&models.Measurement{DeviceID: "SENSOR_A", Timestamp: at, Temperature: 21.5, Humidity: 40})

	if p.Name() != "environment" {
		t.Fatalf("unexpected measurement name %s", p.Name())
	}
	tags := p.TagList()
	if len(tags) != 1 || tags[0].Key != "device_id" || tags[0].Value != "SENSOR_A" {
		t.Fatalf("unexpected tags %+v", tags)
	}
	if len(p.FieldList()) != 2 {
		t.Fatalf("expected temperature and humidity fields")
	}
	if !p.Time().Equal(at) {
		t.Fatalf("point time should be the measurement timestamp")
	}
}

func TestInfluxSinkWritesLineProtocol(t *testing.T) {
	var mu sync.Mutex
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/v2/write") {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.InfluxURL = srv.URL
	cfg.InfluxToken = "token"
	cfg.InfluxOrg = "org"
	cfg.InfluxBucket = "bucket"
	sink, err := NewInfluxSink(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	err = sink.WriteBatch(context.Background(), []*models.Measurement{
		{DeviceID: "X", Timestamp: time.Now(), Temperature: 20, Humidity: 50},
		{DeviceID: "Y", Timestamp: time.Now(), Temperature: 21, Humidity: 51},
	})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(body, "environment,device_id=X") || !strings.Contains(body, "environment,device_id=Y") {
		t.Fatalf("unexpected line protocol %q", body)
	}
}

func TestInfluxSinkRequiresConfig(t *testing.T) {
	if _, err := NewInfluxSink(config.Defaults(), zap.NewNop()); err == nil {
		t.Fatalf("expected incomplete config error")
	}
}
