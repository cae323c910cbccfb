package services

import (
	"context"
	"testing"
	"time"

	"dhtlogger/config"

	"go.uber.org/zap"
)

func TestMQTTSourceClientOptions(t *testing.T) {
	cfg := config.Defaults()
	cfg.MQTTBroker = "tcp://broker.local:1883"
	cfg.MQTTUser = "dht"
	cfg.MQTTPass = "secret"

	opts := NewMQTTSource(cfg, nil, zap.NewNop()).clientOptions()
	if len(opts.Servers) != 1 || opts.Servers[0].Host != "broker.local:1883" {
		t.Fatalf("unexpected brokers %v", opts.Servers)
	}
	if opts.ClientID != "dhtlogger" || opts.Username != "dht" || opts.Password != "secret" {
		t.Fatalf("unexpected credentials %+v", opts)
	}
	if !opts.AutoReconnect {
		t.Fatalf("auto reconnect should be enabled")
	}
}

func TestMQTTSourceFeedsIngestPipeline(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ingest := NewIngestService(NewWireParser(1024), store, nil, zap.NewNop())
	src := NewMQTTSource(config.Defaults(), ingest, zap.NewNop())

	payload := []byte("ID:MQTT_1 Temperature:22.5C Humidity:41.0%")
	src.handleMessage(context.Background(), payload)
	// The source must not retain the broker's buffer.
	copy(payload, "XXXXXXXXX")

	latest, err := store.Latest(context.Background())
	if err != nil || latest == nil {
		t.Fatalf("expected a stored measurement, err=%v", err)
	}
	if latest.DeviceID != "MQTT_1" || latest.Temperature != 22.5 || latest.Humidity != 41 {
		t.Fatalf("unexpected measurement %+v", latest)
	}
}
