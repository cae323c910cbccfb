package main

import (
	"testing"

	"dhtlogger/services"
)

func TestGeneratedPayloadsParse(t *testing.T) {
	gen := NewGenerator("SIM_1", 0.5, 42)
	parser := services.NewWireParser(1024)

	anomalies := 0
	for i := 0; i < 200; i++ {
		payload, anomaly := gen.Next()
		if anomaly {
			anomalies++
		}
		reading, err := parser.Parse([]byte(payload))
		if err != nil {
			t.Fatalf("payload %q does not parse: %v", payload, err)
		}
		if reading.DeviceID != "SIM_1" {
			t.Fatalf("unexpected device id %q", reading.DeviceID)
		}
	}
	if anomalies == 0 || anomalies == 200 {
		t.Fatalf("anomaly probability not applied, got %d/200", anomalies)
	}
}

func TestFormat(t *testing.T) {
	if got := Format("A", 20.5, 40); got != "ID:A Temperature:20.5C Humidity:40.0%" {
		t.Fatalf("unexpected payload %q", got)
	}
}
