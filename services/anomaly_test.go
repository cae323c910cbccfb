package services

import (
	"testing"

	"dhtlogger/models"
)

func TestBreachEvaluator(t *testing.T) {
	thresholds := &models.ThresholdConfig{TemperatureMin: 10, TemperatureMax: 30, HumidityMin: 20, HumidityMax: 80}
	evaluator := NewBreachEvaluator()

	cases := []struct {
		name  string
		temp  float64
		hum   float64
		types []models.ViolationType
	}{
		{name: "hot", temp: 35, hum: 50, types: []models.ViolationType{models.TemperatureTooHigh}},
		{name: "normal", temp: 20, hum: 50},
		{name: "cold and dry", temp: 5, hum: 10, types: []models.ViolationType{models.TemperatureTooLow, models.HumidityTooLow}},
		{name: "humid", temp: 20, hum: 81, types: []models.ViolationType{models.HumidityTooHigh}},
		{name: "on the bounds", temp: 30, hum: 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &models.Measurement{DeviceID: "X", Temperature: tc.temp, Humidity: tc.hum}
			got := evaluator.Evaluate(thresholds, m)
			if len(got) != len(tc.types) {
				t.Fatalf("expected %d violations, got %d", len(tc.types), len(got))
			}
			for i, v := range got {
				if v.Type != tc.types[i] {
					t.Fatalf("violation %d: expected %s, got %s", i, tc.types[i], v.Type)
				}
			}
			if evaluator.IsBreach(thresholds, m) != (len(tc.types) > 0) {
				t.Fatalf("IsBreach disagrees with Evaluate")
			}
		})
	}
}

func TestBreachEvaluatorNilThresholds(t *testing.T) {
	if NewBreachEvaluator().IsBreach(nil, &models.Measurement{Temperature: 100}) {
		t.Fatalf("nil thresholds must never breach")
	}
}
