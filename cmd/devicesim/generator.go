package main

import (
	"fmt"
	"math"
	"math/rand"
)

// Generator produces wire payloads for one simulated DHT device.
type Generator struct {
	deviceID           string
	anomalyProbability float64
	baseTemp           float64
	baseHumidity       float64
	rng                *rand.Rand
}

func NewGenerator(deviceID string, anomalyProb float64, seed int64) *Generator {
	return &Generator{
		deviceID:           deviceID,
		anomalyProbability: anomalyProb,
		baseTemp:           21.0,
		baseHumidity:       50.0,
		rng:                rand.New(rand.NewSource(seed)),
	}
}

// Next returns one payload and whether it was generated as an anomaly.
func (g *Generator) Next() (payload string, anomaly bool) {
	anomaly = g.rng.Float64() < g.anomalyProbability

	temperature := g.baseTemp + g.rng.Float64()*4.0 - 2.0
	humidity := g.baseHumidity + g.rng.Float64()*10.0 - 5.0

	if anomaly {
		if g.rng.Float64() < 0.5 {
			temperature = 32.0 + g.rng.Float64()*6.0
		} else {
			temperature = 2.0 + g.rng.Float64()*6.0
		}
		if g.rng.Float64() < 0.3 {
			if g.rng.Float64() < 0.5 {
				humidity = 85.0 + g.rng.Float64()*10.0
			} else {
				humidity = 10.0 + g.rng.Float64()*10.0
			}
		}
	}

	return Format(g.deviceID, math.Round(temperature*10)/10, math.Round(humidity*10)/10), anomaly
}

// Format renders the payload a DHT device sends.
func Format(deviceID string, temperature, humidity float64) string {
	return fmt.Sprintf("ID:%s Temperature:%.1fC Humidity:%.1f%%", deviceID, temperature, humidity)
}
