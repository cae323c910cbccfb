package models

import (
	"time"
)

// Measurement is one temperature/humidity reading accepted from a device.
// Timestamp is assigned by the store on arrival, never by the device.
type Measurement struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// Key is the idempotency key shared by the primary store and the mirror log.
func (m *Measurement) Key() string {
	return MeasurementKey(m.DeviceID, m.Timestamp)
}

func MeasurementKey(deviceID string, ts time.Time) string {
	return deviceID + "|" + ts.UTC().Format(time.RFC3339Nano)
}

// Reading is the parsed form of a device payload before the store stamps it.
type Reading struct {
	DeviceID    string
	Temperature float64
	Humidity    float64
}

// ThresholdConfig holds the admin-configured alert bounds.
type ThresholdConfig struct {
	TemperatureMin float64 `json:"temp_min"`
	TemperatureMax float64 `json:"temp_max"`
	HumidityMin    float64 `json:"humidity_min"`
	HumidityMax    float64 `json:"humidity_max"`
}

// ViolationType represents which bound a measurement crossed
type ViolationType string

const (
	TemperatureTooHigh ViolationType = "temperature_high"
	TemperatureTooLow  ViolationType = "temperature_low"
	HumidityTooHigh    ViolationType = "humidity_high"
	HumidityTooLow     ViolationType = "humidity_low"
)

// Violation represents one breached bound
type Violation struct {
	Type        ViolationType `json:"type"`
	Value       float64       `json:"value"`
	Threshold   float64       `json:"threshold"`
	DeviceID    string        `json:"device_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Description string        `json:"description"`
}

// Title returns a user-facing heading for the violation.
func (v *Violation) Title() string {
	switch v.Type {
	case TemperatureTooHigh:
		return "High Temperature"
	case TemperatureTooLow:
		return "Low Temperature"
	case HumidityTooHigh:
		return "High Humidity"
	case HumidityTooLow:
		return "Low Humidity"
	default:
		return "Threshold Breach"
	}
}

// Emoji returns the marker used in chat notifications.
func (v *Violation) Emoji() string {
	switch v.Type {
	case TemperatureTooHigh:
		return "🔥"
	case TemperatureTooLow:
		return "🧊"
	case HumidityTooHigh:
		return "💧"
	case HumidityTooLow:
		return "🏜️"
	default:
		return "⚠️"
	}
}
