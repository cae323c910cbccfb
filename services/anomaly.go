package services

import (
	"fmt"

	"dhtlogger/models"
)

// BreachEvaluator compares a measurement against the configured thresholds.
type BreachEvaluator struct{}

func NewBreachEvaluator() *BreachEvaluator {
	return &BreachEvaluator{}
}

// Evaluate returns one violation per crossed bound. Bounds are exclusive:
// a value equal to a threshold is within limits.
func (be *BreachEvaluator) Evaluate(thresholds *models.ThresholdConfig, data *models.Measurement) []*models.Violation {
	if thresholds == nil || data == nil {
		return nil
	}

	var violations []*models.Violation

	// Check temperature bounds
	if data.Temperature > thresholds.TemperatureMax {
		violations = append(violations, &models.Violation{
			Type:        models.TemperatureTooHigh,
			Value:       data.Temperature,
			Threshold:   thresholds.TemperatureMax,
			DeviceID:    data.DeviceID,
			Timestamp:   data.Timestamp,
			Description: fmt.Sprintf("Temperature %.1f°C exceeds maximum threshold of %.1f°C", data.Temperature, thresholds.TemperatureMax),
		})
	}

	if data.Temperature < thresholds.TemperatureMin {
		violations = append(violations, &models.Violation{
			Type:        models.TemperatureTooLow,
			Value:       data.Temperature,
			Threshold:   thresholds.TemperatureMin,
			DeviceID:    data.DeviceID,
			Timestamp:   data.Timestamp,
			Description: fmt.Sprintf("Temperature %.1f°C is below minimum threshold of %.1f°C", data.Temperature, thresholds.TemperatureMin),
		})
	}

	// Check humidity bounds
	if data.Humidity > thresholds.HumidityMax {
		violations = append(violations, &models.Violation{
			Type:        models.HumidityTooHigh,
			Value:       data.Humidity,
			Threshold:   thresholds.HumidityMax,
			DeviceID:    data.DeviceID,
			Timestamp:   data.Timestamp,
			Description: fmt.Sprintf("Humidity %.1f%% exceeds maximum threshold of %.1f%%", data.Humidity, thresholds.HumidityMax),
		})
	}

	if data.Humidity < thresholds.HumidityMin {
		violations = append(violations, &models.Violation{
			Type:        models.HumidityTooLow,
			Value:       data.Humidity,
			Threshold:   thresholds.HumidityMin,
			DeviceID:    data.DeviceID,
			Timestamp:   data.Timestamp,
			Description: fmt.Sprintf("Humidity %.1f%% is below minimum threshold of %.1f%%", data.Humidity, thresholds.HumidityMin),
		})
	}

	return violations
}

// IsBreach reports whether any bound is crossed.
func (be *BreachEvaluator) IsBreach(thresholds *models.ThresholdConfig, data *models.Measurement) bool {
	return len(be.Evaluate(thresholds, data)) > 0
}
