package models

import (
	"time"
)

// GateState is the debounce state of the alert gate
type GateState string

const (
	// GateArmed means the next breach may dispatch a notification.
	GateArmed GateState = "armed"
	// GateCooling means a notification was sent within the debounce window.
	GateCooling GateState = "cooling"
)

// AlertOutcome is the result of a single alert monitor cycle
type AlertOutcome string

const (
	OutcomeNoThresholds   AlertOutcome = "no_thresholds"
	OutcomeNoMeasurement  AlertOutcome = "no_measurement"
	OutcomeWithinLimits   AlertOutcome = "within_limits"
	OutcomeSuppressed     AlertOutcome = "suppressed"
	OutcomeDispatched     AlertOutcome = "dispatched"
	OutcomeDispatchFailed AlertOutcome = "dispatch_failed"
	OutcomeError          AlertOutcome = "error"
)

// GateStatus describes the alert gate at a point in time
type GateStatus struct {
	State      GateState     `json:"state"`
	LastSentAt *time.Time    `json:"last_sent_at,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Window     time.Duration `json:"window"`
}

// AlertCheck is the breach report served to dashboards
type AlertCheck struct {
	Alert       bool             `json:"alert"`
	Measurement *Measurement     `json:"measurement,omitempty"`
	Thresholds  *ThresholdConfig `json:"thresholds,omitempty"`
	Violations  []*Violation     `json:"violations,omitempty"`
}

// Notification is a rendered alert ready for a delivery channel
type Notification struct {
	Subject string
	Text    string
	HTML    string
	Check   *AlertCheck
}
