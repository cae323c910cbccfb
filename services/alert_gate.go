package services

import (
	"context"
	"time"

	"dhtlogger/models"
)

// AlertGate debounces notifications with the durable last-sent timestamp.
// COOLING becomes ARMED purely by elapsed time, so a restart never resets
// the gate.
type AlertGate struct {
	settings *Settings
	window   time.Duration
}

func NewAlertGate(settings *Settings, window time.Duration) *AlertGate {
	return &AlertGate{settings: settings, window: window}
}

// Status evaluates the gate at now. The gate opens only once elapsed is
// strictly greater than the window.
func (g *AlertGate) Status(ctx context.Context, now time.Time) (models.GateStatus, error) {
	last, err := g.settings.LastAlertSentAt(ctx)
	if err != nil {
		return models.GateStatus{}, err
	}
	status := models.GateStatus{
		State:      models.GateArmed,
		LastSentAt: last,
		Window:     g.window,
	}
	if last == nil {
		return status, nil
	}
	status.Elapsed = now.Sub(*last)
	if status.Elapsed <= g.window {
		status.State = models.GateCooling
	}
	return status, nil
}

// Record moves the gate to COOLING after a successful dispatch.
func (g *AlertGate) Record(ctx context.Context, sentAt time.Time) error {
	return g.settings.MarkAlertSent(ctx, sentAt)
}
