package services

import (
	"context"
	"fmt"

	"dhtlogger/models"

	"go.uber.org/zap"
)

// Forwarder delivers a stored measurement to the home automation hub.
type Forwarder interface {
	Forward(ctx context.Context, m *models.Measurement)
}

// LatestReader returns the most recent measurement, or nil when there is none.
type LatestReader interface {
	Latest(ctx context.Context) (*models.Measurement, error)
}

// AutomationController owns the forwarding toggle.
type AutomationController struct {
	settings  *Settings
	store     LatestReader
	forwarder Forwarder
	logger    *zap.Logger
}

// NewAutomationController accepts a nil forwarder when no hub is configured;
// the toggle is still stored but nothing is pushed.
func NewAutomationController(settings *Settings, store LatestReader, forwarder Forwarder, logger *zap.Logger) *AutomationController {
	return &AutomationController{
		settings:  settings,
		store:     store,
		forwarder: forwarder,
		logger:    logger,
	}
}

func (a *AutomationController) Enabled(ctx context.Context) (bool, error) {
	return a.settings.AutomationEnabled(ctx)
}

// SetEnabled stores the toggle. Turning it on from off replays the latest
// stored measurement once; caughtUp reports whether that happened.
func (a *AutomationController) SetEnabled(ctx context.Context, enabled bool) (caughtUp bool, err error) {
	previous, err := a.settings.SetAutomationEnabled(ctx, enabled)
	if err != nil {
		return false, err
	}
	a.logger.Info("Automation toggle updated",
		zap.Bool("previous", previous),
		zap.Bool("enabled", enabled))

	if previous || !enabled {
		return false, nil
	}

	latest, err := a.store.Latest(ctx)
	if err != nil {
		return false, fmt.Errorf("load latest measurement for catch-up: %w", err)
	}
	if latest == nil {
		a.logger.Info("No stored measurement to replay")
		return false, nil
	}
	if a.forwarder == nil {
		a.logger.Warn("Home assistant not configured, catch-up skipped")
		return false, nil
	}

	a.logger.Info("Replaying latest measurement",
		zap.String("device_id", latest.DeviceID),
		zap.Time("timestamp", latest.Timestamp))
	a.forwarder.Forward(ctx, latest)
	return true, nil
}

// ForwardIfEnabled pushes m when the toggle is on. Toggle read errors are
// logged and treated as off.
func (a *AutomationController) ForwardIfEnabled(ctx context.Context, m *models.Measurement) {
	if a.forwarder == nil {
		return
	}
	enabled, err := a.Enabled(ctx)
	if err != nil {
		a.logger.Error("Failed to read automation toggle",
			zap.String("device_id", m.DeviceID),
			zap.Error(err))
		return
	}
	if enabled {
		a.forwarder.Forward(ctx, m)
	}
}
