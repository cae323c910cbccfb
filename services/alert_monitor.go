package services

import (
	"context"
	"sync"
	"time"

	"dhtlogger/config"
	"dhtlogger/metrics"
	"dhtlogger/models"

	"go.uber.org/zap"
)

// AlertDispatcher delivers a breach report.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, check models.AlertCheck) error
}

// AlertMonitor polls the latest measurement against the thresholds and
// dispatches at most one notification per debounce window.
type AlertMonitor struct {
	settings   *Settings
	store      LatestReader
	evaluator  *BreachEvaluator
	gate       *AlertGate
	dispatcher AlertDispatcher
	clock      Clock
	interval   time.Duration
	logger     *zap.Logger
	mu         sync.Mutex
}

func NewAlertMonitor(cfg *config.Config, settings *Settings, store LatestReader, dispatcher AlertDispatcher, clock Clock, logger *zap.Logger) *AlertMonitor {
	if clock == nil {
		clock = systemClock{}
	}
	return &AlertMonitor{
		settings:   settings,
		store:      store,
		evaluator:  NewBreachEvaluator(),
		gate:       NewAlertGate(settings, cfg.AlertDebounceWindow),
		dispatcher: dispatcher,
		clock:      clock,
		interval:   cfg.AlertPollInterval,
		logger:     logger,
	}
}

// Start runs one cycle immediately, then one per poll interval until ctx is done.
func (a *AlertMonitor) Start(ctx context.Context) {
	a.logger.Info("Starting alert monitor",
		zap.Duration("interval", a.interval),
		zap.Duration("debounce_window", a.gate.window))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Alert monitor stopped")
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single poll. Every failure is absorbed and reported
// through the outcome.
func (a *AlertMonitor) RunOnce(ctx context.Context) models.AlertOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	outcome := a.cycle(ctx)
	metrics.IncAlertCycle(string(outcome))
	return outcome
}

func (a *AlertMonitor) cycle(ctx context.Context) models.AlertOutcome {
	check, err := a.CheckAlert(ctx)
	if err != nil {
		a.logger.Error("Alert check failed", zap.Error(err))
		return models.OutcomeError
	}
	if check.Thresholds == nil {
		a.logger.Info("No thresholds configured, skipping alert check")
		return models.OutcomeNoThresholds
	}
	if check.Measurement == nil {
		a.logger.Info("No measurement stored yet, skipping alert check")
		return models.OutcomeNoMeasurement
	}
	if !check.Alert {
		a.logger.Debug("Latest measurement within limits",
			zap.String("device_id", check.Measurement.DeviceID))
		return models.OutcomeWithinLimits
	}

	now := a.clock.Now()
	status, err := a.gate.Status(ctx, now)
	if err != nil {
		a.logger.Error("Failed to read alert gate", zap.Error(err))
		return models.OutcomeError
	}
	if status.State == models.GateCooling {
		a.logger.Info("Breach detected but debounce window not expired",
			zap.String("device_id", check.Measurement.DeviceID),
			zap.Duration("elapsed", status.Elapsed),
			zap.Duration("window", status.Window))
		return models.OutcomeSuppressed
	}

	if err := a.dispatcher.Dispatch(ctx, *check); err != nil {
		// The gate stays armed so the next poll retries.
		a.logger.Error("Failed to dispatch alert",
			zap.String("device_id", check.Measurement.DeviceID),
			zap.Error(err))
		return models.OutcomeDispatchFailed
	}

	if err := a.gate.Record(ctx, now); err != nil {
		a.logger.Error("Alert sent but gate timestamp not stored",
			zap.String("device_id", check.Measurement.DeviceID),
			zap.Error(err))
		return models.OutcomeError
	}

	a.logger.Info("Alert dispatched",
		zap.String("device_id", check.Measurement.DeviceID),
		zap.Int("violation_count", len(check.Violations)))
	return models.OutcomeDispatched
}

// CheckAlert evaluates the latest measurement without dispatching.
func (a *AlertMonitor) CheckAlert(ctx context.Context) (*models.AlertCheck, error) {
	thresholds, err := a.settings.Thresholds(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := a.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	check := &models.AlertCheck{
		Measurement: latest,
		Thresholds:  thresholds,
	}
	if thresholds != nil && latest != nil {
		check.Violations = a.evaluator.Evaluate(thresholds, latest)
		check.Alert = len(check.Violations) > 0
	}
	return check, nil
}

// State reports the gate as of now.
func (a *AlertMonitor) State(ctx context.Context) (models.GateStatus, error) {
	return a.gate.Status(ctx, a.clock.Now())
}
