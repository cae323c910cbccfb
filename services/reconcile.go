package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dhtlogger/metrics"
	"dhtlogger/models"

	"go.uber.org/zap"
)

// ReconcileReport lists measurements present in only one of the two sinks.
type ReconcileReport struct {
	MissingInMirror   []*models.Measurement `json:"missing_in_mirror"`
	MissingInPrimary  []*models.Measurement `json:"missing_in_primary"`
	SkippedMirrorRows []int                 `json:"skipped_mirror_rows,omitempty"`
	Repaired          int                   `json:"repaired"`
}

// Consistent reports whether both sinks hold the same keys.
func (r *ReconcileReport) Consistent() bool {
	return len(r.MissingInMirror) == 0 && len(r.MissingInPrimary) == 0
}

// Reconciler detects, and optionally repairs, measurements left in only
// one sink by an interrupted dual write. Measurements younger than the
// grace period may still be between the two stages and are left alone.
type Reconciler struct {
	repo   MeasurementRepository
	mirror *MirrorLog
	grace  time.Duration
	clock  Clock
	logger *zap.Logger
}

func NewReconciler(repo MeasurementRepository, mirror *MirrorLog, grace time.Duration, clock Clock, logger *zap.Logger) *Reconciler {
	if clock == nil {
		clock = systemClock{}
	}
	return &Reconciler{
		repo:   repo,
		mirror: mirror,
		grace:  grace,
		clock:  clock,
		logger: logger,
	}
}

// Run compares both sinks by measurement key. With repair set, every
// missing row is copied to the sink that lacks it.
func (r *Reconciler) Run(ctx context.Context, repair bool) (*ReconcileReport, error) {
	primary, err := r.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load primary store: %w", err)
	}
	scan, err := r.mirror.Scan()
	if err != nil {
		return nil, fmt.Errorf("load mirror log: %w", err)
	}
	mirrored := scan.Rows
	if len(scan.SkippedLines) > 0 {
		r.logger.Warn("Skipped unreadable mirror log rows",
			zap.String("path", r.mirror.Path()),
			zap.Ints("lines", scan.SkippedLines))
	}
	cutoff := r.clock.Now().Add(-r.grace)

	primaryKeys := make(map[string]struct{}, len(primary))
	for _, m := range primary {
		primaryKeys[m.Key()] = struct{}{}
	}
	mirrorKeys := make(map[string]struct{}, len(mirrored))
	for _, m := range mirrored {
		mirrorKeys[m.Key()] = struct{}{}
	}

	report := &ReconcileReport{SkippedMirrorRows: scan.SkippedLines}
	for _, m := range primary {
		if m.Timestamp.After(cutoff) {
			continue
		}
		if _, ok := mirrorKeys[m.Key()]; !ok {
			report.MissingInMirror = append(report.MissingInMirror, m)
		}
	}
	for _, m := range mirrored {
		if m.Timestamp.After(cutoff) {
			continue
		}
		if _, ok := primaryKeys[m.Key()]; !ok {
			report.MissingInPrimary = append(report.MissingInPrimary, m)
			// Duplicate rows in the mirror are reported once.
			primaryKeys[m.Key()] = struct{}{}
		}
	}
	sortByTimestamp(report.MissingInMirror)
	sortByTimestamp(report.MissingInPrimary)

	metrics.SetReconcileMissing(len(report.MissingInMirror), len(report.MissingInPrimary))
	r.logger.Info("Reconciliation finished",
		zap.Int("primary_rows", len(primary)),
		zap.Int("mirror_rows", len(mirrored)),
		zap.Int("missing_in_mirror", len(report.MissingInMirror)),
		zap.Int("missing_in_primary", len(report.MissingInPrimary)))

	if !repair || report.Consistent() {
		return report, nil
	}

	written, err := r.mirror.AppendMissing(report.MissingInMirror)
	report.Repaired += written
	if err != nil {
		return report, fmt.Errorf("repair mirror: %w", err)
	}
	for _, m := range report.MissingInPrimary {
		if _, err := r.repo.Insert(ctx, m); err != nil {
			return report, fmt.Errorf("repair primary %s: %w", m.Key(), err)
		}
		report.Repaired++
	}

	r.logger.Info("Reconciliation repaired measurements", zap.Int("repaired", report.Repaired))
	return report, nil
}

// Start runs a repairing pass on every tick until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	r.logger.Info("Starting reconcile loop", zap.Duration("interval", interval))
	runEvery(ctx, interval, func() {
		if _, err := r.Run(ctx, true); err != nil {
			r.logger.Error("Reconciliation failed", zap.Error(err))
		}
	})
	r.logger.Info("Reconcile loop stopped")
}

func sortByTimestamp(ms []*models.Measurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].Timestamp.Before(ms[j].Timestamp)
	})
}
