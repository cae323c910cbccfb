package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dhtlogger/config"
	"dhtlogger/metrics"

	"go.uber.org/zap"
)

// SnapshotLayout names snapshot files, e.g. 31-12-2024_23-59-59_data.csv.
const SnapshotLayout = "02-01-2006_15-04-05_data.csv"

// RetentionManager snapshots the mirror log and prunes old snapshots. The
// two loops run independently and share only the backup directory.
type RetentionManager struct {
	mirror           *MirrorLog
	dir              string
	retention        time.Duration
	snapshotInterval time.Duration
	expiryInterval   time.Duration
	clock            Clock
	logger           *zap.Logger
}

func NewRetentionManager(cfg *config.Config, mirror *MirrorLog, clock Clock, logger *zap.Logger) *RetentionManager {
	if clock == nil {
		clock = systemClock{}
	}
	return &RetentionManager{
		mirror:           mirror,
		dir:              cfg.BackupDir,
		retention:        time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		snapshotInterval: cfg.SnapshotInterval,
		expiryInterval:   cfg.ExpiryInterval,
		clock:            clock,
		logger:           logger,
	}
}

// StartSnapshots snapshots immediately, then once per snapshot interval.
func (r *RetentionManager) StartSnapshots(ctx context.Context) {
	r.logger.Info("Starting snapshot loop",
		zap.String("dir", r.dir),
		zap.Duration("interval", r.snapshotInterval))
	runEvery(ctx, r.snapshotInterval, func() {
		if _, err := r.Snapshot(); err != nil {
			r.logger.Error("Snapshot failed", zap.Error(err))
		}
	})
	r.logger.Info("Snapshot loop stopped")
}

// StartExpiry prunes immediately, then once per expiry interval.
func (r *RetentionManager) StartExpiry(ctx context.Context) {
	r.logger.Info("Starting expiry loop",
		zap.String("dir", r.dir),
		zap.Duration("retention", r.retention),
		zap.Duration("interval", r.expiryInterval))
	runEvery(ctx, r.expiryInterval, func() {
		if _, err := r.Expire(); err != nil {
			r.logger.Error("Expiry pass failed", zap.Error(err))
		}
	})
	r.logger.Info("Expiry loop stopped")
}

// Snapshot copies the mirror log to a new timestamped file and returns its path.
func (r *RetentionManager) Snapshot() (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		metrics.IncRetention("snapshot", "error")
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	path := filepath.Join(r.dir, r.clock.Now().Format(SnapshotLayout))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		metrics.IncRetention("snapshot", "error")
		return "", fmt.Errorf("create snapshot: %w", err)
	}

	n, copyErr := r.mirror.CopyTo(f)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path)
		metrics.IncRetention("snapshot", "error")
		if copyErr != nil {
			return "", fmt.Errorf("copy mirror log: %w", copyErr)
		}
		return "", fmt.Errorf("close snapshot: %w", closeErr)
	}

	metrics.IncRetention("snapshot", "ok")
	r.logger.Info("Snapshot written",
		zap.String("path", path),
		zap.Int64("bytes", n))
	return path, nil
}

// Expire deletes files older than the retention period and returns the
// deleted paths. File age is taken from the modification time; snapshots
// are written once and never touched again. Per-file failures are logged
// and skipped.
func (r *RetentionManager) Expire() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		metrics.IncRetention("expire", "error")
		return nil, fmt.Errorf("list backup directory: %w", err)
	}

	now := r.clock.Now()
	var deleted []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			metrics.IncRetention("expire", "error")
			r.logger.Warn("Failed to stat backup file", zap.String("path", path), zap.Error(err))
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= r.retention {
			continue
		}
		if err := os.Remove(path); err != nil {
			metrics.IncRetention("expire", "error")
			r.logger.Warn("Failed to delete expired backup", zap.String("path", path), zap.Error(err))
			continue
		}
		metrics.IncRetention("expire", "ok")
		r.logger.Info("Expired backup deleted",
			zap.String("path", path),
			zap.Duration("age", age))
		deleted = append(deleted, path)
	}
	return deleted, nil
}

// runEvery calls fn now and then on every tick until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
