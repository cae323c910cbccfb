package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dhtlogger/config"
	"dhtlogger/models"

	"go.uber.org/zap"
)

func newTestRetention(t *testing.T, clock Clock) (*RetentionManager, *MeasurementStore, string) {
	t.Helper()
	store := newTestStore(t, clock)
	cfg := config.Defaults()
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")
	return NewRetentionManager(cfg, store.Mirror(), clock, zap.NewNop()), store, cfg.BackupDir
}

func TestRetentionSnapshot(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 12, 31, 23, 59, 59, 0, time.Local))
	r, store, dir := newTestRetention(t, clock)
	if _, err := store.Append(context.Background(), models.Reading{DeviceID: "X", Temperature: 20, Humidity: 40}); err != nil {
		t.Fatalf("append: %v", err)
	}

	path, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if path != filepath.Join(dir, "31-12-2024_23-59-59_data.csv") {
		t.Fatalf("unexpected snapshot name %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(data), "X,") {
		t.Fatalf("snapshot should contain the mirror rows, got %q", data)
	}

	// A second snapshot in the same second must not overwrite the first.
	if _, err := r.Snapshot(); err == nil {
		t.Fatalf("expected name collision error")
	}
}

func TestRetentionExpiry(t *testing.T) {
	now := time.Now()
	r, _, dir := newTestRetention(t, newFakeClock(now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	oldPath := filepath.Join(dir, "old_data.csv")
	newPath := filepath.Join(dir, "new_data.csv")
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	oldTime := now.Add(-6 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	newTime := now.Add(-4 * 24 * time.Hour)
	if err := os.Chtimes(newPath, newTime, newTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	deleted, err := r.Expire()
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != oldPath {
		t.Fatalf("expected only the old file deleted, got %v", deleted)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("newer snapshot should be retained: %v", err)
	}
}

func TestRetentionExpiryMissingDirectory(t *testing.T) {
	r, _, _ := newTestRetention(t, newFakeClock(time.Now()))
	deleted, err := r.Expire()
	if err != nil || len(deleted) != 0 {
		t.Fatalf("missing directory should be a no-op, got %v err=%v", deleted, err)
	}
}

func TestRetentionLoopsRunImmediately(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local))
	r, _, dir := newTestRetention(t, clock)
	r.snapshotInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.StartSnapshots(ctx)
		close(done)
	}()
	waitFor(t, 2*time.Second, func() bool {
		entries, _ := os.ReadDir(dir)
		return len(entries) == 1
	})
	cancel()
	<-done
}
