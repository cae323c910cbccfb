package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dhtlogger/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func newTestStore(t *testing.T, clock Clock) *MeasurementStore {
	t.Helper()
	mirror, err := NewMirrorLog(filepath.Join(t.TempDir(), "data", "data.csv"))
	if err != nil {
		t.Fatalf("mirror log: %v", err)
	}
	return NewMeasurementStore(NewMemoryMeasurementRepository(), mirror, clock, zap.NewNop())
}

type recordingChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []models.Notification
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, n models.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *recordingChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type recordingForwarder struct {
	mu   sync.Mutex
	seen []*models.Measurement
}

func (f *recordingForwarder) Forward(_ context.Context, m *models.Measurement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.seen = append(f.seen, &cp)
}

func (f *recordingForwarder) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type failingRepository struct {
	MeasurementRepository
}

func (failingRepository) Insert(context.Context, *models.Measurement) (bool, error) {
	return false, errors.New("database unavailable")
}

type failingKeyValueStore struct{}

func (failingKeyValueStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("settings unavailable")
}

func (failingKeyValueStore) Update(context.Context, string, func(string, bool) (string, error)) error {
	return errors.New("settings unavailable")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
