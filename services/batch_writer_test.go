package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dhtlogger/config"
	"dhtlogger/models"

	"go.uber.org/zap"
)

type recordingSink struct {
	mu       sync.Mutex
	batches  [][]*models.Measurement
	failures int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) WriteBatch(_ context.Context, batch []*models.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func newTestBatchWriter(size int, timeout time.Duration, sink BatchSink) *BatchWriter {
	cfg := config.Defaults()
	cfg.EventBatchSize = size
	cfg.EventBatchTimeout = timeout
	bw := NewBatchWriter(cfg, sink, zap.NewNop())
	bw.retryDelay = time.Millisecond
	return bw
}

func TestBatchWriterFlushesFullBatch(t *testing.T) {
	sink := &recordingSink{}
	bw := newTestBatchWriter(3, time.Hour, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bw.Start(ctx)

	for i := 0; i < 3; i++ {
		bw.Observe(&models.Measurement{DeviceID: "X"})
	}
	waitFor(t, 2*time.Second, func() bool { return sink.total() == 3 })
}

func TestBatchWriterFlushesOnTimeout(t *testing.T) {
	sink := &recordingSink{}
	bw := newTestBatchWriter(100, 20*time.Millisecond, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bw.Start(ctx)

	bw.Observe(&models.Measurement{DeviceID: "X"})
	waitFor(t, 2*time.Second, func() bool { return sink.total() == 1 })
}

func TestBatchWriterRetriesFailedFlush(t *testing.T) {
	sink := &recordingSink{failures: 2}
	bw := newTestBatchWriter(1, time.Hour, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bw.Start(ctx)

	bw.Observe(&models.Measurement{DeviceID: "X"})
	waitFor(t, 2*time.Second, func() bool { return sink.total() == 1 })
}

func TestBatchWriterFlushesOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	bw := newTestBatchWriter(100, time.Hour, sink)
	ctx, cancel := context.WithCancel(context.Background())
	go bw.Start(ctx)

	bw.Observe(&models.Measurement{DeviceID: "X"})
	bw.Observe(&models.Measurement{DeviceID: "Y"})
	cancel()
	if !bw.WaitForShutdown(2 * time.Second) {
		t.Fatalf("batch writer did not shut down")
	}
	if sink.total() != 2 {
		t.Fatalf("expected buffered measurements flushed on shutdown, got %d", sink.total())
	}
}

func TestBatchWriterDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	bw := newTestBatchWriter(1, time.Hour, sink)
	// Not started: the queue fills up.
	for i := 0; i < cap(bw.queue)+5; i++ {
		bw.Observe(&models.Measurement{DeviceID: "X"})
	}
	if len(bw.queue) != cap(bw.queue) {
		t.Fatalf("queue should be full")
	}
}
