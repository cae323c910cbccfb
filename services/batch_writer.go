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

// BatchSink receives flushed measurement batches.
type BatchSink interface {
	Name() string
	WriteBatch(ctx context.Context, batch []*models.Measurement) error
}

// BatchWriter buffers stored measurements and flushes them to a sink when
// the batch is full or the batch timeout expires.
type BatchWriter struct {
	sink         BatchSink
	logger       *zap.Logger
	queue        chan *models.Measurement
	buffer       []*models.Measurement
	bufferMutex  sync.Mutex
	maxBatchSize int
	batchTimeout time.Duration
	retryDelay   time.Duration
	shutdownChan chan bool
}

func NewBatchWriter(cfg *config.Config, sink BatchSink, logger *zap.Logger) *BatchWriter {
	return &BatchWriter{
		sink:         sink,
		logger:       logger.With(zap.String("sink", sink.Name())),
		queue:        make(chan *models.Measurement, cfg.EventBatchSize*4),
		buffer:       make([]*models.Measurement, 0, cfg.EventBatchSize),
		maxBatchSize: cfg.EventBatchSize,
		batchTimeout: cfg.EventBatchTimeout,
		retryDelay:   time.Second,
		shutdownChan: make(chan bool, 1),
	}
}

// Observe enqueues m without blocking; a full queue drops it.
func (bw *BatchWriter) Observe(m *models.Measurement) {
	select {
	case bw.queue <- m:
	default:
		metrics.IncEventDropped(bw.sink.Name())
		bw.logger.Warn("Event queue full, dropping measurement",
			zap.String("device_id", m.DeviceID))
	}
}

// Start runs until ctx is done, then flushes what is buffered.
func (bw *BatchWriter) Start(ctx context.Context) {
	bw.logger.Info("Starting batch writer",
		zap.Int("max_batch_size", bw.maxBatchSize),
		zap.Duration("batch_timeout", bw.batchTimeout))

	flushTimer := time.NewTimer(bw.batchTimeout)
	defer flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("Batch writer received shutdown signal")
			bw.drainQueue()
			// The parent context is gone; give the final flush its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			bw.flushBuffer(flushCtx)
			cancel()
			bw.shutdownChan <- true
			return

		case m := <-bw.queue:
			bw.bufferMutex.Lock()
			bw.buffer = append(bw.buffer, m)
			currentSize := len(bw.buffer)
			bw.bufferMutex.Unlock()

			if currentSize >= bw.maxBatchSize {
				bw.logger.Debug("Buffer full, flushing", zap.Int("buffer_size", currentSize))

				if !flushTimer.Stop() {
					select {
					case <-flushTimer.C:
					default:
					}
				}
				bw.flushBuffer(ctx)
				flushTimer.Reset(bw.batchTimeout)
			}

		case <-flushTimer.C:
			if bw.GetBufferSize() > 0 {
				bw.flushBuffer(ctx)
			}
			flushTimer.Reset(bw.batchTimeout)
		}
	}
}

func (bw *BatchWriter) drainQueue() {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()
	for {
		select {
		case m := <-bw.queue:
			bw.buffer = append(bw.buffer, m)
		default:
			return
		}
	}
}

// flushBuffer writes the current buffer to the sink and clears it
func (bw *BatchWriter) flushBuffer(ctx context.Context) {
	bw.bufferMutex.Lock()
	if len(bw.buffer) == 0 {
		bw.bufferMutex.Unlock()
		return
	}
	batch := make([]*models.Measurement, len(bw.buffer))
	copy(batch, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.bufferMutex.Unlock()

	maxRetries := 3
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = bw.sink.WriteBatch(ctx, batch)
		if err == nil {
			metrics.IncEventFlush(bw.sink.Name(), "ok")
			bw.logger.Debug("Flushed batch", zap.Int("batch_size", len(batch)))
			return
		}

		bw.logger.Error("Failed to flush batch",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				attempt = maxRetries
			case <-time.After(time.Duration(attempt) * bw.retryDelay):
			}
		}
	}

	metrics.IncEventFlush(bw.sink.Name(), "error")
	bw.logger.Error("Failed to flush batch after all retries, data lost",
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// WaitForShutdown waits for the batch writer to complete shutdown
func (bw *BatchWriter) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-bw.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetBufferSize returns the current buffer size (for monitoring)
func (bw *BatchWriter) GetBufferSize() int {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()
	return len(bw.buffer)
}
