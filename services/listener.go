package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"dhtlogger/config"
	"dhtlogger/metrics"
	"dhtlogger/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const sourceTCP = "tcp"

// BindError means the listener could not acquire its address. It is the
// only error Start returns.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// PayloadHandler consumes one device payload.
type PayloadHandler interface {
	HandlePayload(ctx context.Context, payload []byte, source string) (*models.Measurement, error)
}

// Listener accepts one-shot device connections: one payload per
// connection, then close. At most maxWorkers connections are served at
// once; further connections are closed immediately.
type Listener struct {
	addr        string
	maxBytes    int
	readTimeout time.Duration
	idleTimeout time.Duration
	sem         *semaphore.Weighted
	handler     PayloadHandler
	logger      *zap.Logger

	mu    sync.Mutex
	ln    net.Listener
	ready chan struct{}
}

func NewListener(cfg *config.Config, handler PayloadHandler, logger *zap.Logger) *Listener {
	return &Listener{
		addr:        cfg.ListenAddr(),
		maxBytes:    cfg.MaxMessageBytes,
		readTimeout: cfg.IngestReadTimeout,
		idleTimeout: cfg.IngestIdleTimeout,
		sem:         semaphore.NewWeighted(int64(cfg.IngestMaxWorkers)),
		handler:     handler,
		logger:      logger,
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Ready.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Start serves until ctx is cancelled, then waits for in-flight connections.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return &BindError{Addr: l.addr, Err: err}
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info("Ingestion listener started",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_message_bytes", l.maxBytes))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Warn("Accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !l.sem.TryAcquire(1) {
			metrics.ObserveIngest(sourceTCP, IngestRejectedBusy, 0)
			l.logger.Warn("Worker pool saturated, rejecting connection",
				zap.String("remote_addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.sem.Release(1)
			// In-flight payloads finish even when shutdown begins.
			l.handle(context.WithoutCancel(ctx), conn)
		}()
	}

	wg.Wait()
	l.logger.Info("Ingestion listener stopped")
	return nil
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := l.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	payload, err := l.readPayload(conn)
	if err != nil {
		metrics.ObserveIngest(sourceTCP, IngestReadError, 0)
		logger.Warn("Failed to read payload", zap.Error(err))
		return
	}
	if len(payload) == 0 {
		logger.Debug("Connection closed without payload")
		return
	}

	logger.Debug("Payload received", zap.Int("payload_bytes", len(payload)))
	// Errors are logged and counted by the handler.
	_, _ = l.handler.HandlePayload(ctx, payload, sourceTCP)
}

// readPayload reads until EOF, an idle gap after the first byte, or one
// byte past the size limit so the parser can reject the payload.
func (l *Listener) readPayload(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, l.maxBytes+1)
	chunk := make([]byte, 512)

	if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
		return nil, err
	}
	for len(buf) <= l.maxBytes {
		n, err := conn.Read(chunk)
		if n > 0 {
			room := l.maxBytes + 1 - len(buf)
			if n > room {
				n = room
			}
			buf = append(buf, chunk[:n]...)
			_ = conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
			return buf, nil
		}
		return nil, err
	}
	return buf, nil
}
