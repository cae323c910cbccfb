package services

import (
	"context"
	"errors"
	"time"

	"dhtlogger/metrics"
	"dhtlogger/models"

	"go.uber.org/zap"
)

// Ingest results, used as metric labels.
const (
	IngestStored       = "stored"
	IngestParseError   = "parse_error"
	IngestTooLarge     = "too_large"
	IngestStoreError   = "store_error"
	IngestMirrorError  = "mirror_error"
	IngestRejectedBusy = "rejected_busy"
	IngestReadError    = "read_error"
)

// MeasurementObserver receives every stored measurement. Observe must not block.
type MeasurementObserver interface {
	Observe(m *models.Measurement)
}

// IngestService is the single entry point shared by the TCP listener, the
// MQTT source and the HTTP API.
type IngestService struct {
	parser     *WireParser
	store      *MeasurementStore
	automation *AutomationController
	observers  []MeasurementObserver
	logger     *zap.Logger
}

func NewIngestService(parser *WireParser, store *MeasurementStore, automation *AutomationController, logger *zap.Logger) *IngestService {
	return &IngestService{
		parser:     parser,
		store:      store,
		automation: automation,
		logger:     logger,
	}
}

// AddObserver registers o. Call before ingestion starts.
func (s *IngestService) AddObserver(o MeasurementObserver) {
	s.observers = append(s.observers, o)
}

// HandlePayload parses one wire payload and ingests the reading.
func (s *IngestService) HandlePayload(ctx context.Context, payload []byte, source string) (*models.Measurement, error) {
	reading, err := s.parser.Parse(payload)
	if err != nil {
		result := IngestParseError
		if errors.Is(err, ErrPayloadTooLarge) {
			result = IngestTooLarge
		}
		metrics.ObserveIngest(source, result, 0)
		s.logger.Warn("Dropping malformed payload",
			zap.String("source", source),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err))
		return nil, err
	}
	return s.Ingest(ctx, *reading, source)
}

// Ingest stores a reading, forwards it when automation is on and notifies
// observers. A mirror-stage failure still forwards, since the primary
// store holds the measurement.
func (s *IngestService) Ingest(ctx context.Context, reading models.Reading, source string) (*models.Measurement, error) {
	start := time.Now()

	m, err := s.store.Append(ctx, reading)
	if err != nil {
		var serr *StoreError
		if m == nil || !errors.As(err, &serr) || serr.Stage != StageMirror {
			metrics.ObserveIngest(source, IngestStoreError, 0)
			s.logger.Error("Failed to store measurement",
				zap.String("source", source),
				zap.String("device_id", reading.DeviceID),
				zap.Error(err))
			return nil, err
		}
		metrics.ObserveIngest(source, IngestMirrorError, 0)
		s.logger.Error("Measurement missing from mirror log",
			zap.String("source", source),
			zap.String("key", serr.Key),
			zap.Error(err))
	} else {
		metrics.ObserveIngest(source, IngestStored, time.Since(start))
	}

	s.logger.Info("Measurement ingested",
		zap.String("source", source),
		zap.String("device_id", m.DeviceID),
		zap.Float64("temperature", m.Temperature),
		zap.Float64("humidity", m.Humidity))

	if s.automation != nil {
		s.automation.ForwardIfEnabled(ctx, m)
	}
	for _, o := range s.observers {
		o.Observe(m)
	}
	return m, err
}
