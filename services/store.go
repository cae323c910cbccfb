package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dhtlogger/metrics"
	"dhtlogger/models"

	"go.uber.org/zap"
)

// Clock provides time for timestamping and scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// MeasurementRepository is the primary durable sink.
type MeasurementRepository interface {
	// Insert stores m unless its key already exists; inserted reports which.
	Insert(ctx context.Context, m *models.Measurement) (inserted bool, err error)
	Latest(ctx context.Context) (*models.Measurement, error)
	All(ctx context.Context) ([]*models.Measurement, error)
	ByDevice(ctx context.Context, deviceID string) ([]*models.Measurement, error)
}

const (
	StagePrimary = "primary"
	StageMirror  = "mirror"
)

// StoreError reports which stage of the two-stage write failed. A mirror
// failure leaves the measurement in the primary store only; Key lets the
// reconciler find it.
type StoreError struct {
	Stage string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s stage for %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// timestampAttempts bounds how far Append nudges a colliding timestamp.
const timestampAttempts = 5

// MeasurementStore writes each measurement to the primary repository and
// then to the mirror log. The two writes are not transactional.
type MeasurementStore struct {
	repo   MeasurementRepository
	mirror *MirrorLog
	clock  Clock
	logger *zap.Logger
}

func NewMeasurementStore(repo MeasurementRepository, mirror *MirrorLog, clock Clock, logger *zap.Logger) *MeasurementStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &MeasurementStore{
		repo:   repo,
		mirror: mirror,
		clock:  clock,
		logger: logger,
	}
}

// Append stamps the reading with the arrival time and persists it.
func (s *MeasurementStore) Append(ctx context.Context, r models.Reading) (*models.Measurement, error) {
	m := &models.Measurement{
		DeviceID:    r.DeviceID,
		Timestamp:   s.clock.Now().UTC().Truncate(time.Microsecond),
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
	}

	// Identical readings are kept, so a key collision within the same
	// microsecond moves the later one forward.
	inserted := false
	for attempt := 1; attempt <= timestampAttempts; attempt++ {
		ok, err := s.repo.Insert(ctx, m)
		if err != nil {
			metrics.IncStoreFailure(StagePrimary)
			return nil, &StoreError{Stage: StagePrimary, Key: m.Key(), Err: err}
		}
		if ok {
			inserted = true
			break
		}
		m.Timestamp = m.Timestamp.Add(time.Microsecond)
	}
	if !inserted {
		metrics.IncStoreFailure(StagePrimary)
		return nil, &StoreError{Stage: StagePrimary, Key: m.Key(), Err: fmt.Errorf("timestamp collision after %d attempts", timestampAttempts)}
	}

	if err := s.mirror.Append(m); err != nil {
		metrics.IncStoreFailure(StageMirror)
		return m, &StoreError{Stage: StageMirror, Key: m.Key(), Err: err}
	}

	s.logger.Debug("Measurement stored",
		zap.String("device_id", m.DeviceID),
		zap.Time("timestamp", m.Timestamp),
		zap.Float64("temperature", m.Temperature),
		zap.Float64("humidity", m.Humidity))
	return m, nil
}

// Latest returns nil when the store is empty.
func (s *MeasurementStore) Latest(ctx context.Context) (*models.Measurement, error) {
	return s.repo.Latest(ctx)
}

func (s *MeasurementStore) All(ctx context.Context) ([]*models.Measurement, error) {
	return s.repo.All(ctx)
}

func (s *MeasurementStore) ByDevice(ctx context.Context, deviceID string) ([]*models.Measurement, error) {
	return s.repo.ByDevice(ctx, deviceID)
}

// Mirror exposes the mirror log to the retention manager and reconciler.
func (s *MeasurementStore) Mirror() *MirrorLog {
	return s.mirror
}

// MemoryMeasurementRepository keeps measurements in arrival order in memory.
type MemoryMeasurementRepository struct {
	mu    sync.RWMutex
	items []*models.Measurement
	keys  map[string]struct{}
}

func NewMemoryMeasurementRepository() *MemoryMeasurementRepository {
	return &MemoryMeasurementRepository{keys: make(map[string]struct{})}
}

func (r *MemoryMeasurementRepository) Insert(_ context.Context, m *models.Measurement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := m.Key()
	if _, ok := r.keys[key]; ok {
		return false, nil
	}
	cp := *m
	r.keys[key] = struct{}{}
	r.items = append(r.items, &cp)
	sort.SliceStable(r.items, func(i, j int) bool {
		return r.items[i].Timestamp.Before(r.items[j].Timestamp)
	})
	return true, nil
}

func (r *MemoryMeasurementRepository) Latest(_ context.Context) (*models.Measurement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.items) == 0 {
		return nil, nil
	}
	cp := *r.items[len(r.items)-1]
	return &cp, nil
}

func (r *MemoryMeasurementRepository) All(_ context.Context) ([]*models.Measurement, error) {
	return r.filter(func(*models.Measurement) bool { return true }), nil
}

func (r *MemoryMeasurementRepository) ByDevice(_ context.Context, deviceID string) ([]*models.Measurement, error) {
	return r.filter(func(m *models.Measurement) bool { return m.DeviceID == deviceID }), nil
}

func (r *MemoryMeasurementRepository) filter(keep func(*models.Measurement) bool) []*models.Measurement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Measurement, 0, len(r.items))
	for _, m := range r.items {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}
