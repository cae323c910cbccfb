package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"dhtlogger/models"
)

// KeyValueStore persists small configuration scalars. Update runs fn
// atomically with respect to other updates of the same key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Update(ctx context.Context, key string, fn func(current string, found bool) (string, error)) error
}

const (
	settingThresholds        = "thresholds"
	settingAutomationEnabled = "automation_enabled"
	settingAlertLastSentAt   = "alert_last_sent_at"
)

// ErrInvalidThresholds is returned when a threshold pair is inverted or not finite.
var ErrInvalidThresholds = errors.New("invalid thresholds")

// Settings is the typed view over the key-value store shared by the alert
// monitor, the automation controller and the HTTP API.
type Settings struct {
	kv                KeyValueStore
	automationDefault bool
}

func NewSettings(kv KeyValueStore, automationDefault bool) *Settings {
	return &Settings{kv: kv, automationDefault: automationDefault}
}

// Thresholds returns nil when no thresholds were ever saved.
func (s *Settings) Thresholds(ctx context.Context) (*models.ThresholdConfig, error) {
	raw, found, err := s.kv.Get(ctx, settingThresholds)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	if !found || raw == "" {
		return nil, nil
	}
	var t models.ThresholdConfig
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode thresholds: %w", err)
	}
	return &t, nil
}

func (s *Settings) SetThresholds(ctx context.Context, t models.ThresholdConfig) error {
	if err := ValidateThresholds(t); err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode thresholds: %w", err)
	}
	return s.kv.Update(ctx, settingThresholds, func(string, bool) (string, error) {
		return string(body), nil
	})
}

func ValidateThresholds(t models.ThresholdConfig) error {
	for _, v := range []float64{t.TemperatureMin, t.TemperatureMax, t.HumidityMin, t.HumidityMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: values must be finite", ErrInvalidThresholds)
		}
	}
	if t.TemperatureMin > t.TemperatureMax {
		return fmt.Errorf("%w: temp_min %.2f > temp_max %.2f", ErrInvalidThresholds, t.TemperatureMin, t.TemperatureMax)
	}
	if t.HumidityMin > t.HumidityMax {
		return fmt.Errorf("%w: humidity_min %.2f > humidity_max %.2f", ErrInvalidThresholds, t.HumidityMin, t.HumidityMax)
	}
	return nil
}

// AutomationEnabled falls back to the configured default when the toggle was never set.
func (s *Settings) AutomationEnabled(ctx context.Context) (bool, error) {
	raw, found, err := s.kv.Get(ctx, settingAutomationEnabled)
	if err != nil {
		return false, fmt.Errorf("load automation toggle: %w", err)
	}
	if !found {
		return s.automationDefault, nil
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("decode automation toggle %q: %w", raw, err)
	}
	return enabled, nil
}

// SetAutomationEnabled stores the toggle and returns the value it replaced.
func (s *Settings) SetAutomationEnabled(ctx context.Context, enabled bool) (bool, error) {
	var previous bool
	// The update function may run more than once; each run starts clean.
	err := s.kv.Update(ctx, settingAutomationEnabled, func(current string, found bool) (string, error) {
		previous = s.automationDefault
		if found {
			if v, err := strconv.ParseBool(current); err == nil {
				previous = v
			}
		}
		return strconv.FormatBool(enabled), nil
	})
	if err != nil {
		return false, fmt.Errorf("store automation toggle: %w", err)
	}
	return previous, nil
}

// LastAlertSentAt returns nil when no alert was ever dispatched.
func (s *Settings) LastAlertSentAt(ctx context.Context) (*time.Time, error) {
	raw, found, err := s.kv.Get(ctx, settingAlertLastSentAt)
	if err != nil {
		return nil, fmt.Errorf("load alert gate: %w", err)
	}
	if !found || raw == "" {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("decode alert gate %q: %w", raw, err)
	}
	return &at, nil
}

func (s *Settings) MarkAlertSent(ctx context.Context, at time.Time) error {
	value := at.UTC().Format(time.RFC3339Nano)
	if err := s.kv.Update(ctx, settingAlertLastSentAt, func(string, bool) (string, error) {
		return value, nil
	}); err != nil {
		return fmt.Errorf("store alert gate: %w", err)
	}
	return nil
}

// MemoryKeyValueStore keeps settings in process memory. Values do not
// survive a restart, so it is meant for development and tests.
type MemoryKeyValueStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{values: make(map[string]string)}
}

func (m *MemoryKeyValueStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKeyValueStore) Update(_ context.Context, key string, fn func(string, bool) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.values[key]
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	m.values[key] = next
	return nil
}
