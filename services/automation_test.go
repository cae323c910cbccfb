package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"dhtlogger/models"

	"go.uber.org/zap"
)

func TestAutomationEnableReplaysLatestOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	stored, err := store.Append(ctx, models.Reading{DeviceID: "X", Temperature: 22, Humidity: 40})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	fwd := &recordingForwarder{}
	ctrl := NewAutomationController(NewSettings(NewMemoryKeyValueStore(), false), store, fwd, zap.NewNop())

	caughtUp, err := ctrl.SetEnabled(ctx, true)
	if err != nil || !caughtUp {
		t.Fatalf("expected catch-up, got %v err=%v", caughtUp, err)
	}
	if fwd.Count() != 1 || fwd.seen[0].Key() != stored.Key() {
		t.Fatalf("expected exactly the latest measurement forwarded, got %d", fwd.Count())
	}

	// Already on: no second replay.
	if caughtUp, _ := ctrl.SetEnabled(ctx, true); caughtUp || fwd.Count() != 1 {
		t.Fatalf("re-enabling must not replay again")
	}
	// Turning off never forwards.
	if caughtUp, _ := ctrl.SetEnabled(ctx, false); caughtUp || fwd.Count() != 1 {
		t.Fatalf("disabling must not forward")
	}
}

func TestAutomationConcurrentEnableReplaysOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	if _, err := store.Append(ctx, models.Reading{DeviceID: "X", Temperature: 22, Humidity: 40}); err != nil {
		t.Fatalf("append: %v", err)
	}
	fwd := &recordingForwarder{}
	ctrl := NewAutomationController(NewSettings(NewMemoryKeyValueStore(), false), store, fwd, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ctrl.SetEnabled(ctx, true)
		}()
	}
	wg.Wait()
	if fwd.Count() != 1 {
		t.Fatalf("expected one catch-up push, got %d", fwd.Count())
	}
}

func TestAutomationEnableWithEmptyStore(t *testing.T) {
	fwd := &recordingForwarder{}
	ctrl := NewAutomationController(NewSettings(NewMemoryKeyValueStore(), false), newTestStore(t, nil), fwd, zap.NewNop())
	caughtUp, err := ctrl.SetEnabled(context.Background(), true)
	if err != nil || caughtUp || fwd.Count() != 0 {
		t.Fatalf("empty store should not forward: caughtUp=%v err=%v", caughtUp, err)
	}
}

func TestAutomationForwardIfEnabled(t *testing.T) {
	ctx := context.Background()
	fwd := &recordingForwarder{}
	settings := NewSettings(NewMemoryKeyValueStore(), false)
	ctrl := NewAutomationController(settings, newTestStore(t, nil), fwd, zap.NewNop())
	m := &models.Measurement{DeviceID: "X"}

	ctrl.ForwardIfEnabled(ctx, m)
	if fwd.Count() != 0 {
		t.Fatalf("toggle off must not forward")
	}
	_, _ = settings.SetAutomationEnabled(ctx, true)
	ctrl.ForwardIfEnabled(ctx, m)
	if fwd.Count() != 1 {
		t.Fatalf("toggle on must forward")
	}
}
