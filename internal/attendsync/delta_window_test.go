package attendsync

import (
	"context"
	"testing"
	"time"
)

func TestComputeDeltaWindowForceFull(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	window, err := ComputeDeltaWindow(context.Background(), store, "conn-1", SyncOptions{ForceFullSync: true}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !window.Full {
		t.Fatal("expected full window")
	}
	if !window.From.Equal(now.Add(-fullSyncLookback)) || !window.To.Equal(now) {
		t.Fatalf("unexpected window %s..%s", window.From, window.To)
	}
}

func TestComputeDeltaWindowPrefersCallerTimestamp(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	lastSync := now.Add(-48 * time.Hour)

	window, err := ComputeDeltaWindow(context.Background(), store, "conn-1", SyncOptions{LastSyncTime: &lastSync}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if window.Full {
		t.Fatal("expected delta window")
	}
	if !window.From.Equal(lastSync) {
		t.Fatalf("expected from %s, got %s", lastSync, window.From)
	}
}

func TestComputeDeltaWindowUsesLastCompletedRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	completedAt := now.Add(-6 * time.Hour)

	run, err := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeDelta, Status: RunStarted})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.FinishRun(ctx, run.ID, RunFinish{Status: RunCompleted, CompletedAt: completedAt, ProgressPercent: 100}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	window, err := ComputeDeltaWindow(ctx, store, "conn-1", SyncOptions{}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if window.Full {
		t.Fatal("expected delta window")
	}
	if !window.From.Equal(completedAt) {
		t.Fatalf("expected from %s, got %s", completedAt, window.From)
	}
}

func TestComputeDeltaWindowFirstRunFallsBackToFull(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	window, err := ComputeDeltaWindow(context.Background(), store, "conn-never-synced", SyncOptions{}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !window.Full {
		t.Fatal("expected full fallback for first run")
	}
	if !window.From.Equal(now.Add(-fullSyncLookback)) {
		t.Fatalf("expected 90 day lookback, got from %s", window.From)
	}
}
