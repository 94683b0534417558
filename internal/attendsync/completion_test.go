package attendsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

// finishGate wraps a store and rejects FinishRun calls its reject func
// matches, simulating a backend that drops rich terminal writes.
type finishGate struct {
	Store
	reject func(finish RunFinish) bool
	calls  int
}

func (g *finishGate) FinishRun(ctx context.Context, runID string, finish RunFinish) (SyncSession, error) {
	g.calls++
	if g.reject != nil && g.reject(finish) {
		return SyncSession{}, errors.New("write rejected")
	}
	return g.Store.FinishRun(ctx, runID, finish)
}

func fastTx(t *testing.T) *TxManager {
	t.Helper()
	return NewTxManager(TxManagerOptions{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

func seedActiveRun(t *testing.T, store Store) SyncSession {
	t.Helper()
	run, err := store.CreateRun(context.Background(), SyncSession{
		ConnectionID:   "conn-1",
		SyncType:       SyncTypeFull,
		Status:         RunInProgress,
		Stage:          "fetching-participants",
		StartedAt:      time.Now().UTC(),
		LastProgressAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func completedFinish() RunFinish {
	return RunFinish{
		Status:          RunCompleted,
		Stage:           "completed",
		ProgressPercent: 100,
		Notes: map[string]any{
			"eventsSynced": 4,
			"windowFrom":   "2026-01-01T00:00:00Z",
		},
	}
}

func TestFinalizeFullLayer(t *testing.T) {
	store := NewMemoryStore()
	run := seedActiveRun(t, store)
	sequencer, err := NewCompletionSequencer(CompletionOptions{Store: store, TxManager: fastTx(t)})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	finished, layer, err := sequencer.Finalize(context.Background(), run.ID, completedFinish())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if layer != 1 {
		t.Fatalf("expected layer 1, got %d", layer)
	}
	if finished.Status != RunCompleted || finished.ProgressPercent != 100 {
		t.Fatalf("unexpected terminal run %+v", finished)
	}
	if finished.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}
	if finished.Notes["windowFrom"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("expected full notes preserved, got %+v", finished.Notes)
	}
}

func TestFinalizeDegradesToEssential(t *testing.T) {
	store := NewMemoryStore()
	run := seedActiveRun(t, store)
	gate := &finishGate{Store: store, reject: func(finish RunFinish) bool {
		for _, value := range finish.Notes {
			if _, ok := value.(string); ok {
				return true
			}
		}
		return false
	}}
	sequencer, err := NewCompletionSequencer(CompletionOptions{Store: gate, TxManager: fastTx(t)})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	finished, layer, err := sequencer.Finalize(context.Background(), run.ID, completedFinish())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if layer != 2 {
		t.Fatalf("expected layer 2, got %d", layer)
	}
	if _, ok := finished.Notes["windowFrom"]; ok {
		t.Fatal("expected string notes trimmed at the essential layer")
	}
	if finished.Notes["eventsSynced"] != 4 {
		t.Fatalf("expected numeric notes kept, got %+v", finished.Notes)
	}
}

func TestFinalizeDegradesToStatusOnly(t *testing.T) {
	store := NewMemoryStore()
	run := seedActiveRun(t, store)
	gate := &finishGate{Store: store, reject: func(finish RunFinish) bool {
		return finish.Notes != nil
	}}
	sequencer, err := NewCompletionSequencer(CompletionOptions{Store: gate, TxManager: fastTx(t)})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	finished, layer, err := sequencer.Finalize(context.Background(), run.ID, completedFinish())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if layer != 3 {
		t.Fatalf("expected layer 3, got %d", layer)
	}
	if finished.Status != RunCompleted || len(finished.Notes) != 0 {
		t.Fatalf("unexpected terminal run %+v", finished)
	}
}

func TestFinalizeForceFinishAnomaly(t *testing.T) {
	store := NewMemoryStore()
	run := seedActiveRun(t, store)
	gate := &finishGate{Store: store, reject: func(RunFinish) bool { return true }}
	sequencer, err := NewCompletionSequencer(CompletionOptions{Store: gate, TxManager: fastTx(t)})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	message := "provider exploded"
	finished, layer, err := sequencer.Finalize(context.Background(), run.ID, RunFinish{
		Status:       RunFailed,
		Stage:        "failed",
		ErrorMessage: &message,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if layer != 4 {
		t.Fatalf("expected force-finish layer 4, got %d", layer)
	}
	if finished.Status != RunFailed {
		t.Fatalf("expected failed, got %q", finished.Status)
	}
	if finished.ErrorMessage == nil || *finished.ErrorMessage != message {
		t.Fatalf("expected error message carried, got %+v", finished.ErrorMessage)
	}
}

func TestFinalizeAcceptsAlreadyTerminalRun(t *testing.T) {
	store := NewMemoryStore()
	run := seedActiveRun(t, store)
	if _, err := store.FinishRun(context.Background(), run.ID, RunFinish{
		Status:          RunCancelled,
		Stage:           "cancelled",
		CompletedAt:     time.Now().UTC(),
		ProgressPercent: 40,
	}); err != nil {
		t.Fatalf("pre-finish: %v", err)
	}

	sequencer, err := NewCompletionSequencer(CompletionOptions{Store: store, TxManager: fastTx(t)})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	finished, layer, err := sequencer.Finalize(context.Background(), run.ID, completedFinish())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if layer != 1 {
		t.Fatalf("expected layer 1, got %d", layer)
	}
	if finished.Status != RunCancelled {
		t.Fatalf("expected the earlier terminal state kept, got %q", finished.Status)
	}
}

func TestFinalizeSurvivesCancelledRunContext(t *testing.T) {
	store := NewMemoryStore()
	run := seedActiveRun(t, store)
	sequencer, err := NewCompletionSequencer(CompletionOptions{Store: store, TxManager: fastTx(t)})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished, _, err := sequencer.Finalize(ctx, run.ID, RunFinish{
		Status: RunCancelled,
		Stage:  "cancelled",
	})
	if err != nil {
		t.Fatalf("finalize on cancelled context: %v", err)
	}
	if finished.Status != RunCancelled || finished.CompletedAt == nil {
		t.Fatalf("expected terminal write despite cancelled context, got %+v", finished)
	}
}
