package attendsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateRunEnforcesSingleActiveRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeFull})
	if err != nil {
		t.Fatalf("create first run: %v", err)
	}

	_, err = store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeDelta})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ActiveRunID != first.ID {
		t.Fatalf("expected active run %s, got %s", first.ID, conflict.ActiveRunID)
	}
	if !errors.Is(err, ErrRunActive) {
		t.Fatal("expected conflict to match ErrRunActive")
	}

	// Another connection is unaffected.
	if _, err := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-2", SyncType: SyncTypeFull}); err != nil {
		t.Fatalf("create run on other connection: %v", err)
	}

	// A terminal run frees the slot.
	if _, err := store.FinishRun(ctx, first.ID, RunFinish{Status: RunCompleted, ProgressPercent: 100}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if _, err := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeDelta}); err != nil {
		t.Fatalf("create run after terminal: %v", err)
	}
}

func TestAdvanceRunIsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run, err := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeFull})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	updated, applied, err := store.AdvanceRun(ctx, run.ID, "fetching-events", 40)
	if err != nil || !applied {
		t.Fatalf("expected applied advance, got applied=%t err=%v", applied, err)
	}
	if updated.Status != RunInProgress || updated.ProgressPercent != 40 {
		t.Fatalf("unexpected run state %+v", updated)
	}

	current, applied, err := store.AdvanceRun(ctx, run.ID, "late-stage", 20)
	if err != nil {
		t.Fatalf("regressive advance should not error: %v", err)
	}
	if applied {
		t.Fatal("expected regressive advance to be skipped")
	}
	if current.ProgressPercent != 40 || current.Stage != "fetching-events" {
		t.Fatalf("expected state unchanged, got %+v", current)
	}
}

func TestAdvanceRunRejectsTerminalRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run, _ := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeFull})
	if _, err := store.FinishRun(ctx, run.ID, RunFinish{Status: RunFailed}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	_, _, err := store.AdvanceRun(ctx, run.ID, "zombie-stage", 99)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestFinishRunTerminalStatesAreFinal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run, _ := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeFull})

	finished, err := store.FinishRun(ctx, run.ID, RunFinish{
		Status:          RunCompleted,
		Stage:           "completed",
		ProgressPercent: 100,
		Notes:           map[string]any{"eventsSynced": 4},
	})
	if err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if finished.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}
	if finished.Notes["eventsSynced"] != 4 {
		t.Fatalf("expected notes persisted, got %v", finished.Notes)
	}

	_, err = store.FinishRun(ctx, run.ID, RunFinish{Status: RunFailed})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double finish, got %v", err)
	}
}

func TestForceFinishRunBypassesTerminalGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run, _ := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeFull})
	if _, err := store.FinishRun(ctx, run.ID, RunFinish{Status: RunCancelled}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	forced, err := store.ForceFinishRun(ctx, run.ID, RunFailed, "reaped by recovery")
	if err != nil {
		t.Fatalf("force finish: %v", err)
	}
	if forced.Status != RunFailed {
		t.Fatalf("expected failed, got %q", forced.Status)
	}
	if forced.ErrorMessage == nil || *forced.ErrorMessage != "reaped by recovery" {
		t.Fatalf("expected error message, got %v", forced.ErrorMessage)
	}
	if forced.ProgressPercent != 100 {
		t.Fatalf("expected progress forced to 100, got %d", forced.ProgressPercent)
	}
}

func TestListUnfinishedRuns(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	active, _ := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-1", SyncType: SyncTypeFull})
	done, _ := store.CreateRun(ctx, SyncSession{ConnectionID: "conn-2", SyncType: SyncTypeFull})
	if _, err := store.FinishRun(ctx, done.ID, RunFinish{Status: RunCompleted, ProgressPercent: 100}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := store.ListUnfinishedRuns(ctx)
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != active.ID {
		t.Fatalf("expected only the active run, got %+v", runs)
	}
}

func TestUpsertEventComputesAbsentees(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	event, err := store.UpsertEvent(ctx, Event{
		ConnectionID:     "conn-1",
		ExternalID:       "123",
		TotalRegistrants: 100,
		TotalAttendees:   60,
	})
	if err != nil {
		t.Fatalf("upsert event: %v", err)
	}
	if event.TotalAbsentees != 40 {
		t.Fatalf("expected 40 absentees, got %d", event.TotalAbsentees)
	}

	// More attendees than registrants must clamp at zero, never go negative.
	event.TotalAttendees = 130
	event, err = store.UpsertEvent(ctx, event)
	if err != nil {
		t.Fatalf("upsert event: %v", err)
	}
	if event.TotalAbsentees != 0 {
		t.Fatalf("expected 0 absentees, got %d", event.TotalAbsentees)
	}
}

func TestUpsertEventKeepsStableIDAcrossUpdates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.UpsertEvent(ctx, Event{ConnectionID: "conn-1", ExternalID: "123", UUID: "uuid-a", Topic: "v1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := store.UpsertEvent(ctx, Event{ConnectionID: "conn-1", ExternalID: "123", UUID: "uuid-a", Topic: "v2"})
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected stable id, got %s then %s", first.ID, second.ID)
	}
	if second.Topic != "v2" {
		t.Fatalf("expected updated topic, got %q", second.Topic)
	}

	// A different occurrence uuid is its own row.
	other, err := store.UpsertEvent(ctx, Event{ConnectionID: "conn-1", ExternalID: "123", UUID: "uuid-b"})
	if err != nil {
		t.Fatalf("upsert other occurrence: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("expected distinct occurrence to get its own id")
	}
}

func TestReplaceAttendeesReplacesWholesale(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.ReplaceAttendees(ctx, "ev-1", []ReconciledAttendee{
		{EventID: "ev-1", IdentityKey: "a@example.com"},
		{EventID: "ev-1", IdentityKey: "b@example.com"},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := store.ReplaceAttendees(ctx, "ev-1", []ReconciledAttendee{
		{EventID: "ev-1", IdentityKey: "c@example.com"},
	}); err != nil {
		t.Fatalf("replace again: %v", err)
	}

	attendees, err := store.ListAttendees(ctx, "ev-1")
	if err != nil {
		t.Fatalf("list attendees: %v", err)
	}
	if len(attendees) != 1 || attendees[0].IdentityKey != "c@example.com" {
		t.Fatalf("expected wholesale replacement, got %+v", attendees)
	}
}

func TestMemoryJobQueue(t *testing.T) {
	queue := NewMemoryJobQueue(2)

	if !queue.TryEnqueue(SyncJob{RunID: "r1"}) || !queue.TryEnqueue(SyncJob{RunID: "r2"}) {
		t.Fatal("expected enqueues to succeed")
	}
	if queue.TryEnqueue(SyncJob{RunID: "r3"}) {
		t.Fatal("expected TryEnqueue to fail at capacity")
	}
	if queue.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", queue.Depth())
	}

	ctx := context.Background()
	job, ok := queue.Dequeue(ctx)
	if !ok || job.RunID != "r1" {
		t.Fatalf("expected r1 first, got %+v ok=%t", job, ok)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	queue.Dequeue(cancelCtx)
	if _, ok := queue.Dequeue(cancelCtx); ok {
		t.Fatal("expected dequeue to stop when context ends")
	}
}
