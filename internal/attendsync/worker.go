package attendsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Progress checkpoints for the stages every run walks through. Values only
// move forward; the store drops anything regressive.
const (
	progressWindow       = 5
	progressEvents       = 35
	progressParticipants = 80
	progressReconciled   = 95
)

// Worker executes queued sync jobs. Each job runs under a cancellable context
// registered with the controller, and every outcome, including a panic or a
// cancelled context, ends in the completion sequencer.
type Worker struct {
	store      Store
	queue      JobQueue
	pipeline   *Pipeline
	reconciler *Reconciler
	controller *Controller
	completion *CompletionSequencer
	logger     Logger
	workers    int
}

type WorkerOptions struct {
	Store      Store
	Queue      JobQueue
	Pipeline   *Pipeline
	Reconciler *Reconciler
	Controller *Controller
	Completion *CompletionSequencer
	Logger     Logger
	Workers    int
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Pipeline == nil || opts.Controller == nil || opts.Completion == nil {
		return nil, ErrInvalidInput
	}
	reconciler := opts.Reconciler
	if reconciler == nil {
		reconciler = NewReconciler(nil)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	return &Worker{
		store:      opts.Store,
		queue:      opts.Queue,
		pipeline:   opts.Pipeline,
		reconciler: reconciler,
		controller: opts.Controller,
		completion: opts.Completion,
		logger:     orNopLogger(opts.Logger),
		workers:    workers,
	}, nil
}

// Run blocks until ctx ends, dequeuing jobs across the worker pool.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		job, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.logger.Printf("worker %d: picked up run %s for connection %s", id, job.RunID, job.ConnectionID)
		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job SyncJob) {
	run, err := w.store.GetRun(ctx, job.RunID)
	if err != nil {
		w.logger.Printf("run %s: dropping job, run lookup failed: %v", job.RunID, err)
		return
	}
	if run.Status.Terminal() {
		w.logger.Printf("run %s: already %s before pickup, skipping", job.RunID, run.Status)
		return
	}

	runCtx, release := w.controller.RegisterRun(ctx, job.RunID)
	defer release()

	summary, err := w.executeStages(runCtx, job)
	w.finalize(runCtx, job, summary, err)
}

// runSummary accumulates the counters that end up in the terminal notes.
type runSummary struct {
	Window              DeltaWindow
	EventsSynced        int
	ParticipantsSynced  int
	ParticipantFailures int
	TotalAttendees      int
}

func (s runSummary) notes() map[string]any {
	notes := map[string]any{
		"eventsSynced":        s.EventsSynced,
		"participantsSynced":  s.ParticipantsSynced,
		"participantFailures": s.ParticipantFailures,
		"totalAttendees":      s.TotalAttendees,
	}
	if !s.Window.From.IsZero() {
		notes["windowFrom"] = s.Window.From.Format(time.RFC3339)
		notes["windowTo"] = s.Window.To.Format(time.RFC3339)
		notes["fullSync"] = s.Window.Full
	}
	return notes
}

func (w *Worker) executeStages(ctx context.Context, job SyncJob) (runSummary, error) {
	var summary runSummary

	if _, err := w.controller.AdvanceStage(ctx, job.RunID, "computing-window", progressWindow); err != nil {
		return summary, err
	}

	var events []Event
	if job.SyncType == SyncTypeSingle {
		event, err := w.pipeline.SyncSingleEvent(ctx, job.ConnectionID, job.WebinarID)
		if err != nil {
			return summary, fmt.Errorf("sync event %s: %w", job.WebinarID, err)
		}
		events = []Event{event}
	} else {
		window, err := ComputeDeltaWindow(ctx, w.store, job.ConnectionID, job.Options, time.Now().UTC())
		if err != nil {
			return summary, fmt.Errorf("compute delta window: %w", err)
		}
		summary.Window = window

		if _, err := w.controller.AdvanceStage(ctx, job.RunID, "fetching-events", progressWindow); err != nil {
			return summary, err
		}
		events, err = w.pipeline.SyncEvents(ctx, job.ConnectionID, window, nil)
		if err != nil {
			return summary, fmt.Errorf("fetch events: %w", err)
		}
	}
	summary.EventsSynced = len(events)

	if _, err := w.controller.AdvanceStage(ctx, job.RunID, "fetching-participants", progressEvents); err != nil {
		return summary, err
	}

	pending := pendingParticipants(events)
	for i, event := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := w.syncParticipants(ctx, event, &summary); err != nil {
			// One event's participant data failing is noted, not fatal.
			summary.ParticipantFailures++
			w.logger.Printf("run %s: participants for event %s: %v", job.RunID, event.ExternalID, err)
			if markErr := w.markParticipantsFailed(ctx, event); markErr != nil {
				w.logger.Printf("run %s: mark event %s failed: %v", job.RunID, event.ExternalID, markErr)
			}
		}
		progress := progressEvents + (progressParticipants-progressEvents)*(i+1)/len(pending)
		if _, err := w.controller.AdvanceStage(ctx, job.RunID, "fetching-participants", progress); err != nil {
			return summary, err
		}
	}

	if _, err := w.controller.AdvanceStage(ctx, job.RunID, "reconciling-participants", progressReconciled); err != nil {
		return summary, err
	}
	return summary, nil
}

// pendingParticipants filters to events whose attendance still needs work:
// ended events not yet synced, plus anything explicitly marked pending or
// failed from a prior run.
func pendingParticipants(events []Event) []Event {
	pending := make([]Event, 0, len(events))
	for _, event := range events {
		switch event.ParticipantSyncStatus {
		case ParticipantsPending, ParticipantsFailed, ParticipantsNone, ParticipantsValidationWarning:
			pending = append(pending, event)
		case ParticipantsSynced:
			if event.Status == EventEnded && event.TotalAttendees == 0 {
				pending = append(pending, event)
			}
		}
	}
	return pending
}

func (w *Worker) syncParticipants(ctx context.Context, event Event, summary *runSummary) error {
	sessions, source, err := w.pipeline.FetchParticipants(ctx, event)
	if err != nil {
		return err
	}
	result := w.reconciler.Reconcile(event.ID, sessions)
	status := ValidateAttendance(event, result, time.Now().UTC())

	if err := w.store.ReplaceAttendees(ctx, event.ID, result.Attendees); err != nil {
		return fmt.Errorf("replace attendees: %w", err)
	}
	event.TotalAttendees = result.TotalAttendees
	event.TotalMinutes = result.TotalMinutes
	event.AvgAttendanceDuration = result.AvgAttendanceDuration
	event.ParticipantSyncStatus = status
	if source != "" {
		event.ParticipantSource = string(source)
	}
	if _, err := w.store.UpsertEvent(ctx, event); err != nil {
		return fmt.Errorf("store attendance aggregates: %w", err)
	}
	summary.ParticipantsSynced++
	summary.TotalAttendees += result.TotalAttendees
	return nil
}

func (w *Worker) markParticipantsFailed(ctx context.Context, event Event) error {
	event.ParticipantSyncStatus = ParticipantsFailed
	_, err := w.store.UpsertEvent(ctx, event)
	return err
}

func (w *Worker) finalize(ctx context.Context, job SyncJob, summary runSummary, runErr error) {
	finish := RunFinish{
		Status:          RunCompleted,
		Stage:           "completed",
		ProgressPercent: 100,
		CompletedAt:     time.Now().UTC(),
		Notes:           summary.notes(),
	}
	switch {
	case runErr == nil && summary.ParticipantFailures > 0:
		finish.ErrorMessage = strPtr(fmt.Sprintf("%d of %d events failed participant sync", summary.ParticipantFailures, summary.EventsSynced))
	case errors.Is(runErr, context.Canceled):
		finish.Status = RunCancelled
		finish.Stage = "cancelled"
		finish.ProgressPercent = 0
		finish.ErrorMessage = strPtr("cancelled")
	case runErr != nil:
		finish.Status = RunFailed
		finish.Stage = "failed"
		finish.ProgressPercent = 0
		finish.ErrorMessage = strPtr(truncateError(runErr))
	}

	run, layer, err := w.completion.Finalize(ctx, job.RunID, finish)
	if err != nil {
		w.logger.Printf("run %s: completion failed at layer %d: %v", job.RunID, layer, err)
		return
	}
	w.controller.Publish(run)
	w.logger.Printf("run %s: %s (%d events, %d participants synced, %d failures)",
		job.RunID, run.Status, summary.EventsSynced, summary.ParticipantsSynced, summary.ParticipantFailures)
}

func truncateError(err error) string {
	message := strings.TrimSpace(err.Error())
	if len(message) > 500 {
		message = message[:500]
	}
	return message
}
