package attendsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// runRegistry maps in-flight run ids to their cancel funcs so Cancel and the
// sweeper can interrupt workers instead of merely flipping a status column.
type runRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *runRegistry) register(parent context.Context, runID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancels[runID] = cancel
	r.mu.Unlock()
	return ctx, func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
	}
}

func (r *runRegistry) cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Controller owns the run lifecycle: trigger, progress, cancel, and the stuck
// run sweep. Execution itself happens in the worker pool; StartRun only
// records the run and enqueues a job.
type Controller struct {
	store        Store
	queue        JobQueue
	provider     ProviderAPI
	broadcaster  *Broadcaster
	logger       Logger
	registry     *runRegistry
	stuckTimeout time.Duration
	minBudget    int
}

type ControllerOptions struct {
	Store       Store
	Queue       JobQueue
	Provider    ProviderAPI
	Broadcaster *Broadcaster
	Logger      Logger

	// StuckTimeout is how long a run may go without a progress write before
	// the sweeper declares it dead. Zero means the 10 minute default.
	StuckTimeout time.Duration
	// MinBudget defers new runs while the provider's reported remaining
	// request budget is below it. Zero disables the check.
	MinBudget int
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	stuckTimeout := opts.StuckTimeout
	if stuckTimeout <= 0 {
		stuckTimeout = 10 * time.Minute
	}
	return &Controller{
		store:        opts.Store,
		queue:        opts.Queue,
		provider:     opts.Provider,
		broadcaster:  opts.Broadcaster,
		logger:       orNopLogger(opts.Logger),
		registry:     newRunRegistry(),
		stuckTimeout: stuckTimeout,
		minBudget:    opts.MinBudget,
	}, nil
}

// StartRun creates a run row and enqueues its job. When the connection already
// has an active run it checks whether that run is stuck; a stuck run is
// force-failed and the trigger retried once, otherwise *ConflictError comes
// back to the caller.
func (c *Controller) StartRun(ctx context.Context, connectionID string, syncType SyncType, opts SyncOptions, webinarID string) (SyncSession, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return SyncSession{}, fmt.Errorf("%w: connection id required", ErrInvalidInput)
	}
	if _, err := ParseSyncType(string(syncType)); err != nil {
		return SyncSession{}, fmt.Errorf("%w: unknown sync type %q", ErrInvalidInput, syncType)
	}
	webinarID = strings.TrimSpace(webinarID)
	if syncType == SyncTypeSingle && webinarID == "" {
		return SyncSession{}, fmt.Errorf("%w: single-resource sync requires a webinar id", ErrInvalidInput)
	}
	if c.minBudget > 0 && c.provider != nil {
		if budget := c.provider.RemainingBudget(); budget >= 0 && budget < c.minBudget {
			return SyncSession{}, fmt.Errorf("%w: provider budget %d below floor %d", ErrRateLimited, budget, c.minBudget)
		}
	}

	run, err := c.createRun(ctx, connectionID, syncType, webinarID)
	if err != nil {
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return SyncSession{}, err
		}
		recovered, recoverErr := c.recoverStuckConflict(ctx, conflict)
		if recoverErr != nil {
			return SyncSession{}, recoverErr
		}
		if !recovered {
			return SyncSession{}, err
		}
		run, err = c.createRun(ctx, connectionID, syncType, webinarID)
		if err != nil {
			return SyncSession{}, err
		}
	}

	job := SyncJob{
		RunID:        run.ID,
		ConnectionID: connectionID,
		SyncType:     syncType,
		WebinarID:    webinarID,
		Options:      opts,
	}
	if !c.queue.TryEnqueue(job) {
		if _, failErr := c.store.ForceFinishRun(ctx, run.ID, RunFailed, "job queue full"); failErr != nil {
			c.logger.Printf("force-fail run %s after full queue: %v", run.ID, failErr)
		}
		return SyncSession{}, ErrQueueFull
	}
	c.publish(run)
	c.logger.Printf("run %s queued for connection %s (%s)", run.ID, connectionID, syncType)
	return run, nil
}

func (c *Controller) createRun(ctx context.Context, connectionID string, syncType SyncType, webinarID string) (SyncSession, error) {
	now := time.Now().UTC()
	return c.store.CreateRun(ctx, SyncSession{
		ID:             uuid.NewString(),
		ConnectionID:   connectionID,
		SyncType:       syncType,
		Status:         RunStarted,
		Stage:          "queued",
		StartedAt:      now,
		LastProgressAt: now,
		WebinarID:      webinarID,
	})
}

// recoverStuckConflict force-fails the conflicting run when it has been silent
// past the stuck timeout. Reports whether the trigger should be retried.
func (c *Controller) recoverStuckConflict(ctx context.Context, conflict *ConflictError) (bool, error) {
	if conflict.ActiveRunID == "" {
		return false, nil
	}
	active, err := c.store.GetRun(ctx, conflict.ActiveRunID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if active.Status.Terminal() {
		return true, nil
	}
	age := time.Since(active.LastProgressAt)
	if age < c.stuckTimeout {
		return false, nil
	}
	c.registry.cancel(active.ID)
	failed, err := c.store.ForceFinishRun(ctx, active.ID,
		RunFailed, fmt.Sprintf("superseded: no progress for %s", age.Round(time.Second)))
	if err != nil {
		return false, err
	}
	c.publish(failed)
	c.logger.Printf("force-failed stuck run %s (stage %s, silent %s)", active.ID, active.Stage, age.Round(time.Second))
	return true, nil
}

// AdvanceStage records forward progress. Regressive updates are skipped and
// logged, never treated as errors, so retried stages cannot walk a run
// backwards.
func (c *Controller) AdvanceStage(ctx context.Context, runID, stage string, progressPercent int) (SyncSession, error) {
	run, applied, err := c.store.AdvanceRun(ctx, runID, stage, progressPercent)
	if err != nil {
		return SyncSession{}, err
	}
	if !applied {
		c.logger.Printf("run %s: skipped regressive progress %d%% (%s), at %d%%", runID, progressPercent, stage, run.ProgressPercent)
		return run, nil
	}
	c.publish(run)
	return run, nil
}

// Cancel marks a run cancelled and interrupts its worker if one is executing
// it. Cancelling an already-terminal run fails with ErrInvalidState.
func (c *Controller) Cancel(ctx context.Context, runID string) (SyncSession, error) {
	interrupted := c.registry.cancel(runID)
	run, err := c.store.FinishRun(ctx, runID, RunFinish{
		Status:          RunCancelled,
		Stage:           "cancelled",
		ProgressPercent: 0,
		CompletedAt:     time.Now().UTC(),
		ErrorMessage:    strPtr("cancelled by request"),
	})
	if err != nil {
		if interrupted {
			// The worker saw the context cancellation and finished the run
			// before our write landed. Treat that as success.
			if current, getErr := c.store.GetRun(ctx, runID); getErr == nil && current.Status == RunCancelled {
				return current, nil
			}
		}
		return SyncSession{}, err
	}
	c.publish(run)
	c.logger.Printf("run %s cancelled (worker interrupted: %t)", runID, interrupted)
	return run, nil
}

// RegisterRun derives the cancellable context a worker executes the run
// under. The returned release must be called when the run finishes.
func (c *Controller) RegisterRun(parent context.Context, runID string) (context.Context, context.CancelFunc) {
	return c.registry.register(parent, runID)
}

// SweepStuckRuns force-fails every non-terminal run whose last progress write
// is older than the stuck timeout. Returns how many runs were reaped.
func (c *Controller) SweepStuckRuns(ctx context.Context, now time.Time) (int, error) {
	runs, err := c.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, err
	}
	deadline := now.Add(-c.stuckTimeout)
	reaped := 0
	for _, run := range runs {
		if run.LastProgressAt.After(deadline) {
			continue
		}
		c.registry.cancel(run.ID)
		age := now.Sub(run.LastProgressAt)
		failed, err := c.store.ForceFinishRun(ctx, run.ID,
			RunFailed, fmt.Sprintf("sync timed out: no progress for %s", age.Round(time.Second)))
		if err != nil {
			c.logger.Printf("sweep: force-fail run %s: %v", run.ID, err)
			continue
		}
		c.publish(failed)
		c.logger.Printf("sweep: force-failed run %s for connection %s (stage %s, silent %s)",
			run.ID, run.ConnectionID, run.Stage, age.Round(time.Second))
		reaped++
	}
	return reaped, nil
}

// RunSweeper loops SweepStuckRuns until the context ends.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := c.SweepStuckRuns(ctx, now.UTC()); err != nil {
				c.logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

// Publish forwards a run snapshot to progress stream subscribers.
func (c *Controller) Publish(run SyncSession) {
	c.publish(run)
}

func (c *Controller) publish(run SyncSession) {
	if c.broadcaster != nil {
		c.broadcaster.Publish(run)
	}
}
