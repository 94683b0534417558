package attendsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CompletionSequencer guarantees every run reaches a terminal row. It tries
// progressively smaller terminal writes, each retried and re-read through the
// TxManager, and falls back to the guard-bypassing force write only when all
// honest layers are exhausted.
type CompletionSequencer struct {
	store  Store
	tx     *TxManager
	logger Logger

	// finalizeTimeout bounds the whole sequence. The sequence runs on a
	// context detached from the run's own, so a cancelled run still gets its
	// terminal write.
	finalizeTimeout time.Duration
}

type CompletionOptions struct {
	Store           Store
	TxManager       *TxManager
	Logger          Logger
	FinalizeTimeout time.Duration
}

func NewCompletionSequencer(opts CompletionOptions) (*CompletionSequencer, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	tx := opts.TxManager
	if tx == nil {
		tx = NewTxManager(TxManagerOptions{Logger: opts.Logger})
	}
	finalizeTimeout := opts.FinalizeTimeout
	if finalizeTimeout <= 0 {
		finalizeTimeout = 2 * time.Minute
	}
	return &CompletionSequencer{
		store:           opts.Store,
		tx:              tx,
		logger:          orNopLogger(opts.Logger),
		finalizeTimeout: finalizeTimeout,
	}, nil
}

// Finalize drives the run to the terminal state in finish. It returns the
// terminal session and the layer (1-4) that landed it. An error means even
// the force write failed, which leaves the run to the sweeper.
func (s *CompletionSequencer) Finalize(ctx context.Context, runID string, finish RunFinish) (SyncSession, int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancel()

	if finish.CompletedAt.IsZero() {
		finish.CompletedAt = time.Now().UTC()
	}
	if finish.Status == RunCompleted {
		finish.ProgressPercent = 100
	}

	layers := []struct {
		name   string
		finish RunFinish
	}{
		{"full", finish},
		{"essential", essentialFinish(finish)},
		{"status-only", statusOnlyFinish(finish)},
	}
	for i, layer := range layers {
		err := s.tx.Execute(ctx, "finalize-"+layer.name,
			func(ctx context.Context) error {
				_, err := s.store.FinishRun(ctx, runID, layer.finish)
				if errors.Is(err, ErrInvalidState) {
					// Someone else finished the run first. Terminal is
					// terminal; accept whatever landed.
					return nil
				}
				return err
			},
			func(ctx context.Context) error {
				return s.validateTerminal(ctx, runID)
			})
		if err == nil {
			run, getErr := s.store.GetRun(ctx, runID)
			if getErr != nil {
				return SyncSession{}, i + 1, getErr
			}
			if i > 0 {
				s.logger.Printf("run %s finalized at degraded layer %d (%s)", runID, i+1, layer.name)
			}
			return run, i + 1, nil
		}
		s.logger.Printf("run %s: completion layer %d (%s) exhausted: %v", runID, i+1, layer.name, err)
	}

	errorMessage := ""
	if finish.ErrorMessage != nil {
		errorMessage = *finish.ErrorMessage
	}
	run, err := s.store.ForceFinishRun(ctx, runID, finish.Status, errorMessage)
	if err != nil {
		return SyncSession{}, 4, fmt.Errorf("force finish run %s: %w", runID, err)
	}
	s.logger.Printf("ANOMALY: run %s required force finish to %s", runID, finish.Status)
	return run, 4, nil
}

// validateTerminal re-reads the run and proves the terminal write took.
func (s *CompletionSequencer) validateTerminal(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s still %s", runID, run.Status)
	}
	if run.CompletedAt == nil {
		return fmt.Errorf("run %s terminal without completion time", runID)
	}
	if run.Status == RunCompleted && run.ProgressPercent != 100 {
		return fmt.Errorf("run %s completed at %d%%", runID, run.ProgressPercent)
	}
	return nil
}

// essentialFinish drops everything but status, stage, progress and the
// numeric counters from the notes.
func essentialFinish(finish RunFinish) RunFinish {
	trimmed := finish
	trimmed.Notes = nil
	for key, value := range finish.Notes {
		switch value.(type) {
		case int, int64, float64:
			if trimmed.Notes == nil {
				trimmed.Notes = make(map[string]any)
			}
			trimmed.Notes[key] = value
		}
	}
	return trimmed
}

// statusOnlyFinish is the bare minimum honest write: terminal status and
// completion time, nothing else.
func statusOnlyFinish(finish RunFinish) RunFinish {
	return RunFinish{
		Status:          finish.Status,
		Stage:           finish.Stage,
		ProgressPercent: finish.ProgressPercent,
		CompletedAt:     finish.CompletedAt,
		ErrorMessage:    finish.ErrorMessage,
	}
}
