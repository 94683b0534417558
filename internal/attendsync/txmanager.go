package attendsync

import (
	"context"
	"fmt"
	"time"
)

// TxManager wraps state-mutating writes in retry-with-backoff and post-write
// validation. A write that returns success but fails validation on re-read is
// treated as a failed attempt: "succeeded at the network layer" is not
// persisted until the record proves it.
type TxManager struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      Logger
}

type TxManagerOptions struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      Logger
}

func NewTxManager(opts TxManagerOptions) *TxManager {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &TxManager{
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		logger:      orNopLogger(opts.Logger),
	}
}

// Execute runs write, then validate (when non-nil) against the store. Both
// must succeed within one attempt for the write to count. Backoff doubles per
// attempt: base, 2x, 4x, capped at MaxBackoff.
func (m *TxManager) Execute(ctx context.Context, name string, write func(ctx context.Context) error, validate func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := write(ctx)
		if err == nil && validate != nil {
			if validationErr := validate(ctx); validationErr != nil {
				err = fmt.Errorf("post-write validation failed: %w", validationErr)
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < m.maxAttempts {
			delay := m.backoff(attempt)
			m.logger.Printf("write %s attempt %d/%d failed, retrying in %s: %v", name, attempt, m.maxAttempts, delay, err)
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
		}
	}
	return fmt.Errorf("write %s failed after %d attempts: %w", name, m.maxAttempts, lastErr)
}

func (m *TxManager) backoff(attempt int) time.Duration {
	delay := m.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxBackoff {
			return m.maxBackoff
		}
	}
	if delay > m.maxBackoff {
		return m.maxBackoff
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
