package attendsync

import (
	"context"
	"time"
)

const fullSyncLookback = 90 * 24 * time.Hour

// DeltaWindow is the time range one sync run must cover.
type DeltaWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Full bool      `json:"full"`
}

// ComputeDeltaWindow resolves the range for a run. Priority order: forced full
// sync, caller-supplied lastSyncTime, the last completed run's completedAt,
// then the full 90-day lookback. A first-ever delta run therefore never covers
// an empty window.
func ComputeDeltaWindow(ctx context.Context, store Store, connectionID string, opts SyncOptions, now time.Time) (DeltaWindow, error) {
	now = now.UTC()
	if opts.ForceFullSync {
		return DeltaWindow{From: now.Add(-fullSyncLookback), To: now, Full: true}, nil
	}
	if opts.LastSyncTime != nil && !opts.LastSyncTime.IsZero() {
		return DeltaWindow{From: opts.LastSyncTime.UTC(), To: now}, nil
	}
	last, err := store.LatestCompletedRun(ctx, connectionID)
	if err != nil {
		return DeltaWindow{}, err
	}
	if last != nil && last.CompletedAt != nil && !last.CompletedAt.IsZero() {
		return DeltaWindow{From: last.CompletedAt.UTC(), To: now}, nil
	}
	return DeltaWindow{From: now.Add(-fullSyncLookback), To: now, Full: true}, nil
}
