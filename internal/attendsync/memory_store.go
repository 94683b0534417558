package attendsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore backs tests and local development. It enforces the same
// guards as the Postgres store: one active run per connection, monotonic
// progress, and terminal states that stay terminal.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*SyncSession
	events    map[string]*Event // keyed by internal id
	attendees map[string][]ReconciledAttendee
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      map[string]*SyncSession{},
		events:    map[string]*Event{},
		attendees: map[string][]ReconciledAttendee{},
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run SyncSession) (SyncSession, error) {
	if strings.TrimSpace(run.ConnectionID) == "" {
		return SyncSession{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.ConnectionID == run.ConnectionID && !existing.Status.Terminal() {
			return SyncSession{}, &ConflictError{ConnectionID: run.ConnectionID, ActiveRunID: existing.ID}
		}
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStarted
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.LastProgressAt.IsZero() {
		run.LastProgressAt = run.StartedAt
	}
	stored := run
	s.runs[run.ID] = &stored
	return run, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return SyncSession{}, ErrNotFound
	}
	return cloneRun(*run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, connectionID string, limit int) ([]SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]SyncSession, 0)
	for _, run := range s.runs {
		if connectionID != "" && run.ConnectionID != connectionID {
			continue
		}
		runs = append(runs, cloneRun(*run))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) ListUnfinishedRuns(ctx context.Context) ([]SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]SyncSession, 0)
	for _, run := range s.runs {
		if !run.Status.Terminal() {
			runs = append(runs, cloneRun(*run))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

func (s *MemoryStore) LatestCompletedRun(ctx context.Context, connectionID string) (*SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *SyncSession
	for _, run := range s.runs {
		if run.ConnectionID != connectionID || run.Status != RunCompleted || run.CompletedAt == nil {
			continue
		}
		if latest == nil || run.CompletedAt.After(*latest.CompletedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := cloneRun(*latest)
	return &copied, nil
}

func (s *MemoryStore) AdvanceRun(ctx context.Context, runID, stage string, progressPercent int) (SyncSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return SyncSession{}, false, ErrNotFound
	}
	if run.Status.Terminal() {
		return cloneRun(*run), false, ErrInvalidState
	}
	if progressPercent < run.ProgressPercent {
		return cloneRun(*run), false, nil
	}
	run.Stage = stage
	run.ProgressPercent = progressPercent
	run.Status = RunInProgress
	run.LastProgressAt = time.Now().UTC()
	return cloneRun(*run), true, nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, runID string, finish RunFinish) (SyncSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return SyncSession{}, ErrNotFound
	}
	if run.Status.Terminal() {
		return cloneRun(*run), ErrInvalidState
	}
	applyFinish(run, finish)
	return cloneRun(*run), nil
}

func (s *MemoryStore) ForceFinishRun(ctx context.Context, runID string, status RunStatus, errorMessage string) (SyncSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return SyncSession{}, ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.ProgressPercent = 100
	if errorMessage != "" {
		run.ErrorMessage = strPtr(errorMessage)
	}
	return cloneRun(*run), nil
}

func applyFinish(run *SyncSession, finish RunFinish) {
	run.Status = finish.Status
	completedAt := finish.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	run.CompletedAt = &completedAt
	if finish.Stage != "" {
		run.Stage = finish.Stage
	}
	if finish.ProgressPercent >= run.ProgressPercent {
		run.ProgressPercent = finish.ProgressPercent
	}
	run.ErrorMessage = finish.ErrorMessage
	if finish.Notes != nil {
		run.Notes = finish.Notes
	}
	run.LastProgressAt = completedAt
}

func (s *MemoryStore) UpsertEvent(ctx context.Context, event Event) (Event, error) {
	if strings.TrimSpace(event.ConnectionID) == "" || strings.TrimSpace(event.ExternalID) == "" {
		return Event{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event.UpdatedAt = time.Now().UTC()
	event.TotalAbsentees = AbsenteeCount(event.TotalRegistrants, event.TotalAttendees)
	for _, existing := range s.events {
		if existing.ConnectionID == event.ConnectionID && existing.ExternalID == event.ExternalID &&
			(event.UUID == "" || existing.UUID == event.UUID) {
			event.ID = existing.ID
			stored := event
			s.events[existing.ID] = &stored
			return event, nil
		}
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	stored := event
	s.events[event.ID] = &stored
	return event, nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, connectionID, externalID string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, event := range s.events {
		if event.ConnectionID == connectionID && event.ExternalID == externalID {
			return *event, nil
		}
	}
	return Event{}, ErrNotFound
}

func (s *MemoryStore) ListEvents(ctx context.Context, connectionID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, 0)
	for _, event := range s.events {
		if connectionID != "" && event.ConnectionID != connectionID {
			continue
		}
		events = append(events, *event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].StartTime.After(events[j].StartTime) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryStore) ReplaceAttendees(ctx context.Context, eventID string, attendees []ReconciledAttendee) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendees[eventID] = append([]ReconciledAttendee(nil), attendees...)
	return nil
}

func (s *MemoryStore) ListAttendees(ctx context.Context, eventID string) ([]ReconciledAttendee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReconciledAttendee(nil), s.attendees[eventID]...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneRun(run SyncSession) SyncSession {
	if run.CompletedAt != nil {
		completedAt := *run.CompletedAt
		run.CompletedAt = &completedAt
	}
	if run.ErrorMessage != nil {
		errorMessage := *run.ErrorMessage
		run.ErrorMessage = &errorMessage
	}
	if run.Notes != nil {
		notes := make(map[string]any, len(run.Notes))
		for key, value := range run.Notes {
			notes[key] = value
		}
		run.Notes = notes
	}
	return run
}

type memoryJobQueue struct {
	mu           sync.Mutex
	items        []SyncJob
	capacity     int
	pollInterval time.Duration
}

func NewMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryJobQueue{
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
}

func (q *memoryJobQueue) TryEnqueue(job SyncJob) bool {
	if strings.TrimSpace(job.RunID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	return true
}

func (q *memoryJobQueue) Enqueue(ctx context.Context, job SyncJob) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *memoryJobQueue) Dequeue(ctx context.Context) (SyncJob, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SyncJob{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *memoryJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryJobQueue) Capacity() int {
	return q.capacity
}

func (q *memoryJobQueue) Close() error {
	return nil
}
