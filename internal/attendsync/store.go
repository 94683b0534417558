package attendsync

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrRunActive      = errors.New("sync run already active")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrRateLimited    = errors.New("provider rate budget exhausted")
	ErrNotImplemented = errors.New("not implemented")
)

type ConflictError struct {
	ConnectionID string
	ActiveRunID  string
}

func (e *ConflictError) Error() string {
	if e.ActiveRunID == "" {
		return "sync run already active for connection " + e.ConnectionID
	}
	return "sync run " + e.ActiveRunID + " already active for connection " + e.ConnectionID
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRunActive
}

type SyncType string

const (
	SyncTypeFull   SyncType = "full"
	SyncTypeDelta  SyncType = "delta"
	SyncTypeManual SyncType = "manual"
	SyncTypeSingle SyncType = "single-resource"
)

func ParseSyncType(raw string) (SyncType, error) {
	switch SyncType(strings.TrimSpace(raw)) {
	case SyncTypeFull:
		return SyncTypeFull, nil
	case SyncTypeDelta:
		return SyncTypeDelta, nil
	case SyncTypeManual:
		return SyncTypeManual, nil
	case SyncTypeSingle:
		return SyncTypeSingle, nil
	default:
		return "", ErrInvalidInput
	}
}

type RunStatus string

const (
	RunStarted    RunStatus = "started"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// SyncSession is the lifecycle record for one sync run. Rows are append-only:
// terminal runs are never deleted and serve as the audit trail.
type SyncSession struct {
	ID              string         `json:"id"`
	ConnectionID    string         `json:"connectionId"`
	SyncType        SyncType       `json:"syncType"`
	Status          RunStatus      `json:"status"`
	Stage           string         `json:"stage"`
	ProgressPercent int            `json:"progressPercent"`
	StartedAt       time.Time      `json:"startedAt"`
	LastProgressAt  time.Time      `json:"lastProgressAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	Notes           map[string]any `json:"notes,omitempty"`
	WebinarID       string         `json:"webinarId,omitempty"`
}

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventLive      EventStatus = "live"
	EventEnded     EventStatus = "ended"
)

type ParticipantSyncStatus string

const (
	ParticipantsNotApplicable     ParticipantSyncStatus = "not_applicable"
	ParticipantsPending           ParticipantSyncStatus = "pending"
	ParticipantsSynced            ParticipantSyncStatus = "synced"
	ParticipantsFailed            ParticipantSyncStatus = "failed"
	ParticipantsNone              ParticipantSyncStatus = "no_participants"
	ParticipantsValidationWarning ParticipantSyncStatus = "validation_warning"
	ParticipantsValidationError   ParticipantSyncStatus = "validation_error"
)

// Event is one webinar occurrence. ExternalID is shared between occurrences
// of a recurring series; UUID is unique per occurrence.
type Event struct {
	ID                    string                `json:"id"`
	ConnectionID          string                `json:"connectionId"`
	ExternalID            string                `json:"externalId"`
	UUID                  string                `json:"uuid"`
	Topic                 string                `json:"topic,omitempty"`
	Status                EventStatus           `json:"status"`
	StartTime             time.Time             `json:"startTime"`
	DurationMinutes       int                   `json:"durationMinutes"`
	TotalRegistrants      int                   `json:"totalRegistrants"`
	TotalAttendees        int                   `json:"totalAttendees"`
	TotalAbsentees        int                   `json:"totalAbsentees"`
	TotalMinutes          int                   `json:"totalMinutes"`
	AvgAttendanceDuration float64               `json:"avgAttendanceDuration"`
	ParticipantSyncStatus ParticipantSyncStatus `json:"participantSyncStatus"`
	ParticipantSource     string                `json:"participantSource,omitempty"`
	UpdatedAt             time.Time             `json:"updatedAt"`
}

// RawSession is one join/leave interval for one person as reported by the
// provider. A single person commonly produces several of these per event.
type RawSession struct {
	Email           string    `json:"email,omitempty"`
	UserID          string    `json:"userId,omitempty"`
	Name            string    `json:"name,omitempty"`
	JoinTime        time.Time `json:"joinTime"`
	LeaveTime       time.Time `json:"leaveTime"`
	DurationMinutes int       `json:"durationMinutes"`
	Role            string    `json:"role,omitempty"`
}

type AttendeeRole string

const (
	RoleAttendee AttendeeRole = "attendee"
	RoleStaff    AttendeeRole = "panelist/host"
)

// ReconciledAttendee is the canonical per-person aggregate for one event.
// The set is recomputed from scratch each run, never patched incrementally.
type ReconciledAttendee struct {
	EventID              string       `json:"eventId"`
	IdentityKey          string       `json:"identityKey"`
	Email                string       `json:"email,omitempty"`
	Name                 string       `json:"name,omitempty"`
	Role                 AttendeeRole `json:"role"`
	TotalDurationMinutes int          `json:"totalDurationMinutes"`
	SessionCount         int          `json:"sessionCount"`
	FirstJoin            time.Time    `json:"firstJoin"`
	LastLeave            time.Time    `json:"lastLeave"`
}

type SyncOptions struct {
	ForceFullSync bool       `json:"forceFullSync,omitempty"`
	LastSyncTime  *time.Time `json:"lastSyncTime,omitempty"`
}

// SyncJob is the queued work item for one run. The queue, not the HTTP
// request, owns execution: triggers enqueue and return immediately.
type SyncJob struct {
	RunID        string      `json:"runId"`
	ConnectionID string      `json:"connectionId"`
	SyncType     SyncType    `json:"syncType"`
	WebinarID    string      `json:"webinarId,omitempty"`
	Options      SyncOptions `json:"options"`
}

// RunFinish carries the terminal write for a run. Optional fields are dropped
// layer by layer as the completion sequencer degrades.
type RunFinish struct {
	Status          RunStatus
	Stage           string
	ProgressPercent int
	CompletedAt     time.Time
	ErrorMessage    *string
	Notes           map[string]any
}

type Store interface {
	// CreateRun inserts a new run and enforces the single-active-run guard
	// atomically. A started or in_progress run for the same connection makes
	// it fail with a *ConflictError.
	CreateRun(ctx context.Context, run SyncSession) (SyncSession, error)
	GetRun(ctx context.Context, runID string) (SyncSession, error)
	ListRuns(ctx context.Context, connectionID string, limit int) ([]SyncSession, error)
	ListUnfinishedRuns(ctx context.Context) ([]SyncSession, error)
	LatestCompletedRun(ctx context.Context, connectionID string) (*SyncSession, error)

	// AdvanceRun applies a monotonic stage/progress update. A write with lower
	// progress than the stored value is skipped and reported as applied=false.
	AdvanceRun(ctx context.Context, runID, stage string, progressPercent int) (SyncSession, bool, error)
	// FinishRun moves a run to a terminal status. Terminal states are final:
	// finishing an already-terminal run fails with ErrInvalidState.
	FinishRun(ctx context.Context, runID string, finish RunFinish) (SyncSession, error)
	// ForceFinishRun is the last-resort terminal write. It bypasses the
	// terminal-state guard and succeeds even on an already-finished run.
	ForceFinishRun(ctx context.Context, runID string, status RunStatus, errorMessage string) (SyncSession, error)

	UpsertEvent(ctx context.Context, event Event) (Event, error)
	GetEvent(ctx context.Context, connectionID, externalID string) (Event, error)
	ListEvents(ctx context.Context, connectionID string, limit int) ([]Event, error)
	ReplaceAttendees(ctx context.Context, eventID string, attendees []ReconciledAttendee) error
	ListAttendees(ctx context.Context, eventID string) ([]ReconciledAttendee, error)

	Close() error
}

type JobQueue interface {
	TryEnqueue(job SyncJob) bool
	Enqueue(ctx context.Context, job SyncJob) bool
	Dequeue(ctx context.Context) (SyncJob, bool)
	Depth() int
	Capacity() int
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func orNopLogger(logger Logger) Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}

// AbsenteeCount keeps the stored aggregate consistent with the invariant
// totalAbsentees = max(0, totalRegistrants - totalAttendees).
func AbsenteeCount(totalRegistrants, totalAttendees int) int {
	absentees := totalRegistrants - totalAttendees
	if absentees < 0 {
		return 0
	}
	return absentees
}

func strPtr(s string) *string {
	return &s
}
