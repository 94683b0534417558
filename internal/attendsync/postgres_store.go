package attendsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 250 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable store. All coordination state lives here, not
// in process memory: the single-active-run guard is a partial unique index,
// so two concurrent StartRun calls cannot both win.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_sessions (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		sync_type TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		progress_percent INT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_progress_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		notes JSONB,
		webinar_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_sessions_active_connection_idx
		ON sync_sessions (connection_id)
		WHERE status IN ('started', 'in_progress')`,
	`CREATE INDEX IF NOT EXISTS sync_sessions_connection_started_idx
		ON sync_sessions (connection_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		uuid TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'scheduled',
		start_time TIMESTAMPTZ,
		duration_minutes INT NOT NULL DEFAULT 0,
		total_registrants INT NOT NULL DEFAULT 0,
		total_attendees INT NOT NULL DEFAULT 0,
		total_absentees INT NOT NULL DEFAULT 0,
		total_minutes INT NOT NULL DEFAULT 0,
		avg_attendance_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		participant_sync_status TEXT NOT NULL DEFAULT 'not_applicable',
		participant_source TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (connection_id, external_id, uuid)
	)`,
	`CREATE TABLE IF NOT EXISTS event_attendees (
		event_id TEXT NOT NULL,
		identity_key TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		total_duration_minutes INT NOT NULL DEFAULT 0,
		session_count INT NOT NULL DEFAULT 0,
		first_join TIMESTAMPTZ,
		last_leave TIMESTAMPTZ,
		PRIMARY KEY (event_id, identity_key)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id BIGSERIAL PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) CreateRun(ctx context.Context, run SyncSession) (SyncSession, error) {
	if strings.TrimSpace(run.ConnectionID) == "" {
		return SyncSession{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return SyncSession{}, err
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
	notes, err := marshalNotes(run.Notes)
	if err != nil {
		return SyncSession{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions
			(id, connection_id, sync_type, status, stage, progress_percent, started_at, last_progress_at, error_message, notes, webinar_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.ConnectionID, string(run.SyncType), string(run.Status), run.Stage, run.ProgressPercent,
		run.StartedAt, run.LastProgressAt, run.ErrorMessage, notes, run.WebinarID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			conflict := &ConflictError{ConnectionID: run.ConnectionID}
			if active, lookupErr := s.activeRun(ctx, run.ConnectionID); lookupErr == nil && active != nil {
				conflict.ActiveRunID = active.ID
			}
			return SyncSession{}, conflict
		}
		return SyncSession{}, err
	}
	return run, nil
}

func (s *PostgresStore) activeRun(ctx context.Context, connectionID string) (*SyncSession, error) {
	row := s.db.QueryRowContext(ctx, selectRunQuery+`
		WHERE connection_id = $1 AND status IN ('started', 'in_progress')
		ORDER BY started_at DESC LIMIT 1`, connectionID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

const selectRunQuery = `
	SELECT id, connection_id, sync_type, status, stage, progress_percent,
		started_at, last_progress_at, completed_at, error_message, notes, webinar_id
	FROM sync_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (SyncSession, error) {
	var run SyncSession
	var syncType, status string
	var completedAt sql.NullTime
	var errorMessage sql.NullString
	var notes []byte
	err := row.Scan(&run.ID, &run.ConnectionID, &syncType, &status, &run.Stage, &run.ProgressPercent,
		&run.StartedAt, &run.LastProgressAt, &completedAt, &errorMessage, &notes, &run.WebinarID)
	if err != nil {
		return SyncSession{}, err
	}
	run.SyncType = SyncType(syncType)
	run.Status = RunStatus(status)
	if completedAt.Valid {
		completed := completedAt.Time
		run.CompletedAt = &completed
	}
	if errorMessage.Valid {
		run.ErrorMessage = strPtr(errorMessage.String)
	}
	if len(notes) > 0 {
		_ = json.Unmarshal(notes, &run.Notes)
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (SyncSession, error) {
	if err := s.ensureReady(); err != nil {
		return SyncSession{}, err
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery+` WHERE id = $1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncSession{}, ErrNotFound
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, connectionID string, limit int) ([]SyncSession, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRunQuery+`
		WHERE ($1 = '' OR connection_id = $1)
		ORDER BY started_at DESC LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *PostgresStore) ListUnfinishedRuns(ctx context.Context) ([]SyncSession, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectRunQuery+`
		WHERE status IN ('started', 'in_progress')
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]SyncSession, error) {
	runs := make([]SyncSession, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) LatestCompletedRun(ctx context.Context, connectionID string) (*SyncSession, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery+`
		WHERE connection_id = $1 AND status = 'completed' AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) AdvanceRun(ctx context.Context, runID, stage string, progressPercent int) (SyncSession, bool, error) {
	if err := s.ensureReady(); err != nil {
		return SyncSession{}, false, err
	}
	// The progress guard is part of the UPDATE so a stale writer loses the
	// race instead of rolling progress backwards.
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions
		SET stage = $2, progress_percent = $3, status = 'in_progress', last_progress_at = NOW()
		WHERE id = $1 AND status IN ('started', 'in_progress') AND progress_percent <= $3`,
		runID, stage, progressPercent)
	if err != nil {
		return SyncSession{}, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SyncSession{}, false, err
	}
	run, getErr := s.GetRun(ctx, runID)
	if getErr != nil {
		return SyncSession{}, false, getErr
	}
	if affected > 0 {
		return run, true, nil
	}
	if run.Status.Terminal() {
		return run, false, ErrInvalidState
	}
	return run, false, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, finish RunFinish) (SyncSession, error) {
	if err := s.ensureReady(); err != nil {
		return SyncSession{}, err
	}
	completedAt := finish.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	notes, err := marshalNotes(finish.Notes)
	if err != nil {
		return SyncSession{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions
		SET status = $2,
			stage = CASE WHEN $3 <> '' THEN $3 ELSE stage END,
			progress_percent = GREATEST(progress_percent, $4),
			completed_at = $5,
			error_message = $6,
			notes = COALESCE($7, notes),
			last_progress_at = NOW()
		WHERE id = $1 AND status IN ('started', 'in_progress')`,
		runID, string(finish.Status), finish.Stage, finish.ProgressPercent, completedAt, finish.ErrorMessage, notes)
	if err != nil {
		return SyncSession{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SyncSession{}, err
	}
	run, getErr := s.GetRun(ctx, runID)
	if getErr != nil {
		return SyncSession{}, getErr
	}
	if affected == 0 {
		return run, ErrInvalidState
	}
	return run, nil
}

func (s *PostgresStore) ForceFinishRun(ctx context.Context, runID string, status RunStatus, errorMessage string) (SyncSession, error) {
	if err := s.ensureReady(); err != nil {
		return SyncSession{}, err
	}
	var errValue *string
	if errorMessage != "" {
		errValue = strPtr(errorMessage)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions
		SET status = $2, completed_at = NOW(), progress_percent = 100,
			error_message = COALESCE($3, error_message)
		WHERE id = $1`,
		runID, string(status), errValue)
	if err != nil {
		return SyncSession{}, err
	}
	return s.GetRun(ctx, runID)
}

func (s *PostgresStore) UpsertEvent(ctx context.Context, event Event) (Event, error) {
	if strings.TrimSpace(event.ConnectionID) == "" || strings.TrimSpace(event.ExternalID) == "" {
		return Event{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Event{}, err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.TotalAbsentees = AbsenteeCount(event.TotalRegistrants, event.TotalAttendees)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO events
			(id, connection_id, external_id, uuid, topic, status, start_time, duration_minutes,
			total_registrants, total_attendees, total_absentees, total_minutes, avg_attendance_duration,
			participant_sync_status, participant_source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (connection_id, external_id, uuid) DO UPDATE SET
			topic = EXCLUDED.topic,
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			duration_minutes = EXCLUDED.duration_minutes,
			total_registrants = EXCLUDED.total_registrants,
			total_attendees = EXCLUDED.total_attendees,
			total_absentees = EXCLUDED.total_absentees,
			total_minutes = EXCLUDED.total_minutes,
			avg_attendance_duration = EXCLUDED.avg_attendance_duration,
			participant_sync_status = EXCLUDED.participant_sync_status,
			participant_source = CASE WHEN EXCLUDED.participant_source <> '' THEN EXCLUDED.participant_source ELSE events.participant_source END,
			updated_at = NOW()
		RETURNING id, updated_at`,
		event.ID, event.ConnectionID, event.ExternalID, event.UUID, event.Topic, string(event.Status),
		event.StartTime, event.DurationMinutes, event.TotalRegistrants, event.TotalAttendees,
		event.TotalAbsentees, event.TotalMinutes, event.AvgAttendanceDuration,
		string(event.ParticipantSyncStatus), event.ParticipantSource)
	if err := row.Scan(&event.ID, &event.UpdatedAt); err != nil {
		return Event{}, err
	}
	return event, nil
}

const selectEventQuery = `
	SELECT id, connection_id, external_id, uuid, topic, status, start_time, duration_minutes,
		total_registrants, total_attendees, total_absentees, total_minutes, avg_attendance_duration,
		participant_sync_status, participant_source, updated_at
	FROM events`

func scanEvent(row rowScanner) (Event, error) {
	var event Event
	var status, participantStatus string
	var startTime sql.NullTime
	err := row.Scan(&event.ID, &event.ConnectionID, &event.ExternalID, &event.UUID, &event.Topic,
		&status, &startTime, &event.DurationMinutes, &event.TotalRegistrants, &event.TotalAttendees,
		&event.TotalAbsentees, &event.TotalMinutes, &event.AvgAttendanceDuration,
		&participantStatus, &event.ParticipantSource, &event.UpdatedAt)
	if err != nil {
		return Event{}, err
	}
	event.Status = EventStatus(status)
	event.ParticipantSyncStatus = ParticipantSyncStatus(participantStatus)
	if startTime.Valid {
		event.StartTime = startTime.Time
	}
	return event, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, connectionID, externalID string) (Event, error) {
	if err := s.ensureReady(); err != nil {
		return Event{}, err
	}
	event, err := scanEvent(s.db.QueryRowContext(ctx, selectEventQuery+`
		WHERE connection_id = $1 AND external_id = $2
		ORDER BY start_time DESC NULLS LAST LIMIT 1`, connectionID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return event, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, connectionID string, limit int) ([]Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectEventQuery+`
		WHERE ($1 = '' OR connection_id = $1)
		ORDER BY start_time DESC NULLS LAST LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := make([]Event, 0)
	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ReplaceAttendees swaps the full attendee set for an event in one
// transaction. Reconciliation output always replaces, never increments.
func (s *PostgresStore) ReplaceAttendees(ctx context.Context, eventID string, attendees []ReconciledAttendee) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_attendees WHERE event_id = $1`, eventID); err != nil {
		return err
	}
	for _, attendee := range attendees {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_attendees
				(event_id, identity_key, email, name, role, total_duration_minutes, session_count, first_join, last_leave)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			eventID, attendee.IdentityKey, attendee.Email, attendee.Name, string(attendee.Role),
			attendee.TotalDurationMinutes, attendee.SessionCount,
			nullableTime(attendee.FirstJoin), nullableTime(attendee.LastLeave))
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) ListAttendees(ctx context.Context, eventID string) ([]ReconciledAttendee, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, identity_key, email, name, role, total_duration_minutes, session_count, first_join, last_leave
		FROM event_attendees
		WHERE event_id = $1
		ORDER BY identity_key ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	attendees := make([]ReconciledAttendee, 0)
	for rows.Next() {
		var attendee ReconciledAttendee
		var role string
		var firstJoin, lastLeave sql.NullTime
		if err := rows.Scan(&attendee.EventID, &attendee.IdentityKey, &attendee.Email, &attendee.Name,
			&role, &attendee.TotalDurationMinutes, &attendee.SessionCount, &firstJoin, &lastLeave); err != nil {
			return nil, err
		}
		attendee.Role = AttendeeRole(role)
		if firstJoin.Valid {
			attendee.FirstJoin = firstJoin.Time
		}
		if lastLeave.Valid {
			attendee.LastLeave = lastLeave.Time
		}
		attendees = append(attendees, attendee)
	}
	return attendees, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalNotes(notes map[string]any) (any, error) {
	if notes == nil {
		return nil, nil
	}
	data, err := json.Marshal(notes)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// PostgresJobQueue is the durable work queue for sync runs. Dequeue uses
// FOR UPDATE SKIP LOCKED so workers in separate processes never double-claim
// a job.
type PostgresJobQueue struct {
	store        *PostgresStore
	capacity     int
	pollInterval time.Duration
}

func NewPostgresJobQueue(store *PostgresStore, capacity int) (*PostgresJobQueue, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresJobQueue{
		store:        store,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
	}, nil
}

func (q *PostgresJobQueue) TryEnqueue(job SyncJob) bool {
	if strings.TrimSpace(job.RunID) == "" {
		return false
	}
	if err := q.store.ensureReady(); err != nil {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext('sync_jobs'))"); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_jobs").Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO sync_jobs (payload) VALUES ($1)", string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresJobQueue) Enqueue(ctx context.Context, job SyncJob) bool {
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

func (q *PostgresJobQueue) Dequeue(ctx context.Context) (SyncJob, bool) {
	for {
		job, ok := q.tryDequeue(ctx)
		if ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return SyncJob{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) tryDequeue(ctx context.Context) (SyncJob, bool) {
	if err := q.store.ensureReady(); err != nil {
		return SyncJob{}, false
	}
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncJob{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload FROM sync_jobs
		ORDER BY id ASC LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncJob{}, false
	}
	if err != nil {
		return SyncJob{}, false
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_jobs WHERE id = $1", id); err != nil {
		return SyncJob{}, false
	}
	if err := tx.Commit(); err != nil {
		return SyncJob{}, false
	}
	committed = true
	var job SyncJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil || strings.TrimSpace(job.RunID) == "" {
		return SyncJob{}, false
	}
	return job, true
}

func (q *PostgresJobQueue) Depth() int {
	if err := q.store.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	if err := q.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_jobs").Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	return nil
}
