package attendsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pipeline pulls events and their participant data out of the provider and
// upserts canonical records. Pagination loops are bounded by a hard page
// ceiling so a misbehaving endpoint can never spin a run forever.
type Pipeline struct {
	provider ProviderAPI
	store    Store
	counts   *Cache[int]
	logger   Logger
	maxPages int
}

type PipelineOptions struct {
	Provider ProviderAPI
	Store    Store
	Logger   Logger
	MaxPages int
	CacheTTL time.Duration
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Provider == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Pipeline{
		provider: opts.Provider,
		store:    opts.Store,
		counts:   NewCache[int](512, cacheTTL),
		logger:   orNopLogger(opts.Logger),
		maxPages: maxPages,
	}, nil
}

// SyncEvents walks the provider's page-number-paginated event list for the
// window and upserts every occurrence. onPage, when non-nil, is called after
// each page with the running event count.
func (p *Pipeline) SyncEvents(ctx context.Context, connectionID string, window DeltaWindow, onPage func(fetched int)) ([]Event, error) {
	events := make([]Event, 0)
	for pageNumber := 1; pageNumber <= p.maxPages; pageNumber++ {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		page, err := p.provider.ListEvents(ctx, window.From, window.To, pageNumber)
		if err != nil {
			return events, fmt.Errorf("list events page %d: %w", pageNumber, err)
		}
		for _, providerEvent := range page.Events {
			event, err := p.upsertProviderEvent(ctx, connectionID, providerEvent)
			if err != nil {
				return events, err
			}
			events = append(events, event)
		}
		if onPage != nil {
			onPage(len(events))
		}
		if page.PageCount == 0 || pageNumber >= page.PageCount {
			return events, nil
		}
	}
	p.logger.Printf("event list for connection %s exceeded page ceiling %d; truncating", connectionID, p.maxPages)
	return events, nil
}

// SyncSingleEvent refreshes one event by external id, for single-resource runs.
func (p *Pipeline) SyncSingleEvent(ctx context.Context, connectionID, externalID string) (Event, error) {
	providerEvent, err := p.provider.GetEvent(ctx, externalID)
	if err != nil {
		return Event{}, fmt.Errorf("get event %s: %w", externalID, err)
	}
	return p.upsertProviderEvent(ctx, connectionID, providerEvent)
}

func (p *Pipeline) upsertProviderEvent(ctx context.Context, connectionID string, providerEvent ProviderEvent) (Event, error) {
	status := mapEventStatus(providerEvent, time.Now().UTC())
	participantStatus := ParticipantsNotApplicable
	if status == EventEnded {
		participantStatus = ParticipantsPending
	}
	registrants, err := p.RegistrantCount(ctx, providerEvent.ID)
	if err != nil {
		// Registrant totals are an aggregate nicety, not a reason to fail
		// the event upsert.
		p.logger.Printf("registrant count for event %s unavailable: %v", providerEvent.ID, err)
		registrants = 0
	}
	existing, getErr := p.store.GetEvent(ctx, connectionID, providerEvent.ID)
	event := Event{
		ConnectionID:          connectionID,
		ExternalID:            providerEvent.ID,
		UUID:                  providerEvent.UUID,
		Topic:                 providerEvent.Topic,
		Status:                status,
		StartTime:             providerEvent.StartTime,
		DurationMinutes:       providerEvent.Duration,
		TotalRegistrants:      registrants,
		ParticipantSyncStatus: participantStatus,
	}
	if getErr == nil {
		// Carry forward what reconciliation owns; the list feed knows nothing
		// about attendance.
		event.TotalAttendees = existing.TotalAttendees
		event.TotalMinutes = existing.TotalMinutes
		event.AvgAttendanceDuration = existing.AvgAttendanceDuration
		event.ParticipantSource = existing.ParticipantSource
		if existing.ParticipantSyncStatus != ParticipantsNotApplicable && existing.ParticipantSyncStatus != ParticipantsPending {
			event.ParticipantSyncStatus = existing.ParticipantSyncStatus
		}
	} else if !errors.Is(getErr, ErrNotFound) {
		return Event{}, getErr
	}
	upserted, err := p.store.UpsertEvent(ctx, event)
	if err != nil {
		return Event{}, err
	}
	p.counts.InvalidateDependency("event:" + upserted.ExternalID)
	return upserted, nil
}

// CountCache exposes the registrant-count cache for the admin surface.
func (p *Pipeline) CountCache() *Cache[int] {
	return p.counts
}

// RegistrantCount reads the registrant total from the first page's
// total_records field, cached per external event id for the run window.
func (p *Pipeline) RegistrantCount(ctx context.Context, externalID string) (int, error) {
	cacheKey := "registrants:" + externalID
	if count, ok := p.counts.Get(cacheKey); ok {
		return count, nil
	}
	page, err := p.provider.ListRegistrants(ctx, externalID, 1)
	if err != nil {
		var providerErr *ProviderError
		if errors.As(err, &providerErr) && providerErr.NotFound() {
			return 0, nil
		}
		return 0, err
	}
	count := page.TotalRecords
	if count == 0 {
		count = len(page.Registrants)
	}
	p.counts.Set(cacheKey, count, "event:"+externalID)
	return count, nil
}

// FetchParticipants tries each candidate endpoint in priority order until one
// yields non-empty participant data, preferring the source that won for this
// event on a previous run. Both pagination schemes are driven by NextPage.
func (p *Pipeline) FetchParticipants(ctx context.Context, event Event) ([]RawSession, ParticipantSource, error) {
	sources := orderedSources(event)
	var lastErr error
	for _, source := range sources {
		if (source == SourceReportUUID || source == SourceBasicUUID) && strings.TrimSpace(event.UUID) == "" {
			continue
		}
		sessions, err := p.fetchFromSource(ctx, source, event)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			lastErr = err
			p.logger.Printf("participant source %s failed for event %s: %v", source, event.ExternalID, err)
			continue
		}
		if len(sessions) > 0 {
			return sessions, source, nil
		}
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", nil
}

func orderedSources(event Event) []ParticipantSource {
	preferred := ParticipantSource(strings.TrimSpace(event.ParticipantSource))
	if preferred == "" {
		return ParticipantSourceOrder
	}
	sources := make([]ParticipantSource, 0, len(ParticipantSourceOrder))
	sources = append(sources, preferred)
	for _, source := range ParticipantSourceOrder {
		if source != preferred {
			sources = append(sources, source)
		}
	}
	return sources
}

func (p *Pipeline) fetchFromSource(ctx context.Context, source ParticipantSource, event Event) ([]RawSession, error) {
	sessions := make([]RawSession, 0)
	request := PageRequest{}
	for pageCount := 0; ; pageCount++ {
		if pageCount >= p.maxPages {
			p.logger.Printf("participant pages for event %s via %s exceeded ceiling %d; truncating", event.ExternalID, source, p.maxPages)
			return sessions, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := p.provider.ListParticipants(ctx, source, event.ExternalID, event.UUID, request)
		if err != nil {
			return nil, err
		}
		for _, participant := range page.Participants {
			sessions = append(sessions, RawSession{
				Email:           strings.TrimSpace(participant.Email),
				UserID:          strings.TrimSpace(participant.UserID),
				Name:            strings.TrimSpace(participant.Name),
				JoinTime:        participant.JoinTime,
				LeaveTime:       participant.LeaveTime,
				DurationMinutes: participant.Duration,
				Role:            strings.TrimSpace(participant.Role),
			})
		}
		next, more := page.NextPage(request)
		if !more {
			return sessions, nil
		}
		request = next
	}
}

func mapEventStatus(providerEvent ProviderEvent, now time.Time) EventStatus {
	switch strings.ToLower(strings.TrimSpace(providerEvent.Status)) {
	case "waiting", "scheduled", "upcoming":
		return EventScheduled
	case "started", "live":
		return EventLive
	case "ended", "finished", "aborted":
		return EventEnded
	}
	if providerEvent.StartTime.IsZero() {
		return EventScheduled
	}
	endedAt := providerEvent.StartTime.Add(time.Duration(providerEvent.Duration) * time.Minute)
	switch {
	case now.After(endedAt):
		return EventEnded
	case now.After(providerEvent.StartTime):
		return EventLive
	default:
		return EventScheduled
	}
}
