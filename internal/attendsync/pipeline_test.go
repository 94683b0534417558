package attendsync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// fakeProvider serves canned pages and records which participant sources were
// asked, in order.
type fakeProvider struct {
	eventPages       []EventsPage
	events           map[string]ProviderEvent
	registrants      map[string]RegistrantsPage
	registrantErr    error
	registrantCalls  int
	participants     map[ParticipantSource][]ParticipantsPage
	participantErrs  map[ParticipantSource]error
	sourcesAsked     []ParticipantSource
	participantPages int
}

func (f *fakeProvider) ListEvents(_ context.Context, _, _ time.Time, pageNumber int) (EventsPage, error) {
	if pageNumber < 1 || pageNumber > len(f.eventPages) {
		return EventsPage{}, errors.New("page out of range")
	}
	return f.eventPages[pageNumber-1], nil
}

func (f *fakeProvider) GetEvent(_ context.Context, externalID string) (ProviderEvent, error) {
	event, ok := f.events[externalID]
	if !ok {
		return ProviderEvent{}, &ProviderError{StatusCode: http.StatusNotFound, Message: "no such event"}
	}
	return event, nil
}

func (f *fakeProvider) ListRegistrants(_ context.Context, externalID string, _ int) (RegistrantsPage, error) {
	f.registrantCalls++
	if f.registrantErr != nil {
		return RegistrantsPage{}, f.registrantErr
	}
	return f.registrants[externalID], nil
}

func (f *fakeProvider) ListParticipants(_ context.Context, source ParticipantSource, _, _ string, page PageRequest) (ParticipantsPage, error) {
	f.sourcesAsked = append(f.sourcesAsked, source)
	if err, ok := f.participantErrs[source]; ok {
		return ParticipantsPage{}, err
	}
	pages := f.participants[source]
	index := 0
	if page.PageNumber > 0 {
		index = page.PageNumber - 1
	} else if page.NextPageToken != "" {
		for i, candidate := range pages {
			if candidate.NextPageToken == page.NextPageToken {
				index = i + 1
				break
			}
		}
	}
	if index >= len(pages) {
		return ParticipantsPage{}, nil
	}
	f.participantPages++
	return pages[index], nil
}

func (f *fakeProvider) RemainingBudget() int { return -1 }

func newTestPipeline(t *testing.T, provider ProviderAPI, store Store) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(PipelineOptions{Provider: provider, Store: store, MaxPages: 10})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return pipeline
}

func endedEvent(id string) ProviderEvent {
	return ProviderEvent{
		ID:        id,
		UUID:      "uuid-" + id,
		Topic:     "Topic " + id,
		StartTime: time.Now().Add(-2 * time.Hour),
		Duration:  60,
		Status:    "ended",
	}
}

func TestSyncEventsWalksAllPages(t *testing.T) {
	provider := &fakeProvider{
		eventPages: []EventsPage{
			{PageCount: 2, PageNumber: 1, Events: []ProviderEvent{endedEvent("w1"), endedEvent("w2")}},
			{PageCount: 2, PageNumber: 2, Events: []ProviderEvent{endedEvent("w3")}},
		},
	}
	store := NewMemoryStore()
	pipeline := newTestPipeline(t, provider, store)

	var pageCounts []int
	window := DeltaWindow{From: time.Now().Add(-24 * time.Hour), To: time.Now()}
	events, err := pipeline.SyncEvents(context.Background(), "conn-1", window, func(fetched int) {
		pageCounts = append(pageCounts, fetched)
	})
	if err != nil {
		t.Fatalf("sync events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if len(pageCounts) != 2 || pageCounts[0] != 2 || pageCounts[1] != 3 {
		t.Fatalf("unexpected page callbacks %v", pageCounts)
	}

	stored, err := store.ListEvents(context.Background(), "conn-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored events, got %d", len(stored))
	}
	for _, event := range stored {
		if event.Status != EventEnded || event.ParticipantSyncStatus != ParticipantsPending {
			t.Fatalf("unexpected stored event %+v", event)
		}
	}
}

func TestSyncEventsStopsAtPageCeiling(t *testing.T) {
	pages := make([]EventsPage, 20)
	for i := range pages {
		pages[i] = EventsPage{PageCount: 20, PageNumber: i + 1, Events: []ProviderEvent{endedEvent("w" + string(rune('a'+i)))}}
	}
	provider := &fakeProvider{eventPages: pages}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())

	window := DeltaWindow{From: time.Now().Add(-24 * time.Hour), To: time.Now()}
	events, err := pipeline.SyncEvents(context.Background(), "conn-1", window, nil)
	if err != nil {
		t.Fatalf("sync events: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("expected truncation at 10 pages, got %d events", len(events))
	}
}

func TestUpsertCarriesForwardReconciledAggregates(t *testing.T) {
	provider := &fakeProvider{events: map[string]ProviderEvent{"w1": endedEvent("w1")}}
	store := NewMemoryStore()
	pipeline := newTestPipeline(t, provider, store)
	ctx := context.Background()

	if _, err := store.UpsertEvent(ctx, Event{
		ConnectionID:          "conn-1",
		ExternalID:            "w1",
		Topic:                 "stale topic",
		Status:                EventEnded,
		TotalAttendees:        42,
		TotalMinutes:          900,
		AvgAttendanceDuration: 21.4,
		ParticipantSource:     string(SourceBasic),
		ParticipantSyncStatus: ParticipantsSynced,
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	refreshed, err := pipeline.SyncSingleEvent(ctx, "conn-1", "w1")
	if err != nil {
		t.Fatalf("sync single event: %v", err)
	}
	if refreshed.Topic != "Topic w1" {
		t.Fatalf("expected provider topic to win, got %q", refreshed.Topic)
	}
	if refreshed.TotalAttendees != 42 || refreshed.TotalMinutes != 900 {
		t.Fatalf("expected attendance aggregates carried forward, got %+v", refreshed)
	}
	if refreshed.ParticipantSource != string(SourceBasic) {
		t.Fatalf("expected winning source remembered, got %q", refreshed.ParticipantSource)
	}
	if refreshed.ParticipantSyncStatus != ParticipantsSynced {
		t.Fatalf("expected synced status kept, got %q", refreshed.ParticipantSyncStatus)
	}
}

func TestRegistrantCountCachesFirstPageTotal(t *testing.T) {
	provider := &fakeProvider{registrants: map[string]RegistrantsPage{
		"w1": {PageCount: 5, PageNumber: 1, TotalRecords: 230},
	}}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		count, err := pipeline.RegistrantCount(ctx, "w1")
		if err != nil {
			t.Fatalf("registrant count: %v", err)
		}
		if count != 230 {
			t.Fatalf("expected 230 registrants, got %d", count)
		}
	}
	if provider.registrantCalls != 1 {
		t.Fatalf("expected a single provider call, got %d", provider.registrantCalls)
	}
}

func TestRegistrantCountTreatsNotFoundAsZero(t *testing.T) {
	provider := &fakeProvider{registrantErr: &ProviderError{StatusCode: http.StatusNotFound, Message: "registration not enabled"}}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())

	count, err := pipeline.RegistrantCount(context.Background(), "w1")
	if err != nil {
		t.Fatalf("registrant count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 registrants, got %d", count)
	}
}

func TestFetchParticipantsFallsThroughSources(t *testing.T) {
	provider := &fakeProvider{
		participantErrs: map[ParticipantSource]error{
			SourceReport: &ProviderError{StatusCode: http.StatusBadRequest, Message: "report unavailable"},
		},
		participants: map[ParticipantSource][]ParticipantsPage{
			SourceBasic: {{
				PageCount: 1, PageNumber: 1,
				Participants: []ProviderParticipant{{Email: "a@example.com", Duration: 30}},
			}},
		},
	}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())

	sessions, source, err := pipeline.FetchParticipants(context.Background(), Event{ExternalID: "w1", UUID: "uuid-w1"})
	if err != nil {
		t.Fatalf("fetch participants: %v", err)
	}
	if source != SourceBasic {
		t.Fatalf("expected basic source to win, got %q", source)
	}
	if len(sessions) != 1 || sessions[0].Email != "a@example.com" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if provider.sourcesAsked[0] != SourceReport {
		t.Fatalf("expected report tried first, got %v", provider.sourcesAsked)
	}
}

func TestFetchParticipantsPrefersRememberedSource(t *testing.T) {
	provider := &fakeProvider{
		participants: map[ParticipantSource][]ParticipantsPage{
			SourceBasicUUID: {{
				PageCount: 1, PageNumber: 1,
				Participants: []ProviderParticipant{{Email: "a@example.com", Duration: 30}},
			}},
		},
	}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())

	event := Event{ExternalID: "w1", UUID: "uuid-w1", ParticipantSource: string(SourceBasicUUID)}
	_, source, err := pipeline.FetchParticipants(context.Background(), event)
	if err != nil {
		t.Fatalf("fetch participants: %v", err)
	}
	if source != SourceBasicUUID {
		t.Fatalf("expected remembered source, got %q", source)
	}
	if len(provider.sourcesAsked) != 1 || provider.sourcesAsked[0] != SourceBasicUUID {
		t.Fatalf("expected remembered source asked first and only, got %v", provider.sourcesAsked)
	}
}

func TestFetchParticipantsSkipsUUIDSourcesWithoutUUID(t *testing.T) {
	provider := &fakeProvider{}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())

	_, source, err := pipeline.FetchParticipants(context.Background(), Event{ExternalID: "w1"})
	if err != nil {
		t.Fatalf("fetch participants: %v", err)
	}
	if source != "" {
		t.Fatalf("expected no winning source, got %q", source)
	}
	for _, asked := range provider.sourcesAsked {
		if asked == SourceReportUUID || asked == SourceBasicUUID {
			t.Fatalf("uuid source %s asked for an event without a uuid", asked)
		}
	}
}

func TestFetchParticipantsFollowsCursorTokens(t *testing.T) {
	provider := &fakeProvider{
		participants: map[ParticipantSource][]ParticipantsPage{
			SourceReport: {
				{NextPageToken: "cursor-1", Participants: []ProviderParticipant{{Email: "a@example.com"}}},
				{Participants: []ProviderParticipant{{Email: "b@example.com"}}},
			},
		},
	}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())

	sessions, source, err := pipeline.FetchParticipants(context.Background(), Event{ExternalID: "w1", UUID: "uuid-w1"})
	if err != nil {
		t.Fatalf("fetch participants: %v", err)
	}
	if source != SourceReport {
		t.Fatalf("expected report source, got %q", source)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected both cursor pages collected, got %d sessions", len(sessions))
	}
}

func TestFetchParticipantsReportsLastErrorWhenAllFail(t *testing.T) {
	wantErr := &ProviderError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	provider := &fakeProvider{
		participantErrs: map[ParticipantSource]error{
			SourceReport:     wantErr,
			SourceBasic:      wantErr,
			SourceReportUUID: wantErr,
			SourceBasicUUID:  wantErr,
		},
	}
	pipeline := newTestPipeline(t, provider, NewMemoryStore())

	_, _, err := pipeline.FetchParticipants(context.Background(), Event{ExternalID: "w1", UUID: "uuid-w1"})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestMapEventStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		event ProviderEvent
		want  EventStatus
	}{
		{"explicit ended", ProviderEvent{Status: "ended"}, EventEnded},
		{"explicit aborted", ProviderEvent{Status: "aborted"}, EventEnded},
		{"explicit live", ProviderEvent{Status: "started"}, EventLive},
		{"explicit waiting", ProviderEvent{Status: "waiting"}, EventScheduled},
		{"inferred ended", ProviderEvent{StartTime: now.Add(-3 * time.Hour), Duration: 60}, EventEnded},
		{"inferred live", ProviderEvent{StartTime: now.Add(-10 * time.Minute), Duration: 60}, EventLive},
		{"inferred scheduled", ProviderEvent{StartTime: now.Add(time.Hour), Duration: 60}, EventScheduled},
		{"no start time", ProviderEvent{}, EventScheduled},
	}
	for _, tc := range cases {
		if got := mapEventStatus(tc.event, now); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
