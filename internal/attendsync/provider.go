package attendsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ParticipantSource names one endpoint/parameter combination for fetching
// participant data. The richer report endpoint comes first; occurrence-UUID
// variants cover recurring events whose occurrences share an external id.
type ParticipantSource string

const (
	SourceReport     ParticipantSource = "report"
	SourceBasic      ParticipantSource = "basic"
	SourceReportUUID ParticipantSource = "report-uuid"
	SourceBasicUUID  ParticipantSource = "basic-uuid"
)

// ParticipantSourceOrder is the default fallback order the pipeline walks
// until one source yields non-empty data.
var ParticipantSourceOrder = []ParticipantSource{SourceReport, SourceBasic, SourceReportUUID, SourceBasicUUID}

type ProviderEvent struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	Topic     string    `json:"topic"`
	Type      int       `json:"type"`
	StartTime time.Time `json:"start_time"`
	Duration  int       `json:"duration"`
	Status    string    `json:"status"`
}

type EventsPage struct {
	PageCount    int             `json:"page_count"`
	PageNumber   int             `json:"page_number"`
	TotalRecords int             `json:"total_records"`
	Events       []ProviderEvent `json:"events"`
}

type ProviderRegistrant struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Status    string `json:"status"`
}

type RegistrantsPage struct {
	PageCount    int                  `json:"page_count"`
	PageNumber   int                  `json:"page_number"`
	TotalRecords int                  `json:"total_records"`
	Registrants  []ProviderRegistrant `json:"registrants"`
}

type ProviderParticipant struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Email        string    `json:"user_email"`
	JoinTime     time.Time `json:"join_time"`
	LeaveTime    time.Time `json:"leave_time"`
	Duration     int       `json:"duration"`
	Role         string    `json:"role"`
	RegistrantID string    `json:"registrant_id"`
}

// ParticipantsPage carries both pagination schemes the provider uses: the
// report endpoint hands out cursor tokens, the basic endpoint page counts.
// The pipeline treats them uniformly via NextPage.
type ParticipantsPage struct {
	NextPageToken string                `json:"next_page_token"`
	PageCount     int                   `json:"page_count"`
	PageNumber    int                   `json:"page_number"`
	TotalRecords  int                   `json:"total_records"`
	Participants  []ProviderParticipant `json:"participants"`
}

type PageRequest struct {
	PageNumber    int
	NextPageToken string
}

// NextPage detects which pagination scheme the endpoint answered with and
// returns the follow-up request, or false when no further pages are signaled.
func (p ParticipantsPage) NextPage(current PageRequest) (PageRequest, bool) {
	if token := strings.TrimSpace(p.NextPageToken); token != "" {
		return PageRequest{NextPageToken: token}, true
	}
	if p.PageCount > 0 && p.PageNumber > 0 && p.PageNumber < p.PageCount {
		return PageRequest{PageNumber: p.PageNumber + 1}, true
	}
	return PageRequest{}, false
}

type ProviderAPI interface {
	ListEvents(ctx context.Context, from, to time.Time, pageNumber int) (EventsPage, error)
	GetEvent(ctx context.Context, externalID string) (ProviderEvent, error)
	ListRegistrants(ctx context.Context, externalID string, pageNumber int) (RegistrantsPage, error)
	ListParticipants(ctx context.Context, source ParticipantSource, externalID, occurrenceUUID string, page PageRequest) (ParticipantsPage, error)
	// RemainingBudget reports the provider's remaining rate-limit allowance,
	// or -1 when no response has carried the header yet.
	RemainingBudget() int
}

type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

type ProviderTokenProvider func(ctx context.Context) (string, error)

type ProviderClientOptions struct {
	BaseURL       string
	TokenProvider ProviderTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	PageSize      int
}

type ProviderHTTPClient struct {
	baseURL       string
	tokenProvider ProviderTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	pageSize      int

	remainingBudget atomic.Int64
}

func NewProviderHTTPClient(opts ProviderClientOptions) *ProviderHTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.example-conferencing.com/v2"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 300
	}
	c := &ProviderHTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		pageSize:      pageSize,
	}
	c.remainingBudget.Store(-1)
	return c
}

func (c *ProviderHTTPClient) ListEvents(ctx context.Context, from, to time.Time, pageNumber int) (EventsPage, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format("2006-01-02"))
	q.Set("to", to.UTC().Format("2006-01-02"))
	q.Set("page_size", strconv.Itoa(c.pageSize))
	if pageNumber > 0 {
		q.Set("page_number", strconv.Itoa(pageNumber))
	}
	var out EventsPage
	err := c.getJSON(ctx, "/events?"+q.Encode(), &out)
	return out, err
}

func (c *ProviderHTTPClient) GetEvent(ctx context.Context, externalID string) (ProviderEvent, error) {
	var out ProviderEvent
	err := c.getJSON(ctx, "/events/"+url.PathEscape(externalID), &out)
	return out, err
}

func (c *ProviderHTTPClient) ListRegistrants(ctx context.Context, externalID string, pageNumber int) (RegistrantsPage, error) {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(c.pageSize))
	if pageNumber > 0 {
		q.Set("page_number", strconv.Itoa(pageNumber))
	}
	var out RegistrantsPage
	err := c.getJSON(ctx, "/events/"+url.PathEscape(externalID)+"/registrants?"+q.Encode(), &out)
	return out, err
}

func (c *ProviderHTTPClient) ListParticipants(ctx context.Context, source ParticipantSource, externalID, occurrenceUUID string, page PageRequest) (ParticipantsPage, error) {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(c.pageSize))
	if page.NextPageToken != "" {
		q.Set("next_page_token", page.NextPageToken)
	} else if page.PageNumber > 0 {
		q.Set("page_number", strconv.Itoa(page.PageNumber))
	}
	var requestPath string
	switch source {
	case SourceReport:
		requestPath = "/report/events/" + url.PathEscape(externalID) + "/participants"
	case SourceBasic:
		requestPath = "/events/" + url.PathEscape(externalID) + "/participants"
	case SourceReportUUID:
		requestPath = "/report/events/" + doubleEscapeUUID(occurrenceUUID) + "/participants"
	case SourceBasicUUID:
		requestPath = "/events/" + doubleEscapeUUID(occurrenceUUID) + "/participants"
	default:
		return ParticipantsPage{}, fmt.Errorf("unsupported participant source: %s", source)
	}
	var out ParticipantsPage
	err := c.getJSON(ctx, requestPath+"?"+q.Encode(), &out)
	return out, err
}

func (c *ProviderHTTPClient) RemainingBudget() int {
	return int(c.remainingBudget.Load())
}

func (c *ProviderHTTPClient) getJSON(ctx context.Context, requestPath string, out any) error {
	token := ""
	if c.tokenProvider != nil {
		var err error
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		c.noteBudget(resp.Header.Get("X-RateLimit-Remaining"))
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		var errPayload struct {
			Code    any    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := strings.TrimSpace(errPayload.Message)
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("%v", errPayload.Code),
			Message:    message,
		}
	}
}

func (c *ProviderHTTPClient) noteBudget(header string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return
	}
	remaining, err := strconv.Atoi(header)
	if err != nil || remaining < 0 {
		return
	}
	c.remainingBudget.Store(int64(remaining))
}

func (c *ProviderHTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// doubleEscapeUUID percent-encodes an occurrence UUID twice. Provider UUIDs
// can start with "/" or contain "//", which a single encoding pass leaves
// ambiguous inside a path segment.
func doubleEscapeUUID(occurrenceUUID string) string {
	return url.PathEscape(url.PathEscape(occurrenceUUID))
}
