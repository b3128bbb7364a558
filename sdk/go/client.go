package spiralsafesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Spiralsafe HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set, for daemons
	// running with anonymous access.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID           string   `json:"id"`
	Pipeline     string   `json:"pipeline"`
	Status       string   `json:"status"`
	CurrentPhase *string  `json:"current_phase"`
	Phases       []string `json:"phases"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
}

// Transition is one journal entry of a run.
type Transition struct {
	Seq     int     `json:"seq"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Outcome string  `json:"outcome"`
	Reason  *string `json:"reason,omitempty"`
	TS      string  `json:"ts"`
}

// AdvanceResult reports one advance attempt. Success false means the phase
// check rejected the payload; the run stays where it was.
type AdvanceResult struct {
	Success    bool       `json:"success"`
	Run        Run        `json:"run"`
	Transition Transition `json:"transition"`
}

// ValidationResult reports a dry-run check of the current phase.
type ValidationResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
	Phase  string `json:"phase"`
}

// Phase describes one gate of a pipeline.
type Phase struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Ordinal int    `json:"ordinal"`
	Check   string `json:"check"`
}

// Pipeline describes a configured phase sequence.
type Pipeline struct {
	Name   string  `json:"name"`
	Phases []Phase `json:"phases"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Pipeline   string         `json:"pipeline,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRuns wraps run listings with a cursor.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Health reports whether the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.apiPath("health"), nil, nil)
}

// StartRun starts a run; an empty pipeline name picks the daemon's default.
func (c *Client) StartRun(ctx context.Context, pipeline string) (Run, error) {
	body := map[string]any{}
	if pipeline != "" {
		body["pipeline"] = pipeline
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.apiPath("runs"), body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.apiPath("runs/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRunsOptions filter a run listing.
type ListRunsOptions struct {
	Pipeline string
	Status   string
	Limit    int
	Cursor   string
}

// ListRuns returns a page of runs, newest first.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (PaginatedRuns, error) {
	q := url.Values{}
	if opts.Pipeline != "" {
		q.Set("pipeline", opts.Pipeline)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := c.apiPath("runs")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdvanceRun attempts to move a run past its current phase. A rejected
// check comes back as Success false, not as an error.
func (c *Client) AdvanceRun(ctx context.Context, id string, payload map[string]any) (AdvanceResult, error) {
	body := map[string]any{"context": payload}
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.apiPath("runs/"+url.PathEscape(id)+"/advance"), body, &resp)
	return resp, err
}

// ValidateRun checks the current phase without recording anything.
func (c *Client) ValidateRun(ctx context.Context, id string, payload map[string]any) (ValidationResult, error) {
	body := map[string]any{"context": payload}
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, c.apiPath("runs/"+url.PathEscape(id)+"/validate"), body, &resp)
	return resp, err
}

// RunHistory returns a run's transitions in journal order.
func (c *Client) RunHistory(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, c.apiPath("runs/"+url.PathEscape(id)+"/history"), nil, &resp)
	return resp, err
}

// AbandonRun retires an active run without completing it.
func (c *Client) AbandonRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.apiPath("runs/"+url.PathEscape(id)+"/abandon"), nil, &resp)
	return resp, err
}

// Pipelines lists the daemon's configured pipelines.
func (c *Client) Pipelines(ctx context.Context) ([]Pipeline, error) {
	var resp []Pipeline
	err := c.do(ctx, http.MethodGet, c.apiPath("pipelines"), nil, &resp)
	return resp, err
}

// GetPipeline fetches one pipeline by name.
func (c *Client) GetPipeline(ctx context.Context, name string) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, c.apiPath("pipelines/"+url.PathEscape(name)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v1/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
