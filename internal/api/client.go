// Package api is the HTTP client for the board server's REST surface. It
// speaks the server's response envelope and converts collection payloads
// into the id-keyed snapshots the client core reconciles.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/collection"
	"github.com/example/pipeline-board/internal/types"
)

// APIError is a decoded server error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

const defaultTimeout = 10 * time.Second

// Client talks to one board server.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpc.Timeout = d
		}
	}
}

// NewClient builds a client for the server at baseURL.
func NewClient(baseURL string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
		logger:  logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the server's uniform response shape; unused fields stay zero.
type envelope struct {
	Status       string              `json:"status"`
	ErrorMessage string              `json:"error,omitempty"`
	Code         string              `json:"code,omitempty"`
	Jobs         []types.Job         `json:"jobs,omitempty"`
	Selections   []types.Selection   `json:"selections,omitempty"`
	DeepDives    []types.DeepDive    `json:"deep_dives,omitempty"`
	Applications []types.Application `json:"applications,omitempty"`
	Events       []types.BoardEvent  `json:"events,omitempty"`
	DeepDive     *types.DeepDive     `json:"deep_dive,omitempty"`
	Application  *types.Application  `json:"application,omitempty"`
	View         string              `json:"view,omitempty"`
	Count        int                 `json:"count,omitempty"`
	ExportKey    string              `json:"export_key,omitempty"`
}

// FetchCollection implements collection.Fetcher: it maps the collection to
// its route, applies the filter parameters as query values, and converts the
// records into an ordered snapshot.
func (c *Client) FetchCollection(ctx context.Context, name types.Collection, filters collection.Filters) (types.Snapshot, error) {
	var path string
	switch name {
	case types.CollectionJobs:
		path = "/api/jobs"
	case types.CollectionSelections:
		path = "/api/selections"
	case types.CollectionDeepDives:
		path = "/api/deep-dives"
	case types.CollectionApplications:
		path = "/api/applications"
	default:
		return nil, fmt.Errorf("unknown collection %q", name)
	}

	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}

	var env envelope
	if err := c.do(ctx, http.MethodGet, path, query, nil, &env); err != nil {
		return nil, err
	}

	switch name {
	case types.CollectionJobs:
		snap := make(types.Snapshot, 0, len(env.Jobs))
		for _, j := range env.Jobs {
			snap = append(snap, j.Item())
		}
		return snap, nil
	case types.CollectionSelections:
		snap := make(types.Snapshot, 0, len(env.Selections))
		for _, s := range env.Selections {
			snap = append(snap, s.Item())
		}
		return snap, nil
	case types.CollectionDeepDives:
		snap := make(types.Snapshot, 0, len(env.DeepDives))
		for _, d := range env.DeepDives {
			snap = append(snap, d.Item())
		}
		return snap, nil
	default:
		snap := make(types.Snapshot, 0, len(env.Applications))
		for _, a := range env.Applications {
			snap = append(snap, a.Item())
		}
		return snap, nil
	}
}

// SubmitReorder implements interaction.Commander.
func (c *Client) SubmitReorder(ctx context.Context, orderedIDs []string) error {
	body := map[string][]string{"job_ids": orderedIDs}
	return c.do(ctx, http.MethodPost, "/api/jobs/reorder", nil, body, nil)
}

// Archive archives the given jobs.
func (c *Client) Archive(ctx context.Context, jobIDs ...string) error {
	body := map[string][]string{"job_ids": jobIDs}
	return c.do(ctx, http.MethodPost, "/api/jobs/archive", nil, body, nil)
}

// Unarchive restores the given jobs from the archive.
func (c *Client) Unarchive(ctx context.Context, jobIDs ...string) error {
	body := map[string][]string{"job_ids": jobIDs}
	return c.do(ctx, http.MethodPost, "/api/jobs/unarchive", nil, body, nil)
}

// MarkDead reports jobs whose upstream posting has disappeared.
func (c *Client) MarkDead(ctx context.Context, jobIDs ...string) error {
	body := map[string][]string{"job_ids": jobIDs}
	return c.do(ctx, http.MethodPost, "/api/jobs/dead", nil, body, nil)
}

// IngestJobs pushes scraped postings into the board.
func (c *Client) IngestJobs(ctx context.Context, jobs []types.Job) error {
	body := map[string][]types.Job{"jobs": jobs}
	return c.do(ctx, http.MethodPost, "/api/jobs", nil, body, nil)
}

// Select marks jobs as selected, attributing the selection to source.
func (c *Client) Select(ctx context.Context, source string, jobIDs ...string) error {
	body := map[string]any{"job_ids": jobIDs, "source": source}
	return c.do(ctx, http.MethodPost, "/api/selections/select", nil, body, nil)
}

// Deselect removes jobs from the selection set.
func (c *Client) Deselect(ctx context.Context, jobIDs ...string) error {
	body := map[string][]string{"job_ids": jobIDs}
	return c.do(ctx, http.MethodPost, "/api/selections/deselect", nil, body, nil)
}

// DeepDive fetches a single research record.
func (c *Client) DeepDive(ctx context.Context, jobID string) (types.DeepDive, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/api/deep-dives/"+url.PathEscape(jobID), nil, nil, &env); err != nil {
		return types.DeepDive{}, err
	}
	if env.DeepDive == nil {
		return types.DeepDive{}, &APIError{Code: "NOT_FOUND", Message: "deep dive missing from response"}
	}
	return *env.DeepDive, nil
}

// PutDeepDive creates or replaces the research record for a job.
func (c *Client) PutDeepDive(ctx context.Context, dive types.DeepDive) error {
	return c.do(ctx, http.MethodPut, "/api/deep-dives/"+url.PathEscape(dive.JobID), nil, dive, nil)
}

// DeleteDeepDive removes the research record for a job.
func (c *Client) DeleteDeepDive(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/deep-dives/"+url.PathEscape(jobID), nil, nil, nil)
}

// CreateApplication opens a pipeline record for a job. The server generates
// the application id when none is given.
func (c *Client) CreateApplication(ctx context.Context, jobID string) (types.Application, error) {
	body := map[string]string{"job_id": jobID}
	var env envelope
	if err := c.do(ctx, http.MethodPost, "/api/applications", nil, body, &env); err != nil {
		return types.Application{}, err
	}
	if env.Application == nil {
		return types.Application{}, &APIError{Code: "INTERNAL", Message: "application missing from response"}
	}
	return *env.Application, nil
}

// Application fetches one application record.
func (c *Client) Application(ctx context.Context, applicationID string) (types.Application, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/api/applications/"+url.PathEscape(applicationID), nil, nil, &env); err != nil {
		return types.Application{}, err
	}
	if env.Application == nil {
		return types.Application{}, &APIError{Code: "NOT_FOUND", Message: "application missing from response"}
	}
	return *env.Application, nil
}

// SetApplicationStatus advances an application through the pipeline.
func (c *Client) SetApplicationStatus(ctx context.Context, applicationID, status string) error {
	body := map[string]string{"status": status}
	return c.do(ctx, http.MethodPost, "/api/applications/"+url.PathEscape(applicationID)+"/status", nil, body, nil)
}

// ArchiveApplication moves an application in or out of the archive.
func (c *Client) ArchiveApplication(ctx context.Context, applicationID string, archived bool) error {
	body := map[string]bool{"archived": archived}
	return c.do(ctx, http.MethodPost, "/api/applications/"+url.PathEscape(applicationID)+"/archive", nil, body, nil)
}

// ExportApplication asks the server to export one application packet and
// returns the object key it was stored under.
func (c *Client) ExportApplication(ctx context.Context, applicationID string) (string, error) {
	var env envelope
	err := c.do(ctx, http.MethodPost, "/api/applications/"+url.PathEscape(applicationID)+"/export", nil, nil, &env)
	if err != nil {
		return "", err
	}
	return env.ExportKey, nil
}

// ActiveView reads the server-side active view.
func (c *Client) ActiveView(ctx context.Context) (types.View, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/api/view", nil, nil, &env); err != nil {
		return "", err
	}
	view, ok := types.ViewForName(env.View)
	if !ok {
		return "", fmt.Errorf("server reported unknown view %q", env.View)
	}
	return view, nil
}

// SetView records the active view on the server, which fans a view_changed
// event out to every listener.
func (c *Client) SetView(ctx context.Context, view types.View) error {
	body := map[string]string{"view": string(view)}
	return c.do(ctx, http.MethodPost, "/api/view", nil, body, nil)
}

// Events reads the board event log after the given sequence number, for
// catch-up after a push outage.
func (c *Client) Events(ctx context.Context, afterSeq int64) ([]types.BoardEvent, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(afterSeq, 10))
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/api/events", query, nil, &env); err != nil {
		return nil, err
	}
	return env.Events, nil
}

// Health probes the server's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out *envelope) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if env.Status != "ok" {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.ErrorMessage}
	}
	if out != nil {
		*out = env
	}
	return nil
}
