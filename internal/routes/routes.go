// Package routes exposes the board REST API. Every successful mutation
// appends to the board event log and publishes the matching push event, so
// watchers converge on the server state without the handlers knowing who is
// listening.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/presence"
	"github.com/example/pipeline-board/internal/storage"
	"github.com/example/pipeline-board/internal/types"
)

const publishTimeout = time.Minute

// Store is the persistence surface the REST layer depends on, satisfied by
// storage.BoardStore.
type Store interface {
	ListJobs(ctx context.Context, includeArchived bool) ([]types.Job, error)
	UpsertJobs(ctx context.Context, jobs []types.Job) error
	ReorderJobs(ctx context.Context, orderedIDs []string) (int, error)
	SetArchived(ctx context.Context, jobIDs []string, archived bool) error
	MarkDead(ctx context.Context, jobIDs []string) error

	ListSelections(ctx context.Context) ([]types.Selection, error)
	SelectJobs(ctx context.Context, jobIDs []string, source string) error
	DeselectJobs(ctx context.Context, jobIDs []string) error

	ListDeepDives(ctx context.Context) ([]types.DeepDive, error)
	GetDeepDive(ctx context.Context, jobID string) (types.DeepDive, error)
	PutDeepDive(ctx context.Context, dive types.DeepDive) error
	DeleteDeepDive(ctx context.Context, jobID string) error

	ListApplications(ctx context.Context) ([]types.Application, error)
	GetApplication(ctx context.Context, applicationID string) (types.Application, error)
	CreateApplication(ctx context.Context, applicationID, jobID string) (types.Application, error)
	SetApplicationStatus(ctx context.Context, applicationID, status string) error
	SetApplicationArchived(ctx context.Context, applicationID string, archived bool) error

	AppendEvent(ctx context.Context, boardID string, event types.PushEvent) (types.BoardEvent, error)
	EventsSince(ctx context.Context, boardID string, afterSeq int64, limit int) ([]types.BoardEvent, error)
	ActiveView(ctx context.Context, boardID string) (types.View, error)
	SetActiveView(ctx context.Context, boardID string, view types.View) error
}

// Broadcaster fans a push event out to every board watcher.
type Broadcaster interface {
	Publish(ctx context.Context, board string, event types.PushEvent, originClientID string) error
}

// Exporter writes application packets to object storage.
type Exporter interface {
	ExportApplication(ctx context.Context, applicationID string) (string, error)
}

// Presence reports which clients currently watch a board.
type Presence interface {
	Roster(ctx context.Context, boardID string) ([]presence.WatcherInfo, error)
}

// Handler serves the board REST API.
type Handler struct {
	store       Store
	broadcaster Broadcaster
	exporter    Exporter
	presence    Presence
	board       string
	logger      zerolog.Logger
	health      func(context.Context) error
	mux         *http.ServeMux
}

// Option tunes handler construction.
type Option func(*Handler)

// WithHealthProbe wires the readiness check behind GET /healthz.
func WithHealthProbe(probe func(context.Context) error) Option {
	return func(h *Handler) { h.health = probe }
}

// WithPresence exposes the watcher roster behind GET /api/presence.
func WithPresence(p Presence) Option {
	return func(h *Handler) { h.presence = p }
}

// NewHandler builds the API for one board.
func NewHandler(store Store, broadcaster Broadcaster, exporter Exporter, board string, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:       store,
		broadcaster: broadcaster,
		exporter:    exporter,
		board:       board,
		logger:      logger.With().Str("component", "routes").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("GET /api/jobs", h.handleListJobs)
	mux.HandleFunc("POST /api/jobs", h.handleIngestJobs)
	mux.HandleFunc("POST /api/jobs/reorder", h.handleReorder)
	mux.HandleFunc("POST /api/jobs/archive", h.handleArchive)
	mux.HandleFunc("POST /api/jobs/unarchive", h.handleUnarchive)
	mux.HandleFunc("POST /api/jobs/dead", h.handleMarkDead)

	mux.HandleFunc("GET /api/selections", h.handleListSelections)
	mux.HandleFunc("POST /api/selections/select", h.handleSelect)
	mux.HandleFunc("POST /api/selections/deselect", h.handleDeselect)

	mux.HandleFunc("GET /api/deep-dives", h.handleListDeepDives)
	mux.HandleFunc("GET /api/deep-dives/{job_id}", h.handleGetDeepDive)
	mux.HandleFunc("PUT /api/deep-dives/{job_id}", h.handlePutDeepDive)
	mux.HandleFunc("DELETE /api/deep-dives/{job_id}", h.handleDeleteDeepDive)

	mux.HandleFunc("GET /api/applications", h.handleListApplications)
	mux.HandleFunc("POST /api/applications", h.handleCreateApplication)
	mux.HandleFunc("GET /api/applications/{id}", h.handleGetApplication)
	mux.HandleFunc("POST /api/applications/{id}/status", h.handleApplicationStatus)
	mux.HandleFunc("POST /api/applications/{id}/archive", h.handleApplicationArchive)
	mux.HandleFunc("POST /api/applications/{id}/export", h.handleApplicationExport)

	mux.HandleFunc("GET /api/view", h.handleGetView)
	mux.HandleFunc("POST /api/view", h.handleSetView)
	mux.HandleFunc("GET /api/events", h.handleEvents)
	mux.HandleFunc("GET /api/presence", h.handleListWatchers)

	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(recorder, r)
	requestsTotal.WithLabelValues(r.Method, strconv.Itoa(recorder.status)).Inc()
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("health probe failed")
			writeErr(w, http.StatusServiceUnavailable, codeInternal, "dependencies unavailable")
			return
		}
	}
	writeOK(w, envelope{})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeArchived := q.Get("include_archived") == "true"

	jobs, err := h.store.ListJobs(r.Context(), includeArchived)
	if err != nil {
		h.fail(w, err, "list jobs")
		return
	}

	// Exact-match filters on the enumerable columns; anything else in the
	// query string is ignored.
	for _, key := range []string{"priority", "stage", "source", "level", "company"} {
		want := q.Get(key)
		if want == "" {
			continue
		}
		filtered := jobs[:0]
		for _, job := range jobs {
			if jobField(job, key) == want {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}

	writeOK(w, envelope{Jobs: jobs})
}

func (h *Handler) handleIngestJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Jobs []types.Job `json:"jobs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "invalid request body")
		return
	}
	if len(req.Jobs) == 0 {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "jobs required")
		return
	}
	for _, job := range req.Jobs {
		if job.JobID == "" {
			writeErr(w, http.StatusBadRequest, codeInvalidParam, "job_id required on every job")
			return
		}
	}

	if err := h.store.UpsertJobs(r.Context(), req.Jobs); err != nil {
		h.fail(w, err, "ingest jobs")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventJobsUpdated))
	writeOK(w, envelope{Count: len(req.Jobs)})
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeJobIDs(w, r)
	if !ok {
		return
	}

	count, err := h.store.ReorderJobs(r.Context(), ids)
	if err != nil {
		h.fail(w, err, "reorder jobs")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventJobsUpdated))
	writeOK(w, envelope{Count: count})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	h.setArchived(w, r, true)
}

func (h *Handler) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	h.setArchived(w, r, false)
}

func (h *Handler) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	ids, ok := decodeJobIDs(w, r)
	if !ok {
		return
	}

	if err := h.store.SetArchived(r.Context(), ids, archived); err != nil {
		switch {
		case errors.Is(err, storage.ErrJobDead):
			writeErr(w, http.StatusConflict, codeInvalidParam, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeErr(w, http.StatusNotFound, codeJobNotFound, err.Error())
		default:
			h.fail(w, err, "archive jobs")
		}
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventJobsUpdated))
	writeOK(w, envelope{Count: len(ids)})
}

func (h *Handler) handleMarkDead(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeJobIDs(w, r)
	if !ok {
		return
	}

	if err := h.store.MarkDead(r.Context(), ids); err != nil {
		h.fail(w, err, "mark jobs dead")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventJobsUpdated))
	writeOK(w, envelope{Count: len(ids)})
}

func (h *Handler) handleListSelections(w http.ResponseWriter, r *http.Request) {
	selections, err := h.store.ListSelections(r.Context())
	if err != nil {
		h.fail(w, err, "list selections")
		return
	}
	writeOK(w, envelope{Selections: selections})
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobIDs []string `json:"job_ids"`
		Source string   `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "invalid request body")
		return
	}
	if len(req.JobIDs) == 0 {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "job_ids required")
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	if err := h.store.SelectJobs(r.Context(), req.JobIDs, req.Source); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeJobNotFound, err.Error())
			return
		}
		h.fail(w, err, "select jobs")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventSelectionChanged))
	writeOK(w, envelope{Count: len(req.JobIDs)})
}

func (h *Handler) handleDeselect(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeJobIDs(w, r)
	if !ok {
		return
	}

	if err := h.store.DeselectJobs(r.Context(), ids); err != nil {
		h.fail(w, err, "deselect jobs")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventSelectionChanged))
	writeOK(w, envelope{Count: len(ids)})
}

func (h *Handler) handleListDeepDives(w http.ResponseWriter, r *http.Request) {
	dives, err := h.store.ListDeepDives(r.Context())
	if err != nil {
		h.fail(w, err, "list deep dives")
		return
	}
	writeOK(w, envelope{DeepDives: dives})
}

func (h *Handler) handleGetDeepDive(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	dive, err := h.store.GetDeepDive(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		h.fail(w, err, "get deep dive")
		return
	}
	writeOK(w, envelope{DeepDive: &dive})
}

func (h *Handler) handlePutDeepDive(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	var dive types.DeepDive
	if err := json.NewDecoder(r.Body).Decode(&dive); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "invalid request body")
		return
	}
	// The path wins over whatever the body claims.
	dive.JobID = jobID

	if err := h.store.PutDeepDive(r.Context(), dive); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeJobNotFound, err.Error())
			return
		}
		h.fail(w, err, "put deep dive")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventDeepDiveUpdated, types.DataJobID, jobID))
	writeOK(w, envelope{})
}

func (h *Handler) handleDeleteDeepDive(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := h.store.DeleteDeepDive(r.Context(), jobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		h.fail(w, err, "delete deep dive")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventDeepDivesChanged))
	writeOK(w, envelope{})
}

func (h *Handler) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.store.ListApplications(r.Context())
	if err != nil {
		h.fail(w, err, "list applications")
		return
	}
	writeOK(w, envelope{Applications: apps})
}

func (h *Handler) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID string `json:"application_id"`
		JobID         string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "invalid request body")
		return
	}
	if req.JobID == "" {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "job_id required")
		return
	}
	if req.ApplicationID == "" {
		req.ApplicationID = xid.New().String()
	}

	app, err := h.store.CreateApplication(r.Context(), req.ApplicationID, req.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeJobNotFound, err.Error())
			return
		}
		h.fail(w, err, "create application")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventApplicationsChanged))
	writeOK(w, envelope{Application: &app})
}

func (h *Handler) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, err := h.store.GetApplication(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		h.fail(w, err, "get application")
		return
	}
	writeOK(w, envelope{Application: &app})
}

func (h *Handler) handleApplicationStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "invalid request body")
		return
	}
	if req.Status == "" {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "status required")
		return
	}

	if err := h.store.SetApplicationStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		h.fail(w, err, "set application status")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventApplicationUpdated, types.DataApplicationID, id))
	writeOK(w, envelope{})
}

func (h *Handler) handleApplicationArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	archived := true
	var req struct {
		Archived *bool `json:"archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Archived != nil {
		archived = *req.Archived
	}

	if err := h.store.SetApplicationArchived(r.Context(), id, archived); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		h.fail(w, err, "archive application")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventApplicationsChanged))
	writeOK(w, envelope{})
}

func (h *Handler) handleApplicationExport(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeErr(w, http.StatusServiceUnavailable, codeInternal, "export not configured")
		return
	}

	id := r.PathValue("id")
	key, err := h.exporter.ExportApplication(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		h.fail(w, err, "export application")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventApplicationUpdated, types.DataApplicationID, id))
	writeOK(w, envelope{ExportKey: key})
}

func (h *Handler) handleGetView(w http.ResponseWriter, r *http.Request) {
	view, err := h.store.ActiveView(r.Context(), h.board)
	if err != nil {
		h.fail(w, err, "get active view")
		return
	}
	writeOK(w, envelope{View: string(view)})
}

func (h *Handler) handleSetView(w http.ResponseWriter, r *http.Request) {
	var req struct {
		View string `json:"view"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "invalid request body")
		return
	}
	view, ok := types.ViewForName(req.View)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "unknown view "+req.View)
		return
	}

	if err := h.store.SetActiveView(r.Context(), h.board, view); err != nil {
		h.fail(w, err, "set active view")
		return
	}
	h.emit(r.Context(), types.NewPushEvent(types.EventViewChanged, types.DataView, string(view)))
	writeOK(w, envelope{View: string(view)})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after int64
	if raw := q.Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, codeInvalidParam, "after must be an integer")
			return
		}
		after = parsed
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeErr(w, http.StatusBadRequest, codeInvalidParam, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.EventsSince(r.Context(), h.board, after, limit)
	if err != nil {
		h.fail(w, err, "list events")
		return
	}
	writeOK(w, envelope{Events: events})
}

func (h *Handler) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		writeErr(w, http.StatusServiceUnavailable, codeInternal, "presence not configured")
		return
	}

	watchers, err := h.presence.Roster(r.Context(), h.board)
	if err != nil {
		h.fail(w, err, "list watchers")
		return
	}
	writeOK(w, envelope{Watchers: watchers})
}

// emit appends the event to the board log and fans it out. The append is
// part of the request; the publish is fire-and-forget since the watcher
// converges through its own refresh either way.
func (h *Handler) emit(ctx context.Context, event types.PushEvent) {
	if _, err := h.store.AppendEvent(ctx, h.board, event); err != nil {
		h.logger.Error().Err(err).Str("event", event.Name).Msg("append board event failed")
	}
	eventsEmitted.WithLabelValues(event.Name).Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := h.broadcaster.Publish(ctx, h.board, event, ""); err != nil {
			h.logger.Warn().Err(err).Str("event", event.Name).Msg("push event publish failed")
		}
	}()
}

func (h *Handler) fail(w http.ResponseWriter, err error, op string) {
	h.logger.Error().Err(err).Msg(op + " failed")
	writeErr(w, http.StatusInternalServerError, codeInternal, op+" failed")
}

func decodeJobIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "invalid request body")
		return nil, false
	}
	if len(req.JobIDs) == 0 {
		writeErr(w, http.StatusBadRequest, codeInvalidParam, "job_ids required")
		return nil, false
	}
	return req.JobIDs, true
}

func jobField(job types.Job, key string) string {
	switch key {
	case "priority":
		return job.Priority
	case "stage":
		return string(job.Stage)
	case "source":
		return job.Source
	case "level":
		return job.Level
	case "company":
		return job.Company
	default:
		return ""
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
