package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/presence"
	"github.com/example/pipeline-board/internal/storage"
	"github.com/example/pipeline-board/internal/types"
)

type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]types.Job
	jobOrder   []string
	selections map[string]types.Selection
	dives      map[string]types.DeepDive
	apps       map[string]types.Application
	events     []types.BoardEvent
	view       types.View
	reorders   [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       make(map[string]types.Job),
		selections: make(map[string]types.Selection),
		dives:      make(map[string]types.DeepDive),
		apps:       make(map[string]types.Application),
		view:       types.ViewSelect,
	}
}

func (f *fakeStore) addJob(job types.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.JobID]; !ok {
		f.jobOrder = append(f.jobOrder, job.JobID)
	}
	f.jobs[job.JobID] = job
}

func (f *fakeStore) ListJobs(_ context.Context, includeArchived bool) ([]types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []types.Job
	for _, id := range f.jobOrder {
		job := f.jobs[id]
		if job.Archived && !includeArchived {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (f *fakeStore) UpsertJobs(_ context.Context, jobs []types.Job) error {
	for _, job := range jobs {
		f.addJob(job)
	}
	return nil
}

func (f *fakeStore) ReorderJobs(_ context.Context, orderedIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reorders = append(f.reorders, orderedIDs)
	count := 0
	for _, id := range orderedIDs {
		if _, ok := f.jobs[id]; ok {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) SetArchived(_ context.Context, jobIDs []string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range jobIDs {
		job, ok := f.jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
		}
		if job.Dead && !archived {
			return fmt.Errorf("job %s: %w", id, storage.ErrJobDead)
		}
		job.Archived = archived
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeStore) MarkDead(_ context.Context, jobIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range jobIDs {
		job := f.jobs[id]
		job.Dead = true
		job.Archived = true
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeStore) ListSelections(_ context.Context) ([]types.Selection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Selection
	for _, sel := range f.selections {
		out = append(out, sel)
	}
	return out, nil
}

func (f *fakeStore) SelectJobs(_ context.Context, jobIDs []string, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range jobIDs {
		if _, ok := f.jobs[id]; !ok {
			return fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
		}
		f.selections[id] = types.Selection{JobID: id, Source: source}
	}
	return nil
}

func (f *fakeStore) DeselectJobs(_ context.Context, jobIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range jobIDs {
		delete(f.selections, id)
	}
	return nil
}

func (f *fakeStore) ListDeepDives(_ context.Context) ([]types.DeepDive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.DeepDive
	for _, dive := range f.dives {
		out = append(out, dive)
	}
	return out, nil
}

func (f *fakeStore) GetDeepDive(_ context.Context, jobID string) (types.DeepDive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dive, ok := f.dives[jobID]
	if !ok {
		return types.DeepDive{}, fmt.Errorf("deep dive %s: %w", jobID, storage.ErrNotFound)
	}
	return dive, nil
}

func (f *fakeStore) PutDeepDive(_ context.Context, dive types.DeepDive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[dive.JobID]; !ok {
		return fmt.Errorf("job %s: %w", dive.JobID, storage.ErrNotFound)
	}
	f.dives[dive.JobID] = dive
	return nil
}

func (f *fakeStore) DeleteDeepDive(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dives[jobID]; !ok {
		return fmt.Errorf("deep dive %s: %w", jobID, storage.ErrNotFound)
	}
	delete(f.dives, jobID)
	return nil
}

func (f *fakeStore) ListApplications(_ context.Context) ([]types.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Application
	for _, app := range f.apps {
		if !app.Archived {
			out = append(out, app)
		}
	}
	return out, nil
}

func (f *fakeStore) GetApplication(_ context.Context, applicationID string) (types.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[applicationID]
	if !ok {
		return types.Application{}, fmt.Errorf("application %s: %w", applicationID, storage.ErrNotFound)
	}
	return app, nil
}

func (f *fakeStore) CreateApplication(_ context.Context, applicationID, jobID string) (types.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return types.Application{}, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	app := types.Application{
		ApplicationID: applicationID,
		JobID:         jobID,
		Company:       job.Company,
		Title:         job.Title,
		Status:        "draft",
	}
	f.apps[applicationID] = app
	return app, nil
}

func (f *fakeStore) SetApplicationStatus(_ context.Context, applicationID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[applicationID]
	if !ok {
		return fmt.Errorf("application %s: %w", applicationID, storage.ErrNotFound)
	}
	app.Status = status
	f.apps[applicationID] = app
	return nil
}

func (f *fakeStore) SetApplicationArchived(_ context.Context, applicationID string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[applicationID]
	if !ok {
		return fmt.Errorf("application %s: %w", applicationID, storage.ErrNotFound)
	}
	app.Archived = archived
	f.apps[applicationID] = app
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, boardID string, event types.PushEvent) (types.BoardEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := types.BoardEvent{
		Seq:       int64(len(f.events) + 1),
		Board:     boardID,
		Event:     event,
		CreatedAt: time.Now().UTC(),
	}
	f.events = append(f.events, record)
	return record, nil
}

func (f *fakeStore) EventsSince(_ context.Context, _ string, afterSeq int64, limit int) ([]types.BoardEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.BoardEvent
	for _, ev := range f.events {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveView(_ context.Context, _ string) (types.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, nil
}

func (f *fakeStore) SetActiveView(_ context.Context, _ string, view types.View) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = view
	return nil
}

func (f *fakeStore) loggedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, ev := range f.events {
		names = append(names, ev.Event.Name)
	}
	return names
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []types.PushEvent
}

func (b *fakeBroadcaster) Publish(_ context.Context, _ string, event types.PushEvent, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *fakeBroadcaster) published() []types.PushEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.PushEvent, len(b.events))
	copy(out, b.events)
	return out
}

type fakeExporter struct {
	key string
	err error
}

func (e *fakeExporter) ExportApplication(context.Context, string) (string, error) {
	return e.key, e.err
}

type fakePresence struct {
	watchers []presence.WatcherInfo
}

func (p *fakePresence) Roster(context.Context, string) ([]presence.WatcherInfo, error) {
	return p.watchers, nil
}

type fixture struct {
	store       *fakeStore
	broadcaster *fakeBroadcaster
	srv         *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	broadcaster := &fakeBroadcaster{}
	handler := NewHandler(store, broadcaster, &fakeExporter{key: "applications/main/app-1.json"}, "main", zerolog.New(io.Discard))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &fixture{store: store, broadcaster: broadcaster, srv: srv}
}

func (f *fixture) request(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func (f *fixture) waitPublished(t *testing.T, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range f.broadcaster.published() {
			if ev.Name == name {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q never published", name)
}

func TestListJobsHonorsArchiveFlagAndFilters(t *testing.T) {
	f := newFixture(t)
	f.store.addJob(types.Job{JobID: "j1", Title: "Backend", Priority: types.PriorityHigh})
	f.store.addJob(types.Job{JobID: "j2", Title: "Frontend", Priority: types.PriorityLow})
	f.store.addJob(types.Job{JobID: "j3", Title: "Old", Archived: true})

	status, env := f.request(t, http.MethodGet, "/api/jobs", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200", status)
	}
	if len(env.Jobs) != 2 {
		t.Fatalf("got %d jobs, want 2 active", len(env.Jobs))
	}

	status, env = f.request(t, http.MethodGet, "/api/jobs?include_archived=true", nil)
	if status != http.StatusOK || len(env.Jobs) != 3 {
		t.Fatalf("include_archived: status %d jobs %d, want 200/3", status, len(env.Jobs))
	}

	status, env = f.request(t, http.MethodGet, "/api/jobs?priority=high", nil)
	if status != http.StatusOK || len(env.Jobs) != 1 || env.Jobs[0].JobID != "j1" {
		t.Fatalf("priority filter: status %d jobs %+v", status, env.Jobs)
	}
}

func TestReorderRecordsOrderAndEmits(t *testing.T) {
	f := newFixture(t)
	f.store.addJob(types.Job{JobID: "j1"})
	f.store.addJob(types.Job{JobID: "j2"})

	status, env := f.request(t, http.MethodPost, "/api/jobs/reorder",
		map[string][]string{"job_ids": {"j2", "j1"}})
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200", status)
	}
	if env.Count != 2 {
		t.Fatalf("count %d, want 2", env.Count)
	}

	f.store.mu.Lock()
	reorders := f.store.reorders
	f.store.mu.Unlock()
	if len(reorders) != 1 || reorders[0][0] != "j2" {
		t.Fatalf("store saw reorders %v", reorders)
	}

	f.waitPublished(t, types.EventJobsUpdated)
	logged := f.store.loggedEvents()
	if len(logged) != 1 || logged[0] != types.EventJobsUpdated {
		t.Fatalf("event log %v, want one jobs_updated", logged)
	}
}

func TestUnarchiveDeadJobConflicts(t *testing.T) {
	f := newFixture(t)
	f.store.addJob(types.Job{JobID: "j1", Dead: true, Archived: true})

	status, env := f.request(t, http.MethodPost, "/api/jobs/unarchive",
		map[string][]string{"job_ids": {"j1"}})
	if status != http.StatusConflict {
		t.Fatalf("status %d, want 409", status)
	}
	if env.Code != codeInvalidParam {
		t.Fatalf("code %q, want %q", env.Code, codeInvalidParam)
	}
	if len(f.broadcaster.published()) != 0 {
		t.Fatal("failed mutation must not publish events")
	}
}

func TestArchiveUnknownJobIs404(t *testing.T) {
	f := newFixture(t)

	status, env := f.request(t, http.MethodPost, "/api/jobs/archive",
		map[string][]string{"job_ids": {"ghost"}})
	if status != http.StatusNotFound {
		t.Fatalf("status %d, want 404", status)
	}
	if env.Code != codeJobNotFound {
		t.Fatalf("code %q, want %q", env.Code, codeJobNotFound)
	}
}

func TestPutDeepDivePathOverridesBody(t *testing.T) {
	f := newFixture(t)
	f.store.addJob(types.Job{JobID: "j1"})

	status, _ := f.request(t, http.MethodPut, "/api/deep-dives/j1",
		types.DeepDive{JobID: "other", Verdict: types.VerdictPursue, Summary: "strong fit"})
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200", status)
	}

	dive, err := f.store.GetDeepDive(context.Background(), "j1")
	if err != nil {
		t.Fatalf("dive not stored under path id: %v", err)
	}
	if dive.Verdict != types.VerdictPursue {
		t.Fatalf("stored verdict %q", dive.Verdict)
	}

	f.waitPublished(t, types.EventDeepDiveUpdated)
	for _, ev := range f.broadcaster.published() {
		if ev.Name == types.EventDeepDiveUpdated && ev.Field(types.DataJobID) != "j1" {
			t.Fatalf("event carries job id %q, want j1", ev.Field(types.DataJobID))
		}
	}
}

func TestCreateApplicationGeneratesID(t *testing.T) {
	f := newFixture(t)
	f.store.addJob(types.Job{JobID: "j1", Company: "Acme", Title: "Backend"})

	status, env := f.request(t, http.MethodPost, "/api/applications",
		map[string]string{"job_id": "j1"})
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200", status)
	}
	if env.Application == nil || env.Application.ApplicationID == "" {
		t.Fatalf("expected generated application id, got %+v", env.Application)
	}
	if env.Application.Company != "Acme" {
		t.Fatalf("application company %q, want copied from job", env.Application.Company)
	}
	f.waitPublished(t, types.EventApplicationsChanged)
}

func TestCreateApplicationUnknownJob(t *testing.T) {
	f := newFixture(t)

	status, env := f.request(t, http.MethodPost, "/api/applications",
		map[string]string{"job_id": "ghost"})
	if status != http.StatusNotFound || env.Code != codeJobNotFound {
		t.Fatalf("status %d code %q, want 404 %s", status, env.Code, codeJobNotFound)
	}
}

func TestApplicationExportReturnsKey(t *testing.T) {
	f := newFixture(t)
	f.store.addJob(types.Job{JobID: "j1"})
	if _, err := f.store.CreateApplication(context.Background(), "app-1", "j1"); err != nil {
		t.Fatalf("seed application: %v", err)
	}

	status, env := f.request(t, http.MethodPost, "/api/applications/app-1/export", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200", status)
	}
	if env.ExportKey != "applications/main/app-1.json" {
		t.Fatalf("export key %q", env.ExportKey)
	}
	f.waitPublished(t, types.EventApplicationUpdated)
}

func TestViewRoundTripEmitsViewChanged(t *testing.T) {
	f := newFixture(t)

	status, env := f.request(t, http.MethodPost, "/api/view",
		map[string]string{"view": "nonsense"})
	if status != http.StatusBadRequest || env.Code != codeInvalidParam {
		t.Fatalf("bad view: status %d code %q", status, env.Code)
	}

	status, _ = f.request(t, http.MethodPost, "/api/view",
		map[string]string{"view": string(types.ViewDeepDive)})
	if status != http.StatusOK {
		t.Fatalf("set view status %d", status)
	}
	f.waitPublished(t, types.EventViewChanged)
	for _, ev := range f.broadcaster.published() {
		if ev.Name == types.EventViewChanged && ev.Field(types.DataView) != string(types.ViewDeepDive) {
			t.Fatalf("view event carries %q", ev.Field(types.DataView))
		}
	}

	status, env = f.request(t, http.MethodGet, "/api/view", nil)
	if status != http.StatusOK || env.View != string(types.ViewDeepDive) {
		t.Fatalf("get view: status %d view %q", status, env.View)
	}
}

func TestEventsSinceCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{types.EventJobsUpdated, types.EventSelectionChanged, types.EventViewChanged} {
		if _, err := f.store.AppendEvent(ctx, "main", types.NewPushEvent(name)); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	status, env := f.request(t, http.MethodGet, "/api/events?after=1", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200", status)
	}
	if len(env.Events) != 2 {
		t.Fatalf("got %d events after seq 1, want 2", len(env.Events))
	}
	if env.Events[0].Event.Name != types.EventSelectionChanged {
		t.Fatalf("first event %q", env.Events[0].Event.Name)
	}

	status, env = f.request(t, http.MethodGet, "/api/events?after=x", nil)
	if status != http.StatusBadRequest || env.Code != codeInvalidParam {
		t.Fatalf("bad cursor: status %d code %q", status, env.Code)
	}
}

func TestPresenceRosterServed(t *testing.T) {
	watchers := &fakePresence{watchers: []presence.WatcherInfo{
		{BoardID: "main", ClientID: "watcher-1"},
		{BoardID: "main", ClientID: "watcher-2"},
	}}
	handler := NewHandler(newFakeStore(), &fakeBroadcaster{}, nil, "main", zerolog.New(io.Discard),
		WithPresence(watchers))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/presence")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if len(env.Watchers) != 2 || env.Watchers[1].ClientID != "watcher-2" {
		t.Fatalf("watchers %+v", env.Watchers)
	}
}

func TestPresenceUnconfiguredIs503(t *testing.T) {
	f := newFixture(t)

	status, env := f.request(t, http.MethodGet, "/api/presence", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", status)
	}
	if env.Code != codeInternal {
		t.Fatalf("code %q, want %q", env.Code, codeInternal)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/jobs/reorder",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != codeInvalidParam {
		t.Fatalf("code %q, want %q", env.Code, codeInvalidParam)
	}
}
