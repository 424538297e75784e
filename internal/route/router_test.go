package route

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

type sinkRecorder struct {
	refreshed []types.Collection
}

func (s *sinkRecorder) RequestRefresh(ctx context.Context, collection types.Collection) {
	s.refreshed = append(s.refreshed, collection)
}

type shownRecord struct {
	view types.View
	id   string
}

type navRecorder struct {
	switched []types.View
	shown    []shownRecord
}

func (n *navRecorder) SwitchView(view types.View) {
	n.switched = append(n.switched, view)
}

func (n *navRecorder) ShowRecord(view types.View, id string) {
	n.shown = append(n.shown, shownRecord{view: view, id: id})
}

func newTestRouter() (*Router, *sinkRecorder, *navRecorder) {
	sink := &sinkRecorder{}
	nav := &navRecorder{}
	return NewRouter(sink, nav, zerolog.New(io.Discard)), sink, nav
}

func sameCollections(got, want []types.Collection) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRouteJobsUpdatedRefreshesReferencingStores(t *testing.T) {
	router, sink, nav := newTestRouter()

	router.Route(context.Background(), types.NewPushEvent(types.EventJobsUpdated))

	want := []types.Collection{types.CollectionJobs, types.CollectionSelections, types.CollectionDeepDives}
	if !sameCollections(sink.refreshed, want) {
		t.Fatalf("refreshed = %v, want %v", sink.refreshed, want)
	}
	if len(nav.switched) != 0 || len(nav.shown) != 0 {
		t.Fatalf("jobs_updated should not navigate, got %v %v", nav.switched, nav.shown)
	}
}

func TestRouteSingleCollectionEvents(t *testing.T) {
	cases := []struct {
		event string
		want  types.Collection
	}{
		{types.EventSelectionChanged, types.CollectionSelections},
		{types.EventDeepDivesChanged, types.CollectionDeepDives},
		{types.EventApplicationsChanged, types.CollectionApplications},
	}
	for _, tc := range cases {
		router, sink, _ := newTestRouter()
		router.Route(context.Background(), types.NewPushEvent(tc.event))
		if !sameCollections(sink.refreshed, []types.Collection{tc.want}) {
			t.Fatalf("%s refreshed = %v, want [%s]", tc.event, sink.refreshed, tc.want)
		}
	}
}

func TestRouteDeepDiveUpdatedNavigatesToRecord(t *testing.T) {
	router, sink, nav := newTestRouter()

	router.Route(context.Background(),
		types.NewPushEvent(types.EventDeepDiveUpdated, types.DataJobID, "42"))

	if !sameCollections(sink.refreshed, []types.Collection{types.CollectionDeepDives}) {
		t.Fatalf("refreshed = %v, want [deep_dives]", sink.refreshed)
	}
	if len(nav.shown) != 1 || nav.shown[0] != (shownRecord{view: types.ViewDeepDive, id: "42"}) {
		t.Fatalf("shown = %v, want deep_dive record 42", nav.shown)
	}
}

func TestRouteApplicationUpdatedNavigatesToRecord(t *testing.T) {
	router, sink, nav := newTestRouter()

	router.Route(context.Background(),
		types.NewPushEvent(types.EventApplicationUpdated, types.DataApplicationID, "app-7"))

	if !sameCollections(sink.refreshed, []types.Collection{types.CollectionApplications}) {
		t.Fatalf("refreshed = %v, want [applications]", sink.refreshed)
	}
	if len(nav.shown) != 1 || nav.shown[0] != (shownRecord{view: types.ViewApplication, id: "app-7"}) {
		t.Fatalf("shown = %v, want application record app-7", nav.shown)
	}
}

func TestRouteRecordEventWithoutIDStillRefreshes(t *testing.T) {
	router, sink, nav := newTestRouter()

	router.Route(context.Background(), types.NewPushEvent(types.EventDeepDiveUpdated))

	if !sameCollections(sink.refreshed, []types.Collection{types.CollectionDeepDives}) {
		t.Fatalf("refreshed = %v, want [deep_dives]", sink.refreshed)
	}
	if len(nav.shown) != 0 {
		t.Fatalf("navigation should be skipped without an id, got %v", nav.shown)
	}
}

func TestRouteViewChangedSwitchesView(t *testing.T) {
	router, sink, nav := newTestRouter()

	router.Route(context.Background(),
		types.NewPushEvent(types.EventViewChanged, types.DataView, "application"))

	if len(sink.refreshed) != 0 {
		t.Fatalf("view_changed should not refresh, got %v", sink.refreshed)
	}
	if len(nav.switched) != 1 || nav.switched[0] != types.ViewApplication {
		t.Fatalf("switched = %v, want [application]", nav.switched)
	}

	router.Route(context.Background(),
		types.NewPushEvent(types.EventViewChanged, types.DataView, "unheard_of"))
	if len(nav.switched) != 1 {
		t.Fatalf("unknown view should not switch, got %v", nav.switched)
	}
}

func TestRouteUnknownEventIgnored(t *testing.T) {
	router, sink, nav := newTestRouter()

	router.Route(context.Background(), types.NewPushEvent("jobs_exploded"))

	if len(sink.refreshed) != 0 || len(nav.switched) != 0 || len(nav.shown) != 0 {
		t.Fatalf("unknown events must be ignored, got %v %v %v", sink.refreshed, nav.switched, nav.shown)
	}
}
