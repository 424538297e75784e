package board

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/collection"
	"github.com/example/pipeline-board/internal/types"
)

// fakeBackend plays both the fetcher and the command sink, the same pairing
// the real HTTP client provides.
type fakeBackend struct {
	mu       sync.Mutex
	snaps    map[types.Collection]types.Snapshot
	err      error
	reorders [][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{snaps: make(map[types.Collection]types.Snapshot)}
}

func (f *fakeBackend) set(name types.Collection, snap types.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[name] = snap
}

func (f *fakeBackend) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackend) FetchCollection(ctx context.Context, name types.Collection, filters collection.Filters) (types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snaps[name].Clone(), nil
}

func (f *fakeBackend) SubmitReorder(ctx context.Context, orderedIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reorders = append(f.reorders, append([]string(nil), orderedIDs...))
	return nil
}

func testBoard(backend *fakeBackend, opts ...Option) *Board {
	return New(backend, backend, zerolog.New(io.Discard), opts...)
}

func jobItem(id string, fields map[string]string) types.Item {
	return types.Item{ID: id, Fields: fields}
}

func jobsOf(ids ...string) types.Snapshot {
	snap := make(types.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap = append(snap, types.Item{ID: id})
	}
	return snap
}

func sameOrder(got, want []string) bool {
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

func TestRefreshRendersSnapshot(t *testing.T) {
	backend := newFakeBackend()
	backend.set(types.CollectionJobs, jobsOf("1", "2", "3"))
	b := testBoard(backend)

	b.RequestRefresh(context.Background(), types.CollectionJobs)

	if got := b.Rendered(types.CollectionJobs).IDs(); !sameOrder(got, []string{"1", "2", "3"}) {
		t.Fatalf("rendered = %v, want [1 2 3]", got)
	}
	// Initial load: no entrance flourish.
	if b.Tracker(types.CollectionJobs).Entering("1") {
		t.Fatalf("initial load must not animate entrances")
	}
}

func TestRemovalKeepsExitingRowAtEnd(t *testing.T) {
	backend := newFakeBackend()
	backend.set(types.CollectionJobs, jobsOf("1", "2", "3"))
	b := testBoard(backend)
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	backend.set(types.CollectionJobs, jobsOf("2", "3"))
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	if !b.Tracker(types.CollectionJobs).Exiting("1") {
		t.Fatalf("row 1 should be mid-exit")
	}
	if got := b.DisplayOrder(types.CollectionJobs); !sameOrder(got, []string{"2", "3", "1"}) {
		t.Fatalf("display order = %v, want exiting row last", got)
	}
	if got := b.InteractionOrder(); !sameOrder(got, []string{"2", "3"}) {
		t.Fatalf("interaction order = %v, want exiting row excluded", got)
	}
}

func TestDisplayItemFallsBackToFrozenCopy(t *testing.T) {
	backend := newFakeBackend()
	backend.set(types.CollectionJobs, types.Snapshot{
		jobItem("1", map[string]string{"title": "Platform Engineer"}),
		jobItem("2", nil),
	})
	b := testBoard(backend)
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	backend.set(types.CollectionJobs, jobsOf("2"))
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	item, ok := b.DisplayItem(types.CollectionJobs, "1")
	if !ok {
		t.Fatalf("mid-exit row should still resolve for rendering")
	}
	if got := item.Field("title"); got != "Platform Engineer" {
		t.Fatalf("frozen title = %q, want Platform Engineer", got)
	}
}

func TestFetchFailureKeepsLastKnownGood(t *testing.T) {
	backend := newFakeBackend()
	backend.set(types.CollectionJobs, jobsOf("a", "b"))
	b := testBoard(backend)
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	var applied int
	b.Subscribe(func(name types.Collection) {
		if name == types.CollectionJobs {
			applied++
		}
	})

	backend.fail(errors.New("connection refused"))
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	if got := b.Rendered(types.CollectionJobs).IDs(); !sameOrder(got, []string{"a", "b"}) {
		t.Fatalf("failed refresh blanked the view: %v", got)
	}
	if applied != 0 {
		t.Fatalf("failed refresh should not notify render listeners")
	}
}

func TestColumnSortThreeStateCycle(t *testing.T) {
	backend := newFakeBackend()
	backend.set(types.CollectionJobs, types.Snapshot{
		jobItem("j1", map[string]string{"days_ago": "12"}),
		jobItem("j2", map[string]string{"days_ago": "9"}),
		jobItem("j3", map[string]string{"days_ago": "30"}),
	})
	b := testBoard(backend)
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	b.Controller().ToggleSort("days_ago")
	if got := b.DisplayOrder(types.CollectionJobs); !sameOrder(got, []string{"j2", "j1", "j3"}) {
		t.Fatalf("ascending numeric sort = %v, want [j2 j1 j3]", got)
	}

	b.Controller().ToggleSort("days_ago")
	if got := b.DisplayOrder(types.CollectionJobs); !sameOrder(got, []string{"j3", "j1", "j2"}) {
		t.Fatalf("descending numeric sort = %v, want [j3 j1 j2]", got)
	}

	b.Controller().ToggleSort("days_ago")
	if got := b.DisplayOrder(types.CollectionJobs); !sameOrder(got, []string{"j1", "j2", "j3"}) {
		t.Fatalf("third toggle should restore server order, got %v", got)
	}
}

func TestDropThroughBoardSubmitsAndResetsSort(t *testing.T) {
	backend := newFakeBackend()
	backend.set(types.CollectionJobs, jobsOf("a", "b", "c", "d"))
	b := testBoard(backend)
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	ctrl := b.Controller()
	ctrl.ToggleSort("title")
	ctrl.StartDrag("a")
	got := ctrl.Drop("c")
	if !sameOrder(got, []string{"b", "c", "a", "d"}) {
		t.Fatalf("drop order = %v, want [b c a d]", got)
	}
	if ctrl.Sort().Active() {
		t.Fatalf("drop should abandon the column sort")
	}
}

func TestRefreshResetsVanishedDrag(t *testing.T) {
	backend := newFakeBackend()
	backend.set(types.CollectionJobs, jobsOf("a", "b"))
	b := testBoard(backend)
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	b.Controller().StartDrag("a")

	backend.set(types.CollectionJobs, jobsOf("b"))
	b.RequestRefresh(context.Background(), types.CollectionJobs)

	if _, dragging := b.Controller().DraggedID(); dragging {
		t.Fatalf("drag should reset when the dragged row leaves the snapshot")
	}
}

func TestNavigationFocusesRecord(t *testing.T) {
	backend := newFakeBackend()
	b := testBoard(backend)

	var navNotices int
	b.Subscribe(func(name types.Collection) {
		if name == "" {
			navNotices++
		}
	})

	b.ShowRecord(types.ViewDeepDive, "42")
	if b.ActiveView() != types.ViewDeepDive {
		t.Fatalf("active view = %s, want deep_dive", b.ActiveView())
	}
	if id, ok := b.FocusedRecord(types.ViewDeepDive); !ok || id != "42" {
		t.Fatalf("focused record = %q ok=%v, want 42", id, ok)
	}

	b.SwitchView(types.ViewDeepDive)
	if navNotices != 1 {
		t.Fatalf("switching to the current view should not notify again, got %d", navNotices)
	}

	b.SwitchView(types.ViewApplication)
	if navNotices != 2 || b.ActiveView() != types.ViewApplication {
		t.Fatalf("view switch not applied, notices=%d view=%s", navNotices, b.ActiveView())
	}
}
