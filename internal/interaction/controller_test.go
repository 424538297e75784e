package interaction

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

type captureCommander struct {
	mu     sync.Mutex
	orders [][]string
	err    error
	done   chan struct{}
}

func (c *captureCommander) SubmitReorder(ctx context.Context, orderedIDs []string) error {
	c.mu.Lock()
	c.orders = append(c.orders, append([]string(nil), orderedIDs...))
	c.mu.Unlock()
	if c.done != nil {
		c.done <- struct{}{}
	}
	return c.err
}

func (c *captureCommander) last(t *testing.T) []string {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reorder command was never submitted")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.orders) == 0 {
		t.Fatalf("no reorder recorded")
	}
	return c.orders[len(c.orders)-1]
}

func fixedOrder(ids ...string) OrderFunc {
	return func() []string { return append([]string(nil), ids...) }
}

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDropReordersAroundTarget(t *testing.T) {
	cmd := &captureCommander{done: make(chan struct{}, 1)}
	ctrl := NewController(fixedOrder("a", "b", "c", "d"), cmd, zeroLogger())

	ctrl.StartDrag("a")
	if dir, ok := ctrl.DragOver("c"); !ok || dir != DirectionAfter {
		t.Fatalf("expected hover after c, got %q ok=%v", dir, ok)
	}

	got := ctrl.Drop("c")
	want := []string{"b", "c", "a", "d"}
	if !equalIDs(got, want) {
		t.Fatalf("drop order = %v, want %v", got, want)
	}
	if submitted := cmd.last(t); !equalIDs(submitted, want) {
		t.Fatalf("submitted order = %v, want %v", submitted, want)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("controller should be idle after drop")
	}
	if !ctrl.Settled("a") {
		t.Fatalf("dropped row should be inside its settle window")
	}
}

func TestDropUpwardTakesTargetIndex(t *testing.T) {
	cmd := &captureCommander{done: make(chan struct{}, 1)}
	ctrl := NewController(fixedOrder("a", "b", "c", "d"), cmd, zeroLogger())

	ctrl.StartDrag("d")
	if dir, ok := ctrl.DragOver("b"); !ok || dir != DirectionBefore {
		t.Fatalf("expected hover before b, got %q ok=%v", dir, ok)
	}

	got := ctrl.Drop("b")
	want := []string{"a", "d", "b", "c"}
	if !equalIDs(got, want) {
		t.Fatalf("drop order = %v, want %v", got, want)
	}
	cmd.last(t)
}

func TestDropInvalidTargetIsNoOp(t *testing.T) {
	cmd := &captureCommander{done: make(chan struct{}, 1)}
	ctrl := NewController(fixedOrder("a", "b", "c"), cmd, zeroLogger())

	ctrl.StartDrag("a")
	if got := ctrl.Drop("a"); got != nil {
		t.Fatalf("dropping onto itself should be a no-op, got %v", got)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("drag state should clear even for an invalid drop")
	}

	ctrl.StartDrag("a")
	if got := ctrl.Drop("zz"); got != nil {
		t.Fatalf("dropping onto an unknown row should be a no-op, got %v", got)
	}

	if got := ctrl.Drop("b"); got != nil {
		t.Fatalf("drop while idle should be a no-op, got %v", got)
	}

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if len(cmd.orders) != 0 {
		t.Fatalf("no commands should be submitted, got %v", cmd.orders)
	}
}

func TestDropSubmitFailureStillReturnsOrder(t *testing.T) {
	cmd := &captureCommander{done: make(chan struct{}, 1), err: errors.New("server down")}
	ctrl := NewController(fixedOrder("a", "b"), cmd, zeroLogger())

	ctrl.StartDrag("b")
	if got := ctrl.Drop("a"); !equalIDs(got, []string{"b", "a"}) {
		t.Fatalf("drop order = %v, want [b a]", got)
	}
	cmd.last(t)
	if ctrl.State() != StateIdle {
		t.Fatalf("command failure must not leave the controller dragging")
	}
}

func TestEndDragAlwaysReturnsToIdle(t *testing.T) {
	ctrl := NewController(fixedOrder("a", "b"), &captureCommander{}, zeroLogger())

	ctrl.StartDrag("a")
	ctrl.EndDrag()
	if ctrl.State() != StateIdle {
		t.Fatalf("end drag should return to idle")
	}
	if _, ok := ctrl.DraggedID(); ok {
		t.Fatalf("dragged id should clear on end drag")
	}

	// Safe to call again from idle.
	ctrl.EndDrag()
	if ctrl.State() != StateIdle {
		t.Fatalf("end drag from idle should stay idle")
	}
}

func TestDragOverOutsideDragReportsFalse(t *testing.T) {
	ctrl := NewController(fixedOrder("a", "b"), &captureCommander{}, zeroLogger())

	if _, ok := ctrl.DragOver("b"); ok {
		t.Fatalf("hover without an active drag should report false")
	}

	ctrl.StartDrag("a")
	if _, ok := ctrl.DragOver("a"); ok {
		t.Fatalf("hovering the dragged row should report false")
	}
	if _, ok := ctrl.DragOver("missing"); ok {
		t.Fatalf("hovering an unknown row should report false")
	}
}

func TestDragSurvivesVanishedRowViaReset(t *testing.T) {
	ctrl := NewController(fixedOrder("b", "c"), &captureCommander{}, zeroLogger())

	ctrl.StartDrag("a")
	ctrl.ResetIfMissing(types.Snapshot{{ID: "b"}, {ID: "c"}})
	if ctrl.State() != StateIdle {
		t.Fatalf("drag should reset when the dragged row leaves the snapshot")
	}

	ctrl.StartDrag("b")
	ctrl.ResetIfMissing(types.Snapshot{{ID: "b"}, {ID: "c"}})
	if ctrl.State() != StateDragging {
		t.Fatalf("drag should survive while the dragged row is still present")
	}
}

func TestToggleSortCycles(t *testing.T) {
	ctrl := NewController(fixedOrder("a"), &captureCommander{}, zeroLogger())

	if s := ctrl.ToggleSort("company"); s.Dir != SortAsc || s.Column != "company" {
		t.Fatalf("first toggle = %+v, want company ascending", s)
	}
	if s := ctrl.ToggleSort("company"); s.Dir != SortDesc {
		t.Fatalf("second toggle = %+v, want descending", s)
	}
	if s := ctrl.ToggleSort("company"); s.Active() {
		t.Fatalf("third toggle = %+v, want server order", s)
	}
	if s := ctrl.ToggleSort("company"); s.Dir != SortAsc {
		t.Fatalf("fourth toggle = %+v, want ascending again", s)
	}

	// Switching columns restarts at ascending.
	if s := ctrl.ToggleSort("title"); s.Dir != SortAsc || s.Column != "title" {
		t.Fatalf("column switch = %+v, want title ascending", s)
	}
}

func TestDropResetsManualSort(t *testing.T) {
	cmd := &captureCommander{done: make(chan struct{}, 1)}
	ctrl := NewController(fixedOrder("a", "b"), cmd, zeroLogger())

	ctrl.ToggleSort("company")
	ctrl.StartDrag("b")
	ctrl.Drop("a")
	cmd.last(t)

	if s := ctrl.Sort(); s.Active() {
		t.Fatalf("manual sort should reset to server order after a drop, got %+v", s)
	}
}

func TestSettleWindowExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	cmd := &captureCommander{done: make(chan struct{}, 1)}
	ctrl := NewController(fixedOrder("a", "b"), cmd, zeroLogger(),
		WithNow(func() time.Time { return now }))

	ctrl.StartDrag("b")
	ctrl.Drop("a")
	cmd.last(t)

	if !ctrl.Settled("b") {
		t.Fatalf("row should settle immediately after the drop")
	}
	if ids := ctrl.SettledIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("settled ids = %v, want [b]", ids)
	}

	now = now.Add(449 * time.Millisecond)
	if !ctrl.Settled("b") {
		t.Fatalf("settle window closed early")
	}

	now = now.Add(1 * time.Millisecond)
	if ctrl.Settled("b") {
		t.Fatalf("settle window should have elapsed at 450ms")
	}
	if ids := ctrl.SettledIDs(); len(ids) != 0 {
		t.Fatalf("expired rows should purge, got %v", ids)
	}
}
