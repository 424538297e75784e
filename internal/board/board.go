// Package board owns the client-side view state: the rendered snapshot per
// collection, the reconciliation trackers that animate transitions between
// snapshots, the drag controller for the jobs list, and the active view.
// Everything else feeds it: the event router requests refreshes, the
// collection stores fetch, and the board decides what is displayed.
package board

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/collection"
	"github.com/example/pipeline-board/internal/interaction"
	"github.com/example/pipeline-board/internal/reconcile"
	"github.com/example/pipeline-board/internal/types"
)

// Listener observes board changes. An empty collection name signals a
// navigation-only change (view switch or record focus).
type Listener func(collection types.Collection)

// Board is the single writer of rendered view state. Snapshots flow in
// through RequestRefresh only; every other method is a read or an
// ephemeral-state change.
type Board struct {
	logger     zerolog.Logger
	policy     reconcile.Policy
	stores     map[types.Collection]*collection.Store
	trackers   map[types.Collection]*reconcile.Tracker
	controller *interaction.Controller

	mu        sync.Mutex
	rendered  map[types.Collection]types.Snapshot
	view      types.View
	focused   map[types.View]string
	listeners []Listener
}

// Option configures a Board.
type Option func(*options)

type options struct {
	policy     reconcile.Policy
	now        func() time.Time
	jobFilters collection.Filters
	view       types.View
}

// WithPolicy overrides the transition policy shared by all trackers and the
// drag settle window.
func WithPolicy(policy reconcile.Policy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithNow overrides the clock used for animation windows.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithJobFilters sets the initial fetch filters on the jobs store.
func WithJobFilters(filters collection.Filters) Option {
	return func(o *options) {
		o.jobFilters = filters
	}
}

// WithInitialView sets the view shown before the server reports one.
func WithInitialView(view types.View) Option {
	return func(o *options) {
		o.view = view
	}
}

// New assembles a board over one fetcher and one command sink. Each
// collection gets its own store and tracker; the jobs collection
// additionally gets the drag controller.
func New(fetcher collection.Fetcher, commander interaction.Commander, logger zerolog.Logger, opts ...Option) *Board {
	o := &options{
		policy: reconcile.DefaultPolicy(),
		view:   types.ViewSelect,
	}
	for _, opt := range opts {
		opt(o)
	}

	b := &Board{
		logger:   logger.With().Str("component", "board").Logger(),
		policy:   o.policy,
		stores:   make(map[types.Collection]*collection.Store),
		trackers: make(map[types.Collection]*reconcile.Tracker),
		rendered: make(map[types.Collection]types.Snapshot),
		view:     o.view,
		focused:  make(map[types.View]string),
	}

	var trackerOpts []reconcile.TrackerOption
	if o.now != nil {
		trackerOpts = append(trackerOpts, reconcile.WithNow(o.now))
	}
	for _, name := range types.Collections() {
		var storeOpts []collection.Option
		if name == types.CollectionJobs && o.jobFilters != nil {
			storeOpts = append(storeOpts, collection.WithFilters(o.jobFilters))
		}
		b.stores[name] = collection.NewStore(name, fetcher, logger, storeOpts...)
		b.trackers[name] = reconcile.NewTracker(o.policy, logger, trackerOpts...)
	}

	ctrlOpts := []interaction.Option{interaction.WithSettleDuration(o.policy.SettleDuration)}
	if o.now != nil {
		ctrlOpts = append(ctrlOpts, interaction.WithNow(o.now))
	}
	b.controller = interaction.NewController(interaction.OrderFunc(b.InteractionOrder), commander, logger, ctrlOpts...)

	return b
}

// Subscribe registers a render listener. Listeners run synchronously after
// each applied snapshot or navigation change, outside the board lock.
func (b *Board) Subscribe(listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// Store exposes the store for a collection, mainly for filter changes.
func (b *Board) Store(name types.Collection) *collection.Store {
	return b.stores[name]
}

// Tracker exposes the transition tracker for a collection.
func (b *Board) Tracker(name types.Collection) *reconcile.Tracker {
	return b.trackers[name]
}

// Controller exposes the jobs drag controller.
func (b *Board) Controller() *interaction.Controller {
	return b.controller
}

// RequestRefresh implements route.RefreshSink. A stale response is dropped
// silently (a newer snapshot already rendered); a fetch failure keeps the
// last known good snapshot on screen.
func (b *Board) RequestRefresh(ctx context.Context, name types.Collection) {
	store, ok := b.stores[name]
	if !ok {
		b.logger.Debug().Str("collection", string(name)).Msg("refresh requested for unknown collection")
		return
	}

	if _, err := store.Refresh(ctx); err != nil {
		if errors.Is(err, collection.ErrStaleResponse) {
			return
		}
		var fetchErr *collection.FetchError
		if errors.As(err, &fetchErr) {
			b.logger.Warn().Err(fetchErr).Str("collection", string(name)).
				Msg("refresh failed; keeping last known snapshot")
			return
		}
		b.logger.Error().Err(err).Str("collection", string(name)).Msg("refresh failed")
		return
	}

	b.apply(name)
}

// RefreshAll refreshes every collection, used for the initial load and for
// catch-up after a push outage.
func (b *Board) RefreshAll(ctx context.Context) {
	for _, name := range types.Collections() {
		b.RequestRefresh(ctx, name)
	}
}

// apply renders the store's current snapshot. It re-reads the store instead
// of trusting the refresh return value so that two refreshes racing through
// here cannot render the older one last.
func (b *Board) apply(name types.Collection) {
	snap := b.stores[name].Snapshot()

	b.mu.Lock()
	previous := b.rendered[name]
	b.rendered[name] = snap
	b.mu.Unlock()

	// The diff base is the previously rendered snapshot, not the last
	// fully-settled one; rapid refreshes diff against what was on screen.
	b.trackers[name].Observe(previous, snap)

	if name == types.CollectionJobs {
		b.controller.ResetIfMissing(snap)
	}

	b.notify(name)
}

// Rendered returns the currently rendered snapshot for a collection. Treat
// it as immutable.
func (b *Board) Rendered(name types.Collection) types.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rendered[name]
}

// DisplayOrder is the id sequence the view renders: live rows in server or
// sorted order, then rows mid-exit appended at the end so they leave from
// their last position instead of jumping.
func (b *Board) DisplayOrder(name types.Collection) []string {
	b.mu.Lock()
	snap := b.rendered[name]
	b.mu.Unlock()

	var spec interaction.SortSpec
	if name == types.CollectionJobs {
		spec = b.controller.Sort()
	}
	order := orderedIDs(snap, spec)

	for _, item := range b.trackers[name].ExitingItems() {
		order = append(order, item.ID)
	}
	return order
}

// InteractionOrder is the jobs display order without mid-exit rows; exiting
// rows are not legal drop targets or measurement points.
func (b *Board) InteractionOrder() []string {
	b.mu.Lock()
	snap := b.rendered[types.CollectionJobs]
	b.mu.Unlock()
	return orderedIDs(snap, b.controller.Sort())
}

// DisplayItem resolves an id for rendering, falling back to the frozen copy
// while the row is mid-exit.
func (b *Board) DisplayItem(name types.Collection, id string) (types.Item, bool) {
	b.mu.Lock()
	snap := b.rendered[name]
	b.mu.Unlock()

	if item, ok := snap.Find(id); ok {
		return item, true
	}
	for _, item := range b.trackers[name].ExitingItems() {
		if item.ID == id {
			return item, true
		}
	}
	return types.Item{}, false
}

// SwitchView implements route.Navigator.
func (b *Board) SwitchView(view types.View) {
	b.mu.Lock()
	if b.view == view {
		b.mu.Unlock()
		return
	}
	b.view = view
	b.mu.Unlock()

	b.logger.Info().Str("view", string(view)).Msg("switched view")
	b.notify("")
}

// ShowRecord implements route.Navigator: it switches to the view and focuses
// the record in it.
func (b *Board) ShowRecord(view types.View, id string) {
	b.mu.Lock()
	b.view = view
	b.focused[view] = id
	b.mu.Unlock()

	b.logger.Info().Str("view", string(view)).Str("record", id).Msg("focused record")
	b.notify("")
}

// ActiveView returns the currently displayed view.
func (b *Board) ActiveView() types.View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// FocusedRecord returns the focused record id for a view, if any.
func (b *Board) FocusedRecord(view types.View) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.focused[view]
	return id, ok
}

// Close clears ephemeral animation and drag state. Stores keep their last
// snapshots; the board can be resumed by refreshing again.
func (b *Board) Close() {
	b.controller.EndDrag()
	for _, tracker := range b.trackers {
		tracker.Clear()
	}
	b.mu.Lock()
	b.listeners = nil
	b.mu.Unlock()
}

func (b *Board) notify(name types.Collection) {
	b.mu.Lock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, listener := range listeners {
		listener(name)
	}
}

// orderedIDs applies the active column sort to a snapshot, numeric-aware so
// "9" sorts before "12". Without an active sort the server order stands.
func orderedIDs(snap types.Snapshot, spec interaction.SortSpec) []string {
	ids := snap.IDs()
	if !spec.Active() {
		return ids
	}

	indexes := make([]int, len(snap))
	for i := range indexes {
		indexes[i] = i
	}
	sort.SliceStable(indexes, func(i, j int) bool {
		cmp := compareFields(snap[indexes[i]].Field(spec.Column), snap[indexes[j]].Field(spec.Column))
		if spec.Dir == interaction.SortDesc {
			return cmp > 0
		}
		return cmp < 0
	})

	ordered := make([]string, len(indexes))
	for i, idx := range indexes {
		ordered[i] = snap[idx].ID
	}
	return ordered
}

func compareFields(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
