package interaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

// Direction places a drop relative to the hovered row.
type Direction string

const (
	DirectionBefore Direction = "before"
	DirectionAfter  Direction = "after"
)

// SortDir is one leg of the three-state column toggle.
type SortDir int

const (
	SortNone SortDir = iota
	SortAsc
	SortDesc
)

// SortSpec is the active manual column sort. The zero value means "respect
// server order".
type SortSpec struct {
	Column string
	Dir    SortDir
}

// Active reports whether a column sort overrides the server order.
func (s SortSpec) Active() bool { return s.Dir != SortNone && s.Column != "" }

// State is the drag lifecycle of the controller.
type State int

const (
	StateIdle State = iota
	StateDragging
)

// OrderProvider supplies the currently displayed id order with exiting rows
// already filtered out; exiting rows are not legal drop targets or
// measurement points.
type OrderProvider interface {
	InteractionOrder() []string
}

// OrderFunc adapts an ordinary function to an OrderProvider.
type OrderFunc func() []string

// InteractionOrder implements OrderProvider.
func (f OrderFunc) InteractionOrder() []string { return f() }

// Commander issues outbound board commands.
type Commander interface {
	SubmitReorder(ctx context.Context, orderedIDs []string) error
}

const defaultSettleDuration = 450 * time.Millisecond

// Controller runs the drag-and-drop and manual-sort state machine:
// Idle -> Dragging -> Idle. A drop computes an optimistic reorder, submits it
// fire-and-forget, and abandons any active column sort; correctness is
// re-derived from the next snapshot, never from the command response.
type Controller struct {
	order     OrderProvider
	commander Commander
	logger    zerolog.Logger
	now       func() time.Time
	settleFor time.Duration

	mu        sync.Mutex
	state     State
	draggedID string
	hoverID   string
	direction Direction
	settled   map[string]time.Time
	sortSpec  SortSpec

	reorders     prometheus.Counter
	invalidDrops prometheus.Counter
}

// Option configures a Controller.
type Option func(*Controller)

// WithNow overrides the clock used for settle expiry.
func WithNow(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithSettleDuration overrides the post-reorder settle window.
func WithSettleDuration(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.settleFor = d
		}
	}
}

// NewController wires the controller to its display order and command sink.
func NewController(order OrderProvider, commander Commander, logger zerolog.Logger, opts ...Option) *Controller {
	reorders := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "interaction",
		Name:      "reorders_total",
		Help:      "Optimistic reorders issued by drag and drop.",
	})
	invalid := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "interaction",
		Name:      "invalid_drop_targets_total",
		Help:      "Drops ignored because the target or dragged row was gone.",
	})
	if err := prometheus.Register(reorders); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			reorders = regErr.ExistingCollector.(prometheus.Counter)
		}
	}
	if err := prometheus.Register(invalid); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			invalid = regErr.ExistingCollector.(prometheus.Counter)
		}
	}

	c := &Controller{
		order:        order,
		commander:    commander,
		logger:       logger,
		now:          time.Now,
		settleFor:    defaultSettleDuration,
		settled:      make(map[string]time.Time),
		reorders:     reorders,
		invalidDrops: invalid,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current drag lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DraggedID returns the row being dragged, if any.
func (c *Controller) DraggedID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draggedID, c.state == StateDragging
}

// StartDrag enters Dragging for the given row id.
func (c *Controller) StartDrag(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDragging
	c.draggedID = id
	c.hoverID = ""
	c.direction = ""
}

// DragOver records the hovered row and recomputes the drop direction from the
// displayed order: after when the hovered index is greater than the dragged
// index, before otherwise. Outside Dragging, or when either row is not in the
// displayed order, it reports false.
func (c *Controller) DragOver(id string) (Direction, bool) {
	// Fetched outside the lock: the provider may consult this controller for
	// sort and settle state while assembling the order.
	order := c.order.InteractionOrder()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDragging || id == "" || id == c.draggedID {
		return "", false
	}

	di := indexOf(order, c.draggedID)
	hi := indexOf(order, id)
	if di < 0 || hi < 0 {
		return "", false
	}

	dir := DirectionBefore
	if hi > di {
		dir = DirectionAfter
	}
	c.hoverID = id
	c.direction = dir
	return dir, true
}

// Drop reorders the displayed sequence by removing the dragged id and
// reinserting it at the target's position, submits the new order
// fire-and-forget, marks the dragged row settled, and resets any manual
// column sort to server order. Invalid targets no-op and return nil. Drag
// state clears in every case.
func (c *Controller) Drop(targetID string) []string {
	order := c.order.InteractionOrder()

	c.mu.Lock()
	if c.state != StateDragging {
		c.mu.Unlock()
		return nil
	}

	dragged := c.draggedID
	c.clearDragLocked()

	di := indexOf(order, dragged)
	ti := indexOf(order, targetID)
	if targetID == dragged || di < 0 || ti < 0 {
		c.mu.Unlock()
		c.invalidDrops.Inc()
		c.logger.Debug().Str("dragged", dragged).Str("target", targetID).Msg("drop target invalid; ignoring")
		return nil
	}

	newOrder := make([]string, 0, len(order))
	for _, id := range order {
		if id != dragged {
			newOrder = append(newOrder, id)
		}
	}
	newOrder = append(newOrder, "")
	copy(newOrder[ti+1:], newOrder[ti:])
	newOrder[ti] = dragged

	c.settled[dragged] = c.now().Add(c.settleFor)
	// Dragging implies abandoning the column sort.
	c.sortSpec = SortSpec{}
	c.mu.Unlock()

	c.reorders.Inc()
	go func() {
		if err := c.commander.SubmitReorder(context.Background(), newOrder); err != nil {
			c.logger.Warn().Err(err).Msg("reorder command failed; awaiting server snapshot")
		}
	}()

	return newOrder
}

// EndDrag unconditionally returns the controller to Idle. It is safe to call
// from any state, including after a drop or when the drag was released
// outside a valid target.
func (c *Controller) EndDrag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearDragLocked()
}

// ResetIfMissing force-ends an in-flight drag whose dragged row no longer
// exists in the applied snapshot, e.g. because another actor archived it
// mid-gesture.
func (c *Controller) ResetIfMissing(snap types.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDragging {
		return
	}
	if !snap.Contains(c.draggedID) {
		c.logger.Debug().Str("dragged", c.draggedID).Msg("dragged row disappeared; resetting drag")
		c.clearDragLocked()
	}
}

// ToggleSort cycles the named column ascending -> descending -> none, or
// starts a new column at ascending.
func (c *Controller) ToggleSort(column string) SortSpec {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.sortSpec.Column != column || c.sortSpec.Dir == SortNone:
		c.sortSpec = SortSpec{Column: column, Dir: SortAsc}
	case c.sortSpec.Dir == SortAsc:
		c.sortSpec.Dir = SortDesc
	default:
		c.sortSpec = SortSpec{}
	}
	return c.sortSpec
}

// Sort returns the active sort specification.
func (c *Controller) Sort() SortSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortSpec
}

// Settled reports whether the row is inside its post-reorder settle window.
func (c *Controller) Settled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.settled[id]
	if !ok {
		return false
	}
	if !c.now().Before(expiry) {
		delete(c.settled, id)
		return false
	}
	return true
}

// SettledIDs returns the rows currently settling, sorted.
func (c *Controller) SettledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	ids := make([]string, 0, len(c.settled))
	for id, expiry := range c.settled {
		if !now.Before(expiry) {
			delete(c.settled, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Hover returns the currently hovered row and direction while dragging.
func (c *Controller) Hover() (string, Direction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDragging || c.hoverID == "" {
		return "", "", false
	}
	return c.hoverID, c.direction, true
}

func (c *Controller) clearDragLocked() {
	c.state = StateIdle
	c.draggedID = ""
	c.hoverID = ""
	c.direction = ""
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}
