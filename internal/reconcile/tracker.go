package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

// Tracker owns the active transition plan for one displayed collection.
// Observing a new snapshot installs a fresh plan and implicitly retires the
// previous one, so timers from an earlier cycle can never leak into the next:
// every read is checked against the installation time of the current plan.
type Tracker struct {
	mu     sync.Mutex
	policy Policy
	logger zerolog.Logger
	now    func() time.Time

	plan    Plan
	planAt  time.Time
	exiting []types.Item // frozen copies in previous-snapshot order

	plans *prometheus.CounterVec
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithNow overrides the clock, letting tests drive window expiry.
func WithNow(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker constructs a tracker with the provided transition policy.
func NewTracker(policy Policy, logger zerolog.Logger, opts ...TrackerOption) *Tracker {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconcile",
		Name:      "plans_total",
		Help:      "Transition plans computed, by dominant transition kind.",
	}, []string{"kind"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	t := &Tracker{
		policy: policy.withDefaults(),
		logger: logger,
		now:    time.Now,
		plans:  counter,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe diffs the previous rendered snapshot against its replacement and
// installs the resulting plan as the active one.
func (t *Tracker) Observe(previous, current types.Snapshot) Plan {
	plan := Diff(previous, current, t.policy)

	t.mu.Lock()
	t.plan = plan
	t.planAt = t.now()
	t.exiting = t.exiting[:0]
	for _, it := range previous {
		if _, ok := plan.Exiting[it.ID]; ok {
			t.exiting = append(t.exiting, plan.Exiting[it.ID])
		}
	}
	t.mu.Unlock()

	t.plans.WithLabelValues(planKind(plan)).Inc()
	if !plan.Empty() {
		t.logger.Debug().
			Int("entering", len(plan.Entering)).
			Int("exiting", len(plan.Exiting)).
			Int("moved", len(plan.Moved)).
			Str("primary_moved", plan.PrimaryMovedID).
			Msg("transition plan installed")
	}
	return plan
}

// Entering reports whether id is still within its entrance window.
func (t *Tracker) Entering(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.within(t.policy.EnterDuration) {
		return false
	}
	_, ok := t.plan.Entering[id]
	return ok
}

// EnteringIDs returns the ids still within their entrance window, sorted.
func (t *Tracker) EnteringIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.within(t.policy.EnterDuration) {
		return nil
	}
	ids := make([]string, 0, len(t.plan.Entering))
	for id := range t.plan.Entering {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Exiting reports whether id is mid-exit. Exiting rows stay rendered but are
// not legal drop targets.
func (t *Tracker) Exiting(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.within(t.policy.ExitDuration) {
		return false
	}
	_, ok := t.plan.Exiting[id]
	return ok
}

// ExitingItems returns the frozen copies still within the exit window, in
// their previous display order. Expired copies are dropped.
func (t *Tracker) ExitingItems() []types.Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.within(t.policy.ExitDuration) {
		t.exiting = nil
		return nil
	}
	out := make([]types.Item, len(t.exiting))
	copy(out, t.exiting)
	return out
}

// Moved reports whether id is still settling after a pure reorder.
func (t *Tracker) Moved(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.within(t.policy.SettleDuration) {
		return false
	}
	_, ok := t.plan.Moved[id]
	return ok
}

// PrimaryMoved returns the id to scroll into view mid-move, while its settle
// window is open.
func (t *Tracker) PrimaryMoved() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.within(t.policy.SettleDuration) || t.plan.PrimaryMovedID == "" {
		return "", false
	}
	return t.plan.PrimaryMovedID, true
}

// Clear drops the active plan and any frozen copies.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plan = Plan{}
	t.exiting = nil
	t.planAt = time.Time{}
}

// Policy exposes the tunables the tracker was built with.
func (t *Tracker) Policy() Policy {
	return t.policy
}

func (t *Tracker) within(window time.Duration) bool {
	if t.planAt.IsZero() {
		return false
	}
	return t.now().Before(t.planAt.Add(window))
}

func planKind(p Plan) string {
	switch {
	case len(p.Exiting) > 0:
		return "exit"
	case len(p.Entering) > 0:
		return "enter"
	case len(p.Moved) > 0:
		return "move"
	default:
		return "none"
	}
}
