package reconcile

import (
	"time"

	"github.com/example/pipeline-board/internal/types"
)

// Policy carries the tunables of the transition engine. The defaults mirror
// the board UI: entrance 500ms, exit 650ms, move-settle 450ms, and bulk
// suppression above three simultaneous removals.
type Policy struct {
	BulkRemovalThreshold int
	EnterDuration        time.Duration
	ExitDuration         time.Duration
	SettleDuration       time.Duration
}

// DefaultPolicy returns the stock tunables.
func DefaultPolicy() Policy {
	return Policy{
		BulkRemovalThreshold: 3,
		EnterDuration:        500 * time.Millisecond,
		ExitDuration:         650 * time.Millisecond,
		SettleDuration:       450 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BulkRemovalThreshold <= 0 {
		p.BulkRemovalThreshold = d.BulkRemovalThreshold
	}
	if p.EnterDuration <= 0 {
		p.EnterDuration = d.EnterDuration
	}
	if p.ExitDuration <= 0 {
		p.ExitDuration = d.ExitDuration
	}
	if p.SettleDuration <= 0 {
		p.SettleDuration = d.SettleDuration
	}
	return p
}

// Plan is the transition computed between two snapshots of one collection.
// An id appears in at most one of Entering and Exiting. Exiting carries a
// frozen copy of each removed item, read from the previous snapshot, so the
// view can keep rendering it through its exit. Moved is only populated for a
// pure reorder (identical id sets), and PrimaryMovedID is the moved id with
// the largest index displacement, ties broken by first occurrence in the
// current order.
type Plan struct {
	Entering       map[string]struct{}
	Exiting        map[string]types.Item
	Moved          map[string]struct{}
	PrimaryMovedID string
}

// Empty reports whether the plan carries no transitions at all.
func (p Plan) Empty() bool {
	return len(p.Entering) == 0 && len(p.Exiting) == 0 && len(p.Moved) == 0
}

// Diff computes the transition plan between the previously rendered snapshot
// and the one replacing it. It is a pure function of its inputs.
//
// Removals above the bulk threshold are treated as a filter-driven change and
// suppressed wholesale: no exit set, no frozen copies. Entrances are skipped
// when the previous snapshot was empty so the initial load renders without a
// flourish.
func Diff(previous, current types.Snapshot, policy Policy) Plan {
	policy = policy.withDefaults()

	prevIndex := make(map[string]int, len(previous))
	for i, it := range previous {
		prevIndex[it.ID] = i
	}
	currIndex := make(map[string]int, len(current))
	for i, it := range current {
		currIndex[it.ID] = i
	}

	plan := Plan{
		Entering: make(map[string]struct{}),
		Exiting:  make(map[string]types.Item),
		Moved:    make(map[string]struct{}),
	}

	var exiting []string
	for _, it := range previous {
		if _, ok := currIndex[it.ID]; !ok {
			exiting = append(exiting, it.ID)
		}
	}

	if n := len(exiting); n > 0 && n <= policy.BulkRemovalThreshold {
		for _, id := range exiting {
			item, _ := previous.Find(id)
			plan.Exiting[id] = item.Clone()
		}
	}

	if len(previous) > 0 {
		for _, it := range current {
			if _, ok := prevIndex[it.ID]; !ok {
				plan.Entering[it.ID] = struct{}{}
			}
		}
	}

	// A pure reorder: same id sets, nothing arriving or leaving.
	if len(previous) > 0 && len(exiting) == 0 && len(previous) == len(current) && allShared(currIndex, prevIndex) {
		best := 0
		for _, it := range current {
			from := prevIndex[it.ID]
			to := currIndex[it.ID]
			if from == to {
				continue
			}
			plan.Moved[it.ID] = struct{}{}
			if delta := abs(to - from); delta > best {
				best = delta
				plan.PrimaryMovedID = it.ID
			}
		}
	}

	return plan
}

func allShared(curr, prev map[string]int) bool {
	for id := range curr {
		if _, ok := prev[id]; !ok {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
