package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

var (
	// ErrStaleResponse marks a refresh whose response was discarded because a
	// later-issued refresh already completed. The returned snapshot is the
	// retained newer one; callers treat this as a benign skip, not a failure.
	ErrStaleResponse = errors.New("refresh superseded: stale response discarded")
)

// FetchError wraps a network or decode failure during a refresh. The store
// keeps its previous snapshot when returning one.
type FetchError struct {
	Collection types.Collection
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Collection, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Filters are the query parameters applied to a collection fetch, e.g.
// include_archived.
type Filters map[string]string

// Clone copies the filter set.
func (f Filters) Clone() Filters {
	if f == nil {
		return nil
	}
	clone := make(Filters, len(f))
	for k, v := range f {
		clone[k] = v
	}
	return clone
}

// Fetcher retrieves the current ordered snapshot of a named collection.
type Fetcher interface {
	FetchCollection(ctx context.Context, name types.Collection, filters Filters) (types.Snapshot, error)
}

// Store holds the canonical snapshot for one collection. It is the single
// writer of that snapshot; every other component reads the current version
// and derives its own ephemeral state.
//
// Refreshes are stamped with a monotonically increasing sequence at issue
// time and applied in completion order: a response that completes after a
// later-issued refresh has already been applied is discarded.
type Store struct {
	name    types.Collection
	fetcher Fetcher
	logger  zerolog.Logger

	issued atomic.Uint64

	mu      sync.Mutex
	filters Filters
	snap    types.Snapshot
	applied uint64
}

// Option configures a store.
type Option func(*Store)

// WithFilters sets the initial fetch filters.
func WithFilters(filters Filters) Option {
	return func(s *Store) {
		s.filters = filters.Clone()
	}
}

// NewStore constructs the store for a named collection.
func NewStore(name types.Collection, fetcher Fetcher, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		name:    name,
		fetcher: fetcher,
		logger:  logger.With().Str("collection", string(name)).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the collection this store holds.
func (s *Store) Name() types.Collection { return s.name }

// Snapshot returns the most recently applied snapshot. It must be treated as
// immutable by callers.
func (s *Store) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Filters returns a copy of the active fetch filters.
func (s *Store) Filters() Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters.Clone()
}

// SetFilters replaces the fetch filters used by subsequent refreshes.
func (s *Store) SetFilters(filters Filters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = filters.Clone()
}

// Refresh fetches a new snapshot and applies it unless a later-issued refresh
// has completed in the meantime. On fetch failure the previous snapshot is
// retained and returned alongside a *FetchError; a stale completion returns
// the retained newer snapshot alongside ErrStaleResponse.
func (s *Store) Refresh(ctx context.Context) (types.Snapshot, error) {
	seq := s.issued.Add(1)

	s.mu.Lock()
	filters := s.filters.Clone()
	s.mu.Unlock()

	start := time.Now()
	snap, err := s.fetcher.FetchCollection(ctx, s.name, filters)
	refreshLatency.WithLabelValues(string(s.name)).Observe(time.Since(start).Seconds())

	if err == nil {
		err = validateIDs(snap)
	}
	if err != nil {
		fetchFailures.WithLabelValues(string(s.name)).Inc()
		s.logger.Warn().Err(err).Msg("refresh failed; keeping previous snapshot")
		return s.Snapshot(), &FetchError{Collection: s.name, Err: err}
	}

	s.mu.Lock()
	if seq <= s.applied {
		current := s.snap
		s.mu.Unlock()
		staleDiscards.WithLabelValues(string(s.name)).Inc()
		s.logger.Debug().Uint64("seq", seq).Msg("discarded stale refresh response")
		return current, ErrStaleResponse
	}
	s.applied = seq
	s.snap = snap
	s.mu.Unlock()

	return snap, nil
}

func validateIDs(snap types.Snapshot) error {
	seen := make(map[string]struct{}, len(snap))
	for _, it := range snap {
		if it.ID == "" {
			return errors.New("snapshot contains an item without an id")
		}
		if _, ok := seen[it.ID]; ok {
			return fmt.Errorf("snapshot contains duplicate id %q", it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}
