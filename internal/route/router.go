// Package route turns inbound push events into store refreshes and
// navigation side effects. The router never fetches anything itself; fetch
// concurrency and staleness are the collection stores' problem.
package route

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

// RefreshSink receives refresh requests for named collections.
type RefreshSink interface {
	RequestRefresh(ctx context.Context, collection types.Collection)
}

// Navigator applies view-level side effects.
type Navigator interface {
	SwitchView(view types.View)
	ShowRecord(view types.View, id string)
}

// Router maps each push event to its refresh targets. Unknown event names
// are ignored so older clients keep working against newer servers.
type Router struct {
	sink      RefreshSink
	navigator Navigator
	logger    zerolog.Logger
}

// NewRouter builds a router over the given sink and navigator.
func NewRouter(sink RefreshSink, navigator Navigator, logger zerolog.Logger) *Router {
	return &Router{
		sink:      sink,
		navigator: navigator,
		logger:    logger.With().Str("component", "route").Logger(),
	}
}

// Route dispatches one event. A job-level change also refreshes the
// collections that reference job ids, so no view ever renders a stale
// foreign key.
func (r *Router) Route(ctx context.Context, event types.PushEvent) {
	switch event.Name {
	case types.EventJobsUpdated:
		r.refresh(ctx, types.CollectionJobs, types.CollectionSelections, types.CollectionDeepDives)

	case types.EventSelectionChanged:
		r.refresh(ctx, types.CollectionSelections)

	case types.EventDeepDivesChanged:
		r.refresh(ctx, types.CollectionDeepDives)

	case types.EventDeepDiveUpdated:
		r.refresh(ctx, types.CollectionDeepDives)
		if id := event.Field(types.DataJobID); id != "" {
			r.navigator.ShowRecord(types.ViewDeepDive, id)
		} else {
			r.logger.Debug().Str("event", event.Name).Msg("record event without job_id; skipping navigation")
		}

	case types.EventApplicationsChanged:
		r.refresh(ctx, types.CollectionApplications)

	case types.EventApplicationUpdated:
		r.refresh(ctx, types.CollectionApplications)
		if id := event.Field(types.DataApplicationID); id != "" {
			r.navigator.ShowRecord(types.ViewApplication, id)
		} else {
			r.logger.Debug().Str("event", event.Name).Msg("record event without application_id; skipping navigation")
		}

	case types.EventViewChanged:
		name := event.Field(types.DataView)
		view, ok := types.ViewForName(name)
		if !ok {
			r.logger.Debug().Str("view", name).Msg("ignoring view change to unknown view")
			return
		}
		r.navigator.SwitchView(view)

	default:
		r.logger.Debug().Str("event", event.Name).Msg("ignoring unknown push event")
	}
}

func (r *Router) refresh(ctx context.Context, collections ...types.Collection) {
	for _, collection := range collections {
		r.sink.RequestRefresh(ctx, collection)
	}
}
