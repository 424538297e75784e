package types

// Collection names an identity-keyed list kept live on the board.
type Collection string

const (
	CollectionJobs         Collection = "jobs"
	CollectionSelections   Collection = "selections"
	CollectionDeepDives    Collection = "deep_dives"
	CollectionApplications Collection = "applications"
)

// Collections lists every collection in refresh order.
func Collections() []Collection {
	return []Collection{CollectionJobs, CollectionSelections, CollectionDeepDives, CollectionApplications}
}

// View identifies a top-level board step.
type View string

const (
	ViewSelect      View = "select"
	ViewDeepDive    View = "deep_dive"
	ViewApplication View = "application"
)

// Step returns the 1-based step number shown in the UI, or 0 for an unknown
// view.
func (v View) Step() int {
	switch v {
	case ViewSelect:
		return 1
	case ViewDeepDive:
		return 2
	case ViewApplication:
		return 3
	default:
		return 0
	}
}

// ViewForName parses a view name received over the wire.
func ViewForName(name string) (View, bool) {
	switch View(name) {
	case ViewSelect, ViewDeepDive, ViewApplication:
		return View(name), true
	default:
		return "", false
	}
}

// Push event vocabulary. Producers are the REST mutation handlers; consumers
// are EventRouter instances on the other end of the push channel.
const (
	EventJobsUpdated         = "jobs_updated"
	EventSelectionChanged    = "selection_changed"
	EventDeepDivesChanged    = "deep_dives_changed"
	EventDeepDiveUpdated     = "deep_dive_updated"
	EventApplicationsChanged = "applications_changed"
	EventApplicationUpdated  = "application_updated"
	EventViewChanged         = "view_changed"
)

// Well-known PushEvent data keys.
const (
	DataJobID         = "job_id"
	DataApplicationID = "application_id"
	DataView          = "view"
)

// PushEvent is the tagged wire event exchanged over the push channel:
// {"event": <name>, "data": {...}}. Data carries at minimum the id of the
// affected record when applicable.
type PushEvent struct {
	Name string            `json:"event"`
	Data map[string]string `json:"data,omitempty"`
}

// NewPushEvent builds an event from a name and alternating key/value pairs.
func NewPushEvent(name string, kv ...string) PushEvent {
	ev := PushEvent{Name: name}
	if len(kv) > 0 {
		ev.Data = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			ev.Data[kv[i]] = kv[i+1]
		}
	}
	return ev
}

// Field returns the named data field, or "" when absent.
func (e PushEvent) Field(key string) string {
	if e.Data == nil {
		return ""
	}
	return e.Data[key]
}

// Item is one entity of a collection under reconciliation. The id is stable
// across snapshots; domain fields are carried opaquely as strings and only
// consulted for display and column sorting.
type Item struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Field returns a domain field value, or "" when absent.
func (it Item) Field(key string) string {
	if it.Fields == nil {
		return ""
	}
	return it.Fields[key]
}

// Clone returns a deep copy so frozen exit copies cannot alias live state.
func (it Item) Clone() Item {
	clone := Item{ID: it.ID}
	if it.Fields != nil {
		clone.Fields = make(map[string]string, len(it.Fields))
		for k, v := range it.Fields {
			clone.Fields[k] = v
		}
	}
	return clone
}

// Snapshot is one complete ordered view of a collection at an instant. It is
// replaced wholesale on refresh and never mutated in place.
type Snapshot []Item

// IDs returns the ordered id sequence of the snapshot.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s))
	for i, it := range s {
		ids[i] = it.ID
	}
	return ids
}

// Index returns the position of id within the snapshot, or -1.
func (s Snapshot) Index(id string) int {
	for i, it := range s {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Contains reports whether id is present.
func (s Snapshot) Contains(id string) bool {
	return s.Index(id) >= 0
}

// Find returns the item carrying id.
func (s Snapshot) Find(id string) (Item, bool) {
	if i := s.Index(id); i >= 0 {
		return s[i], true
	}
	return Item{}, false
}

// Clone copies the snapshot including item fields.
func (s Snapshot) Clone() Snapshot {
	clone := make(Snapshot, len(s))
	for i, it := range s {
		clone[i] = it.Clone()
	}
	return clone
}
