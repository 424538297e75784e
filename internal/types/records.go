package types

import (
	"strconv"
	"time"
)

// Job priorities, pipeline stages, and research verdicts use the fixed
// vocabularies of the board.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"

	VerdictPursue = "Pursue"
	VerdictMaybe  = "Maybe"
	VerdictSkip   = "Skip"
)

// Job is a posting tracked through the pipeline. SortOrder is nil until the
// user reorders; unordered jobs sort after ordered ones.
type Job struct {
	JobID      string    `json:"job_id"`
	Title      string    `json:"title"`
	Company    string    `json:"company"`
	Location   string    `json:"location,omitempty"`
	Salary     string    `json:"salary,omitempty"`
	URL        string    `json:"url,omitempty"`
	Source     string    `json:"source,omitempty"`
	Level      string    `json:"level,omitempty"`
	Posted     string    `json:"posted,omitempty"`
	DaysAgo    int       `json:"days_ago,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Stage      View      `json:"stage,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Archived   bool      `json:"archived,omitempty"`
	Dead       bool      `json:"dead,omitempty"`
	SortOrder  *int      `json:"sort_order,omitempty"`
	IngestedAt time.Time `json:"ingested_at,omitempty"`
}

// Item flattens the job into the opaque reconciliation shape.
func (j Job) Item() Item {
	fields := map[string]string{
		"title":    j.Title,
		"company":  j.Company,
		"location": j.Location,
		"salary":   j.Salary,
		"level":    j.Level,
		"posted":   j.Posted,
		"days_ago": strconv.Itoa(j.DaysAgo),
		"priority": j.Priority,
		"stage":    string(j.Stage),
		"verdict":  j.Verdict,
		"source":   j.Source,
	}
	if j.Archived {
		fields["archived"] = "true"
	}
	return Item{ID: j.JobID, Fields: fields}
}

// Selection marks a job as picked for research, with attribution for who
// picked it.
type Selection struct {
	JobID      string    `json:"job_id"`
	Source     string    `json:"source"`
	SelectedAt time.Time `json:"selected_at,omitempty"`
}

// Item keys the selection by its job id.
func (s Selection) Item() Item {
	return Item{ID: s.JobID, Fields: map[string]string{"source": s.Source}}
}

// DeepDive is the research record for one job.
type DeepDive struct {
	JobID     string    `json:"job_id"`
	Verdict   string    `json:"verdict,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Content   string    `json:"content,omitempty"`
	Archived  bool      `json:"archived,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Item keys the research record by its job id; the full content stays on the
// record and is not dragged through reconciliation.
func (d DeepDive) Item() Item {
	fields := map[string]string{
		"verdict": d.Verdict,
		"summary": d.Summary,
	}
	if d.Archived {
		fields["archived"] = "true"
	}
	return Item{ID: d.JobID, Fields: fields}
}

// Application tracks prep material for a job the user is applying to.
type Application struct {
	ApplicationID string    `json:"application_id"`
	JobID         string    `json:"job_id"`
	Company       string    `json:"company"`
	Title         string    `json:"title"`
	Status        string    `json:"status,omitempty"`
	Archived      bool      `json:"archived,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Item flattens the application for the board.
func (a Application) Item() Item {
	fields := map[string]string{
		"job_id":  a.JobID,
		"company": a.Company,
		"title":   a.Title,
		"status":  a.Status,
	}
	if a.Archived {
		fields["archived"] = "true"
	}
	return Item{ID: a.ApplicationID, Fields: fields}
}

// BoardEvent is one appended entry of the board event log: the push event as
// broadcast, with its log position.
type BoardEvent struct {
	Seq       int64     `json:"seq,omitempty"`
	Board     string    `json:"board_id"`
	Event     PushEvent `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}
