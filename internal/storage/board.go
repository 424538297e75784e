// Package storage persists the board behind the REST surface: job rows with
// their manual ordering, selections, deep dives, applications, and the
// append-only board event log used for push catch-up and export gating.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/pipeline-board/internal/types"
)

// ErrNotFound reports a record that does not exist.
var ErrNotFound = errors.New("not found")

// ErrJobDead reports an archive-state change attempted on a job whose
// posting has disappeared upstream; dead jobs are frozen where they are.
var ErrJobDead = errors.New("job marked dead")

// BoardStore provides persistence for all board collections.
type BoardStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// BoardOption configures a BoardStore.
type BoardOption func(*BoardStore)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) BoardOption {
	return func(s *BoardStore) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) BoardOption {
	return func(s *BoardStore) {
		s.retryDelay = d
	}
}

// NewBoardStore constructs a store over the provided Postgres pool.
func NewBoardStore(pool *pgxpool.Pool, opts ...BoardOption) *BoardStore {
	s := &BoardStore{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id      TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		company     TEXT NOT NULL,
		location    TEXT NOT NULL DEFAULT '',
		salary      TEXT NOT NULL DEFAULT '',
		url         TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		level       TEXT NOT NULL DEFAULT '',
		posted      TEXT NOT NULL DEFAULT '',
		days_ago    INT NOT NULL DEFAULT 0,
		priority    TEXT NOT NULL DEFAULT '',
		stage       TEXT NOT NULL DEFAULT 'select',
		verdict     TEXT NOT NULL DEFAULT '',
		archived    BOOLEAN NOT NULL DEFAULT FALSE,
		dead        BOOLEAN NOT NULL DEFAULT FALSE,
		sort_order  INT,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS selections (
		job_id      TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
		source      TEXT NOT NULL DEFAULT 'manual',
		selected_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS deep_dives (
		job_id     TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
		verdict    TEXT NOT NULL DEFAULT '',
		summary    TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL DEFAULT '',
		archived   BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS applications (
		application_id TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		company        TEXT NOT NULL DEFAULT '',
		title          TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'draft',
		archived       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS board_events (
		seq        BIGSERIAL PRIMARY KEY,
		board_id   TEXT NOT NULL,
		event      JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS board_events_board_seq ON board_events (board_id, seq)`,
	`CREATE TABLE IF NOT EXISTS board_views (
		board_id   TEXT PRIMARY KEY,
		view       TEXT NOT NULL DEFAULT 'select',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS board_exports (
		board_id    TEXT NOT NULL,
		object_path TEXT NOT NULL,
		last_seq    BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (board_id, object_path)
	)`,
}

// Migrate creates the schema when it does not exist yet.
func (s *BoardStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const jobColumns = `job_id, title, company, location, salary, url, source, level, posted,
	days_ago, priority, stage, verdict, archived, dead, sort_order, ingested_at`

// ListJobs returns the board's jobs in display order: manual sort positions
// first, never-positioned rows after them by ingestion time.
func (s *BoardStore) ListJobs(ctx context.Context, includeArchived bool) ([]types.Job, error) {
	ctx, span := tracer.Start(ctx, "board.ListJobs")
	defer span.End()

	start := time.Now()
	defer func() {
		queryLatency.WithLabelValues("list_jobs").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if !includeArchived {
		query += ` WHERE archived = FALSE`
	}
	query += ` ORDER BY sort_order ASC NULLS LAST, ingested_at ASC, job_id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpsertJobs inserts or refreshes ingested job rows. Archive state, death
// markers, and manual sort positions are board-owned and never overwritten
// by re-ingestion.
func (s *BoardStore) UpsertJobs(ctx context.Context, jobs []types.Job) error {
	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, job := range jobs {
			if job.IngestedAt.IsZero() {
				job.IngestedAt = time.Now().UTC()
			}
			_, err := tx.Exec(ctx, `
INSERT INTO jobs (job_id, title, company, location, salary, url, source, level, posted,
	days_ago, priority, stage, verdict, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (job_id) DO UPDATE SET
	title = EXCLUDED.title,
	company = EXCLUDED.company,
	location = EXCLUDED.location,
	salary = EXCLUDED.salary,
	url = EXCLUDED.url,
	source = EXCLUDED.source,
	level = EXCLUDED.level,
	posted = EXCLUDED.posted,
	days_ago = EXCLUDED.days_ago,
	priority = EXCLUDED.priority,
	verdict = EXCLUDED.verdict`,
				job.JobID, job.Title, job.Company, job.Location, job.Salary, job.URL,
				job.Source, job.Level, job.Posted, job.DaysAgo, job.Priority,
				stageOrDefault(job.Stage), job.Verdict, job.IngestedAt,
			)
			if err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

// ReorderJobs persists a manual ordering: each listed job gets its position
// as sort_order. Ids no longer on the board are skipped, since a reorder can
// legitimately race an archive. Returns how many rows were positioned.
func (s *BoardStore) ReorderJobs(ctx context.Context, orderedIDs []string) (int, error) {
	ctx, span := tracer.Start(ctx, "board.ReorderJobs")
	defer span.End()

	start := time.Now()
	defer func() {
		queryLatency.WithLabelValues("reorder_jobs").Observe(time.Since(start).Seconds())
	}()

	var count int
	err := s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		count = 0
		for position, id := range orderedIDs {
			tag, err := tx.Exec(ctx, `UPDATE jobs SET sort_order = $1 WHERE job_id = $2`, position, id)
			if err != nil {
				return err
			}
			count += int(tag.RowsAffected())
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SetArchived flips the archive flag on the given jobs. Every id must exist
// and none may be dead; dead postings stay exactly where they are.
func (s *BoardStore) SetArchived(ctx context.Context, jobIDs []string, archived bool) error {
	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, id := range jobIDs {
			var dead bool
			err := tx.QueryRow(ctx, `SELECT dead FROM jobs WHERE job_id = $1`, id).Scan(&dead)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("job %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return err
			}
			// A dead posting stays archived; only unarchive is refused.
			if dead && !archived {
				return fmt.Errorf("job %s: %w", id, ErrJobDead)
			}
			if _, err := tx.Exec(ctx, `UPDATE jobs SET archived = $1 WHERE job_id = $2`, archived, id); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

// MarkDead flags jobs whose upstream posting disappeared and archives them
// in the same stroke, which is why they drop off the active board.
func (s *BoardStore) MarkDead(ctx context.Context, jobIDs []string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET dead = TRUE, archived = TRUE WHERE job_id = ANY($1)`, jobIDs)
	return err
}

// ListSelections returns selections in the order they were made.
func (s *BoardStore) ListSelections(ctx context.Context) ([]types.Selection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, source, selected_at FROM selections
		ORDER BY selected_at ASC, job_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var selections []types.Selection
	for rows.Next() {
		var sel types.Selection
		if err := rows.Scan(&sel.JobID, &sel.Source, &sel.SelectedAt); err != nil {
			return nil, err
		}
		selections = append(selections, sel)
	}
	return selections, rows.Err()
}

// SelectJobs marks jobs as selected, recording which actor selected them.
// Reselecting updates the attribution and timestamp.
func (s *BoardStore) SelectJobs(ctx context.Context, jobIDs []string, source string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, id := range jobIDs {
			_, err := tx.Exec(ctx, `
				INSERT INTO selections (job_id, source)
				VALUES ($1, $2)
				ON CONFLICT (job_id)
				DO UPDATE SET source = EXCLUDED.source, selected_at = now()`, id, source)
			if err != nil {
				return mapReferenceError(err)
			}
		}

		return tx.Commit(ctx)
	})
}

// DeselectJobs removes jobs from the selection set. Unknown ids are ignored.
func (s *BoardStore) DeselectJobs(ctx context.Context, jobIDs []string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM selections WHERE job_id = ANY($1)`, jobIDs)
	return err
}

// ListDeepDives returns research records, most recently touched first.
func (s *BoardStore) ListDeepDives(ctx context.Context) ([]types.DeepDive, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, verdict, summary, content, archived, updated_at FROM deep_dives
		WHERE archived = FALSE
		ORDER BY updated_at DESC, job_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dives []types.DeepDive
	for rows.Next() {
		var dive types.DeepDive
		if err := rows.Scan(&dive.JobID, &dive.Verdict, &dive.Summary, &dive.Content, &dive.Archived, &dive.UpdatedAt); err != nil {
			return nil, err
		}
		dives = append(dives, dive)
	}
	return dives, rows.Err()
}

// GetDeepDive returns the research record for one job.
func (s *BoardStore) GetDeepDive(ctx context.Context, jobID string) (types.DeepDive, error) {
	var dive types.DeepDive
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, verdict, summary, content, archived, updated_at
		FROM deep_dives WHERE job_id = $1`, jobID).
		Scan(&dive.JobID, &dive.Verdict, &dive.Summary, &dive.Content, &dive.Archived, &dive.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.DeepDive{}, fmt.Errorf("deep dive %s: %w", jobID, ErrNotFound)
	}
	return dive, err
}

// PutDeepDive creates or replaces a research record.
func (s *BoardStore) PutDeepDive(ctx context.Context, dive types.DeepDive) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO deep_dives (job_id, verdict, summary, content, archived, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (job_id)
			DO UPDATE SET verdict = EXCLUDED.verdict, summary = EXCLUDED.summary,
				content = EXCLUDED.content, archived = EXCLUDED.archived, updated_at = now()`,
			dive.JobID, dive.Verdict, dive.Summary, dive.Content, dive.Archived)
		return mapReferenceError(err)
	})
}

// DeleteDeepDive removes a research record.
func (s *BoardStore) DeleteDeepDive(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deep_dives WHERE job_id = $1`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deep dive %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// ListApplications returns applications in creation order.
func (s *BoardStore) ListApplications(ctx context.Context) ([]types.Application, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT application_id, job_id, company, title, status, archived, created_at, updated_at
		FROM applications
		WHERE archived = FALSE
		ORDER BY created_at ASC, application_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []types.Application
	for rows.Next() {
		var app types.Application
		if err := rows.Scan(&app.ApplicationID, &app.JobID, &app.Company, &app.Title,
			&app.Status, &app.Archived, &app.CreatedAt, &app.UpdatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// GetApplication returns one application.
func (s *BoardStore) GetApplication(ctx context.Context, applicationID string) (types.Application, error) {
	var app types.Application
	err := s.pool.QueryRow(ctx, `
		SELECT application_id, job_id, company, title, status, archived, created_at, updated_at
		FROM applications WHERE application_id = $1`, applicationID).
		Scan(&app.ApplicationID, &app.JobID, &app.Company, &app.Title,
			&app.Status, &app.Archived, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Application{}, fmt.Errorf("application %s: %w", applicationID, ErrNotFound)
	}
	return app, err
}

// CreateApplication opens a pipeline record for a job, copying its company
// and title at creation time.
func (s *BoardStore) CreateApplication(ctx context.Context, applicationID, jobID string) (types.Application, error) {
	var app types.Application
	err := s.retry(ctx, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO applications (application_id, job_id, company, title)
			SELECT $1, job_id, company, title FROM jobs WHERE job_id = $2
			RETURNING application_id, job_id, company, title, status, archived, created_at, updated_at`,
			applicationID, jobID).
			Scan(&app.ApplicationID, &app.JobID, &app.Company, &app.Title,
				&app.Status, &app.Archived, &app.CreatedAt, &app.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return types.Application{}, err
	}
	return app, nil
}

// SetApplicationStatus advances an application through the pipeline.
func (s *BoardStore) SetApplicationStatus(ctx context.Context, applicationID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET status = $1, updated_at = now()
		WHERE application_id = $2`, status, applicationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %s: %w", applicationID, ErrNotFound)
	}
	return nil
}

// SetApplicationArchived moves an application in or out of the archive.
func (s *BoardStore) SetApplicationArchived(ctx context.Context, applicationID string, archived bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET archived = $1, updated_at = now()
		WHERE application_id = $2`, archived, applicationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %s: %w", applicationID, ErrNotFound)
	}
	return nil
}

func scanJob(rows pgx.Rows) (types.Job, error) {
	var job types.Job
	err := rows.Scan(&job.JobID, &job.Title, &job.Company, &job.Location, &job.Salary,
		&job.URL, &job.Source, &job.Level, &job.Posted, &job.DaysAgo, &job.Priority,
		&job.Stage, &job.Verdict, &job.Archived, &job.Dead, &job.SortOrder, &job.IngestedAt)
	return job, err
}

func stageOrDefault(stage types.View) types.View {
	if stage == "" {
		return types.ViewSelect
	}
	return stage
}

// mapReferenceError converts a foreign-key violation into ErrNotFound, since
// it always means the referenced job left the board.
func mapReferenceError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("referenced job: %w", ErrNotFound)
	}
	return err
}

func (s *BoardStore) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
