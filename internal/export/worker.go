package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/storage"
	"github.com/example/pipeline-board/internal/types"
)

const (
	defaultInterval  = 30 * time.Second
	defaultThreshold = int64(25)
)

// Payload is the full board state persisted inside an object storage export.
type Payload struct {
	BoardID      string              `json:"board_id"`
	LastSeq      int64               `json:"last_seq"`
	ExportedAt   time.Time           `json:"exported_at"`
	Jobs         []types.Job         `json:"jobs"`
	Selections   []types.Selection   `json:"selections"`
	DeepDives    []types.DeepDive    `json:"deep_dives"`
	Applications []types.Application `json:"applications"`
}

// ApplicationPayload is the record written by a single-application export.
type ApplicationPayload struct {
	Application types.Application `json:"application"`
	DeepDive    *types.DeepDive   `json:"deep_dive,omitempty"`
	ExportedAt  time.Time         `json:"exported_at"`
}

// Worker periodically inspects board mutation volume and emits full-state
// exports to object storage once enough events have accumulated since the
// previous export.
type Worker struct {
	store  *storage.BoardStore
	object *minio.Client
	bucket string
	board  string

	interval  time.Duration
	threshold int64

	logger zerolog.Logger
}

// Option tunes worker behavior.
type Option func(*Worker)

// WithInterval overrides the inspection cadence.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithThreshold overrides the pending-event count that triggers an export.
func WithThreshold(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.threshold = n
		}
	}
}

// NewWorker constructs an export worker with sane defaults.
func NewWorker(store *storage.BoardStore, object *minio.Client, bucket, board string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:     store,
		object:    object,
		bucket:    bucket,
		board:     board,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		logger:    logger.With().Str("component", "export").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic export loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Str("board", w.board).Msg("board export failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce checks the mutation backlog and exports if the threshold is met.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	last, err := w.store.LastExport(ctx, w.board)
	if err != nil {
		return fmt.Errorf("lookup last export: %w", err)
	}

	pending, err := w.store.MutationCountSince(ctx, w.board, last.LastSeq)
	if err != nil {
		return fmt.Errorf("count pending events: %w", err)
	}
	w.store.RecordBacklogMetric(w.board, pending)

	if pending < w.threshold {
		return nil
	}

	lastSeq, err := w.store.LastEventSeq(ctx, w.board)
	if err != nil {
		return fmt.Errorf("lookup last event seq: %w", err)
	}

	payload, err := w.buildPayload(ctx, lastSeq)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode export payload: %w", err)
	}

	objectPath := fmt.Sprintf("exports/%s/%d.json", w.board, lastSeq)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}

	if err := w.store.RecordExport(ctx, w.board, objectPath, lastSeq); err != nil {
		return fmt.Errorf("persist export ref: %w", err)
	}

	w.logger.Info().Str("board", w.board).Int64("last_seq", lastSeq).Str("object", objectPath).Msg("board exported")
	return nil
}

func (w *Worker) buildPayload(ctx context.Context, lastSeq int64) (Payload, error) {
	jobs, err := w.store.ListJobs(ctx, true)
	if err != nil {
		return Payload{}, fmt.Errorf("list jobs: %w", err)
	}
	selections, err := w.store.ListSelections(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("list selections: %w", err)
	}
	dives, err := w.store.ListDeepDives(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("list deep dives: %w", err)
	}
	applications, err := w.store.ListApplications(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("list applications: %w", err)
	}

	return Payload{
		BoardID:      w.board,
		LastSeq:      lastSeq,
		ExportedAt:   time.Now().UTC(),
		Jobs:         jobs,
		Selections:   selections,
		DeepDives:    dives,
		Applications: applications,
	}, nil
}

// ExportApplication writes one application record, with its deep dive when
// present, and returns the object path it was stored under.
func (w *Worker) ExportApplication(ctx context.Context, applicationID string) (string, error) {
	if w.object == nil {
		return "", fmt.Errorf("object storage client not configured")
	}

	app, err := w.store.GetApplication(ctx, applicationID)
	if err != nil {
		return "", fmt.Errorf("lookup application: %w", err)
	}

	payload := ApplicationPayload{
		Application: app,
		ExportedAt:  time.Now().UTC(),
	}
	dive, err := w.store.GetDeepDive(ctx, app.JobID)
	switch {
	case err == nil:
		payload.DeepDive = &dive
	case errors.Is(err, storage.ErrNotFound):
		// Applications can exist without research attached.
	default:
		return "", fmt.Errorf("lookup deep dive: %w", err)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode application payload: %w", err)
	}

	objectPath := fmt.Sprintf("applications/%s/%s.json", w.board, applicationID)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("upload application export: %w", err)
	}

	w.logger.Info().Str("application_id", applicationID).Str("object", objectPath).Msg("application exported")
	return objectPath, nil
}
