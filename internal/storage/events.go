package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/pipeline-board/internal/types"
)

// AppendEvent durably records a push event in the board log and returns it
// with its assigned sequence number. The log is the source of truth for
// catch-up reads and export gating.
func (s *BoardStore) AppendEvent(ctx context.Context, boardID string, event types.PushEvent) (types.BoardEvent, error) {
	ctx, span := tracer.Start(ctx, "board.AppendEvent")
	defer span.End()

	start := time.Now()
	defer func() {
		queryLatency.WithLabelValues("append_event").Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(event)
	if err != nil {
		return types.BoardEvent{}, fmt.Errorf("encode event: %w", err)
	}

	record := types.BoardEvent{Board: boardID, Event: event}
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO board_events (board_id, event)
			VALUES ($1, $2)
			RETURNING seq, created_at`, boardID, payload).
			Scan(&record.Seq, &record.CreatedAt)
	})
	if err != nil {
		return types.BoardEvent{}, err
	}
	return record, nil
}

// EventsSince reads the event log after the given sequence number in append
// order. A limit of zero means no limit.
func (s *BoardStore) EventsSince(ctx context.Context, boardID string, afterSeq int64, limit int) ([]types.BoardEvent, error) {
	query := `
		SELECT seq, board_id, event, created_at FROM board_events
		WHERE board_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []any{boardID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.BoardEvent
	for rows.Next() {
		var (
			record  types.BoardEvent
			payload []byte
		)
		if err := rows.Scan(&record.Seq, &record.Board, &payload, &record.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &record.Event); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", record.Seq, err)
		}
		events = append(events, record)
	}
	return events, rows.Err()
}

// LastEventSeq returns the newest sequence number in the board's log, zero
// when the log is empty.
func (s *BoardStore) LastEventSeq(ctx context.Context, boardID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM board_events WHERE board_id = $1`, boardID).Scan(&seq)
	return seq, err
}

// MutationCountSince counts logged events after the given sequence number,
// which is what gates the export worker.
func (s *BoardStore) MutationCountSince(ctx context.Context, boardID string, afterSeq int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM board_events WHERE board_id = $1 AND seq > $2`,
		boardID, afterSeq).Scan(&count)
	return count, err
}

// ActiveView returns the board's persisted view, defaulting to the selection
// step for boards that never switched.
func (s *BoardStore) ActiveView(ctx context.Context, boardID string) (types.View, error) {
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT view FROM board_views WHERE board_id = $1`, boardID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ViewSelect, nil
	}
	if err != nil {
		return "", err
	}
	view, ok := types.ViewForName(name)
	if !ok {
		return "", fmt.Errorf("board %s: stored view %q unknown", boardID, name)
	}
	return view, nil
}

// SetActiveView upserts the board's persisted view.
func (s *BoardStore) SetActiveView(ctx context.Context, boardID string, view types.View) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO board_views (board_id, view)
			VALUES ($1, $2)
			ON CONFLICT (board_id)
			DO UPDATE SET view = EXCLUDED.view, updated_at = now()`, boardID, string(view))
		return err
	})
}

// ExportRef points at one exported board document in object storage.
type ExportRef struct {
	ObjectPath string
	LastSeq    int64
	CreatedAt  time.Time
}

// RecordExport remembers that the board was exported up to lastSeq.
func (s *BoardStore) RecordExport(ctx context.Context, boardID, objectPath string, lastSeq int64) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO board_exports (board_id, object_path, last_seq)
			VALUES ($1, $2, $3)`, boardID, objectPath, lastSeq)
		return err
	})
}

// LastExport returns the most recent export reference, or a zero ref when
// the board has never been exported.
func (s *BoardStore) LastExport(ctx context.Context, boardID string) (ExportRef, error) {
	var ref ExportRef
	err := s.pool.QueryRow(ctx, `
		SELECT object_path, last_seq, created_at FROM board_exports
		WHERE board_id = $1
		ORDER BY last_seq DESC, created_at DESC
		LIMIT 1`, boardID).
		Scan(&ref.ObjectPath, &ref.LastSeq, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExportRef{}, nil
	}
	return ref, err
}

// RecordBacklogMetric publishes how many events accumulated past the last
// export.
func (s *BoardStore) RecordBacklogMetric(boardID string, pending int64) {
	eventBacklog.WithLabelValues(boardID).Set(float64(pending))
}
