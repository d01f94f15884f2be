package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulk-action-pipeline/internal/models"
)

// ErrNotFound is returned when a bulk action id does not exist.
var ErrNotFound = errors.New("bulk action not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const actionColumns = `id, action_type, entity_type, status, file_path, total_count, processed_count, success_count, failure_count, skipped_count, created_at, updated_at`

// CreateAction inserts a QUEUED record with total_count 0, before any row of
// the file has been read.
func (s *Store) CreateAction(ctx context.Context, entityType, actionType, filePath string) (models.BulkAction, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bulk_actions (id, action_type, entity_type, status, file_path, total_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, id, actionType, entityType, models.StatusQueued, filePath, now)
	if err != nil {
		return models.BulkAction{}, fmt.Errorf("insert bulk action: %w", err)
	}
	return models.BulkAction{
		ID:         id,
		ActionType: actionType,
		EntityType: entityType,
		Status:     models.StatusQueued,
		FilePath:   filePath,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetAction fetches a bulk action by id.
func (s *Store) GetAction(ctx context.Context, id string) (models.BulkAction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM bulk_actions WHERE id = $1`, id)
	return scanAction(row)
}

// ListActions returns all bulk actions, newest first.
func (s *Store) ListActions(ctx context.Context) ([]models.BulkAction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+actionColumns+` FROM bulk_actions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list bulk actions: %w", err)
	}
	defer rows.Close()

	var out []models.BulkAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkProcessing records the real total once the producer finished streaming
// and flips the record to PROCESSING. Consumers may already have drained every
// batch by then, so the same statement performs the terminal check instead of
// waiting for an advance that will never come.
func (s *Store) MarkProcessing(ctx context.Context, id string, totalCount int64) (models.BulkAction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bulk_actions
		SET total_count = $2,
		    status = CASE
		        WHEN status IN ($3, $4) THEN status
		        WHEN $2 > 0 AND processed_count >= $2 THEN
		            CASE WHEN failure_count >= $2 THEN $4 ELSE $3 END
		        WHEN $2 = 0 THEN $3
		        ELSE $5
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+actionColumns,
		id, totalCount, models.StatusCompleted, models.StatusFailed, models.StatusProcessing)
	return scanAction(row)
}

// AdvanceParams carries one batch's contribution to the shared progress record.
type AdvanceParams struct {
	ActionID  string
	BatchID   string
	Processed int64
	Success   int64
	Failure   int64
	Skipped   int64
}

// Advance applies a batch's counters and, when processed_count reaches
// total_count, transitions the record to its terminal status, all in one
// atomic statement. A dedup mark per batch id makes redelivered batches
// no-ops; the second return value reports whether the counters were applied.
func (s *Store) Advance(ctx context.Context, p AdvanceParams) (models.BulkAction, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.BulkAction{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO batch_marks (batch_id, action_id) VALUES ($1, $2)
		ON CONFLICT (batch_id) DO NOTHING
	`, p.BatchID, p.ActionID)
	if err != nil {
		return models.BulkAction{}, false, fmt.Errorf("mark batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Redelivered batch, already counted.
		action, err := s.GetAction(ctx, p.ActionID)
		return action, false, err
	}

	// Column references in SET expressions read the pre-update row, so the
	// increments and the completion check are a single atomic step.
	row := tx.QueryRow(ctx, `
		UPDATE bulk_actions
		SET processed_count = processed_count + $2,
		    success_count = success_count + $3,
		    failure_count = failure_count + $4,
		    skipped_count = skipped_count + $5,
		    status = CASE
		        WHEN status IN ($6, $7) THEN status
		        WHEN total_count > 0 AND processed_count + $2 >= total_count THEN
		            CASE WHEN failure_count + $4 >= total_count THEN $7 ELSE $6 END
		        ELSE status
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+actionColumns,
		p.ActionID, p.Processed, p.Success, p.Failure, p.Skipped,
		models.StatusCompleted, models.StatusFailed)
	action, err := scanAction(row)
	if err != nil {
		return models.BulkAction{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.BulkAction{}, false, fmt.Errorf("commit advance: %w", err)
	}
	return action, true, nil
}

// RecordPoison archives a dead-lettered batch for manual inspection.
func (s *Store) RecordPoison(ctx context.Context, p models.PoisonBatch) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.MovedAt.IsZero() {
		p.MovedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO poison_batches (id, action_id, batch_id, retry_count, reason, error_message, payload, row_count, moved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.ActionID, p.BatchID, p.RetryCount, p.Reason, p.ErrorMessage, p.Payload, p.RowCount, p.MovedAt)
	if err != nil {
		return fmt.Errorf("insert poison batch: %w", err)
	}
	return nil
}

// ListPoison returns the newest dead-lettered batches.
func (s *Store) ListPoison(ctx context.Context, limit int) ([]models.PoisonBatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action_id, batch_id, retry_count, reason, error_message, payload, row_count, moved_at
		FROM poison_batches ORDER BY moved_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list poison batches: %w", err)
	}
	defer rows.Close()

	var out []models.PoisonBatch
	for rows.Next() {
		var p models.PoisonBatch
		if err := rows.Scan(&p.ID, &p.ActionID, &p.BatchID, &p.RetryCount, &p.Reason, &p.ErrorMessage, &p.Payload, &p.RowCount, &p.MovedAt); err != nil {
			return nil, fmt.Errorf("scan poison batch: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanAction(row pgx.Row) (models.BulkAction, error) {
	var a models.BulkAction
	err := row.Scan(&a.ID, &a.ActionType, &a.EntityType, &a.Status, &a.FilePath,
		&a.TotalCount, &a.ProcessedCount, &a.SuccessCount, &a.FailureCount, &a.SkippedCount,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BulkAction{}, ErrNotFound
	}
	if err != nil {
		return models.BulkAction{}, fmt.Errorf("scan bulk action: %w", err)
	}
	return a, nil
}
