// Package postgres provides the PostgreSQL queue store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/notifyq/internal/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `
	id, notification_id, recipient_ids, payload, status, attempts, max_attempts,
	not_before, created_at, updated_at, processed_at, completed_at,
	COALESCE(last_error, ''), error_history, COALESCE(batch_id, ''), results
`

// Repository implements queue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new item.
func (r *Repository) Create(ctx context.Context, item *queue.Item) error {
	args, err := insertArgs(item)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, insertQuery, args...); err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// CreateBatch inserts items in one transaction.
func (r *Repository) CreateBatch(ctx context.Context, items []*queue.Item) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, item := range items {
		args, err := insertArgs(item)
		if err != nil {
			return err
		}
		batch.Queue(insertQuery, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert queue batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const insertQuery = `
	INSERT INTO queue_items (
		id, notification_id, recipient_ids, payload, status, attempts, max_attempts,
		not_before, created_at, updated_at, error_history, batch_id, results
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13)
`

func insertArgs(item *queue.Item) ([]any, error) {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	history, results, err := marshalHistory(item)
	if err != nil {
		return nil, err
	}
	return []any{
		item.ID,
		item.NotificationID,
		item.RecipientIDs,
		payload,
		item.Status,
		item.Attempts,
		item.MaxAttempts,
		item.NotBefore,
		item.CreatedAt,
		item.UpdatedAt,
		history,
		item.BatchID,
		results,
	}, nil
}

func marshalHistory(item *queue.Item) (history, results []byte, err error) {
	h := item.ErrorHistory
	if h == nil {
		h = []queue.ErrorEntry{}
	}
	res := item.Results
	if res == nil {
		res = []queue.RecipientResult{}
	}
	if history, err = json.Marshal(h); err != nil {
		return nil, nil, fmt.Errorf("marshal error history: %w", err)
	}
	if results, err = json.Marshal(res); err != nil {
		return nil, nil, fmt.Errorf("marshal results: %w", err)
	}
	return history, results, nil
}

// canonicalID returns id in the form stored in the uuid column, or false
// when id cannot name any item.
func canonicalID(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// Get retrieves an item by id.
func (r *Repository) Get(ctx context.Context, id string) (*queue.Item, error) {
	id, ok := canonicalID(id)
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// List returns items newest first.
func (r *Repository) List(ctx context.Context, filter queue.Filter) ([]*queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR batch_id = $2)
		ORDER BY created_at DESC, id
		LIMIT $3
	`
	return r.queryItems(ctx, query, string(filter.Status), filter.BatchID, filter.Limit)
}

// FetchDue returns due pending items ordered by not_before, then creation.
func (r *Repository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = 'pending' AND not_before <= $1
		ORDER BY not_before ASC, created_at ASC, id
		LIMIT $2
	`
	return r.queryItems(ctx, query, now, limit)
}

// Claim flips a pending item to processing with a conditional update.
func (r *Repository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	id, ok := canonicalID(id)
	if !ok {
		return false, nil
	}
	query := `
		UPDATE queue_items
		SET status = 'processing', processed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("claim queue item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Touch refreshes processed_at of an item that is still processing.
func (r *Repository) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	id, ok := canonicalID(id)
	if !ok {
		return false, nil
	}
	query := `
		UPDATE queue_items
		SET processed_at = $2
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("touch queue item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Update writes the mutable fields of item when its stored status equals from.
func (r *Repository) Update(ctx context.Context, item *queue.Item, from queue.Status) error {
	id, ok := canonicalID(item.ID)
	if !ok {
		return queue.ErrItemNotFound
	}
	history, results, err := marshalHistory(item)
	if err != nil {
		return err
	}

	query := `
		UPDATE queue_items
		SET status = $3, attempts = $4, not_before = $5, updated_at = $6,
		    processed_at = $7, completed_at = $8, last_error = NULLIF($9, ''),
		    error_history = $10, results = $11
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.Exec(ctx, query,
		id,
		from,
		item.Status,
		item.Attempts,
		item.NotBefore,
		item.UpdatedAt,
		item.ProcessedAt,
		item.CompletedAt,
		item.LastError,
		history,
		results,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM queue_items WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check queue item: %w", err)
	}
	if !exists {
		return queue.ErrItemNotFound
	}
	return queue.ErrStatusChanged
}

// Purge deletes terminal items last updated before cutoff.
func (r *Repository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM queue_items
		WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecoverStuck charges an attempt to items claimed before cutoff and
// returns them to pending, due now, or fails those out of attempts.
func (r *Repository) RecoverStuck(ctx context.Context, cutoff, now time.Time) (int64, error) {
	query := `
		UPDATE queue_items
		SET attempts = LEAST(attempts + 1, max_attempts),
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE completed_at END,
		    not_before = GREATEST(not_before, $2),
		    last_error = $3,
		    error_history = error_history || jsonb_build_array(jsonb_build_object(
		        'attempt', attempts + 1, 'error', $3::text, 'at', $2::timestamptz)),
		    updated_at = $2
		WHERE status = 'processing' AND processed_at < $1
	`
	result, err := r.db.Exec(ctx, query, cutoff, now, queue.InterruptedError)
	if err != nil {
		return 0, fmt.Errorf("recover stuck queue items: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountByStatus counts items per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[queue.Status]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.Status]int64, len(queue.AllStatuses))
	for rows.Next() {
		var status queue.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CompletionStats aggregates items completed since the given instant.
func (r *Repository) CompletionStats(ctx context.Context, since time.Time) (queue.CompletionStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - processed_at)))
				FILTER (WHERE status = 'sent' AND processed_at IS NOT NULL), 0)::float8
		FROM queue_items
		WHERE status IN ('sent', 'failed') AND completed_at >= $1
	`
	var stats queue.CompletionStats
	if err := r.db.QueryRow(ctx, query, since).Scan(&stats.Sent, &stats.Failed, &stats.AvgProcessingSeconds); err != nil {
		return stats, fmt.Errorf("queue completion stats: %w", err)
	}
	return stats, nil
}

func (r *Repository) queryItems(ctx context.Context, query string, args ...any) ([]*queue.Item, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	items := make([]*queue.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (*queue.Item, error) {
	var (
		item                      queue.Item
		payload, history, results []byte
	)
	err := row.Scan(
		&item.ID,
		&item.NotificationID,
		&item.RecipientIDs,
		&payload,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.NotBefore,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ProcessedAt,
		&item.CompletedAt,
		&item.LastError,
		&history,
		&item.BatchID,
		&results,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &item.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(history, &item.ErrorHistory); err != nil {
		return nil, fmt.Errorf("unmarshal error history: %w", err)
	}
	if err := json.Unmarshal(results, &item.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	return &item, nil
}
