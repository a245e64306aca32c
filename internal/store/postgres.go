package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"geo-content-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of work items and locations.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
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
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const itemColumns = `id::text, type, source_key, payload, status, attempts, last_error, next_run_at, created_at, updated_at`

// Add inserts a pending work item and returns its id. Duplicate source keys
// are allowed; callers check HasItem first when they need dedup.
func (s *Store) Add(ctx context.Context, itemType models.ItemType, payload any, sourceKey string) (string, error) {
	if !itemType.Valid() {
		return "", fmt.Errorf("add item: unknown type %q", itemType)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := uuid.New().String()
	now := s.now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO work_items (id, type, source_key, payload, status, attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6, $6)
	`, id, string(itemType), sourceKey, payloadJSON, models.StatusPending, now)
	if err != nil {
		return "", fmt.Errorf("insert work item: %w", err)
	}
	return id, nil
}

// HasItem reports whether an item with the source key exists in any of the
// given statuses. With no statuses, any status matches.
func (s *Store) HasItem(ctx context.Context, sourceKey string, statuses ...string) (bool, error) {
	var exists bool
	var err error
	if len(statuses) == 0 {
		err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM work_items WHERE source_key = $1)`, sourceKey).Scan(&exists)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM work_items WHERE source_key = $1 AND status = ANY($2))
		`, sourceKey, statuses).Scan(&exists)
	}
	if err != nil {
		return false, fmt.Errorf("query source key: %w", err)
	}
	return exists, nil
}

// Get fetches a work item by id.
func (s *Store) Get(ctx context.Context, id string) (models.WorkItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.WorkItem{}, fmt.Errorf("get %s: %w", id, models.ErrItemNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("get %s: %w", id, models.ErrItemNotFound)
	}
	return item, err
}

// GetPending returns up to limit runnable pending items of a type, oldest first.
func (s *Store) GetPending(ctx context.Context, itemType models.ItemType, limit int) ([]models.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM work_items
		WHERE type = $1 AND status = $2 AND next_run_at <= $3
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, string(itemType), models.StatusPending, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return items, nil
}

// MarkProcessing claims a pending item. It returns false when the item was
// not pending, which makes repeated or concurrent calls harmless.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $2, attempts = attempts + 1, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusProcessing, s.now(), models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDone transitions an item to done and clears any last error.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE work_items SET status = $2, last_error = NULL, updated_at = $3
		WHERE id = $1 AND status <> $2
	`, id, models.StatusDone, s.now())
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkFailed records the reason and moves the item to error. Done items are left alone.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE work_items SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status <> $5
	`, id, models.StatusError, reason, s.now(), models.StatusDone)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Release hands a processing item back to pending with a replacement payload,
// runnable again after delay.
func (s *Store) Release(ctx context.Context, id string, payload any, delay time.Duration) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := s.now()
	_, err = s.pool.Exec(ctx, `
		UPDATE work_items SET status = $2, payload = $3, next_run_at = $4, last_error = NULL, updated_at = $5
		WHERE id = $1 AND status = $6
	`, id, models.StatusPending, payloadJSON, now.Add(delay), now, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("release item: %w", err)
	}
	return nil
}

// ResetStuck returns processing items untouched for longer than timeout to pending.
func (s *Store) ResetStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET status = $1, updated_at = $2
		WHERE status = $3 AND updated_at < $4
	`, models.StatusPending, now, models.StatusProcessing, now.Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetryFailed moves every errored item back to pending and clears its error.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET status = $1, last_error = NULL, next_run_at = $2, updated_at = $2
		WHERE status = $3
	`, models.StatusPending, now, models.StatusError)
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueOrphans moves errored items of one type back to pending when they
// failed on a missing parent that has since been created.
func (s *Store) RequeueOrphans(ctx context.Context, itemType models.ItemType) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items w SET status = $1, last_error = NULL, next_run_at = $2, updated_at = $2
		WHERE w.type = $3 AND w.status = $4
		  AND left(w.last_error, char_length($5::text)) = $5::text
		  AND EXISTS (
			SELECT 1 FROM locations l
			WHERE l.natural_key = substr(w.last_error, char_length($5::text) + 1)
		  )
	`, models.StatusPending, now, string(itemType), models.StatusError, models.ParentMissing)
	if err != nil {
		return 0, fmt.Errorf("requeue orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Expedite makes deferred pending items with the source key runnable now.
func (s *Store) Expedite(ctx context.Context, sourceKey string) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET next_run_at = $1, updated_at = $1
		WHERE source_key = $2 AND status = $3 AND next_run_at > $1
	`, now, sourceKey, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("expedite %s: %w", sourceKey, err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts items grouped by type and status.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, status, COUNT(*) FROM work_items GROUP BY type, status`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := models.NewStats()
	for rows.Next() {
		var itemType, status string
		var n int64
		if err := rows.Scan(&itemType, &status, &n); err != nil {
			return models.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Add(itemType, status, n)
	}
	if err := rows.Err(); err != nil {
		return models.Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// Clear deletes every work item.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM work_items`); err != nil {
		return fmt.Errorf("clear work items: %w", err)
	}
	return nil
}

func scanItem(row pgx.Row) (models.WorkItem, error) {
	var item models.WorkItem
	var itemType string
	var payloadJSON []byte
	var lastErr pgtype.Text
	if err := row.Scan(&item.ID, &itemType, &item.SourceKey, &payloadJSON, &item.Status, &item.Attempts, &lastErr, &item.NextRunAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkItem{}, err
		}
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}
	item.Type = models.ItemType(itemType)
	if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	item.LastError = textPtr(lastErr)
	return item, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
