package store

import (
	"context"
	"database/sql"
	"errors"
)

// QueueItem mirrors the data model entity (§3): an opaque payload plus
// idempotency and retry metadata.
type QueueItem struct {
	ID             string
	Payload        []byte
	Type           string
	IdempotencyKey string
	RetryCount     int
	NextRetryAtMs  int64
	CreatedAtMs    int64
}

// DeadLetter is a QueueItem that exceeded maxRetry, plus the time it failed.
type DeadLetter struct {
	QueueItem
	FailedAtMs int64
}

// Enqueue inserts a queue item. If idempotencyKey already exists on an
// unsent item, the existing id is returned instead of inserting a
// duplicate (§4.2: "Enqueue is rejected if idempotencyKey already exists
// with an unsent item").
func (s *Store) Enqueue(ctx context.Context, id string, payload []byte, itemType, idempotencyKey string, nowMsVal int64) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM queue WHERE idempotency_key = ?`, idempotencyKey).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return "", &ErrTransientIO{Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue (id, payload, type, idempotency_key, retry_count, next_retry_at_ms, created_at_ms)
VALUES (?, ?, ?, ?, 0, ?, ?)
`, id, payload, itemType, idempotencyKey, nowMsVal, nowMsVal)
	if err != nil {
		return "", &ErrTransientIO{Err: err}
	}
	return id, nil
}

// ReadQueue returns up to limit queue items whose nextRetryAt has elapsed,
// oldest-first by createdAt (§5 ordering guarantee). limit<=0 means "all".
func (s *Store) ReadQueue(ctx context.Context, nowMsVal int64, limit int) ([]QueueItem, error) {
	q := `
SELECT id, payload, type, idempotency_key, retry_count, next_retry_at_ms, created_at_ms
FROM queue
WHERE next_retry_at_ms <= ?
ORDER BY created_at_ms ASC`
	args := []any{nowMsVal}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &ErrTransientIO{Err: err}
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var it QueueItem
		var itemType sql.NullString
		if err := rows.Scan(&it.ID, &it.Payload, &itemType, &it.IdempotencyKey, &it.RetryCount, &it.NextRetryAtMs, &it.CreatedAtMs); err != nil {
			s.logSkip("queue row", err)
			continue
		}
		it.Type = itemType.String
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrTransientIO{Err: err}
	}
	return out, nil
}

// QueueCount returns the total number of pending queue rows, irrespective
// of next_retry_at_ms (used for the QueueDepth gauge, §10).
func (s *Store) QueueCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, &ErrTransientIO{Err: err}
	}
	return n, nil
}

// UpdateRetry advances an item's retry bookkeeping (monotonically
// non-decreasing per §3's global invariant — callers must pass
// non-decreasing values).
func (s *Store) UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAtMs int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE queue SET retry_count = ?, next_retry_at_ms = ? WHERE id = ?
`, retryCount, nextRetryAtMs, id); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// DeleteQueueItems removes the given ids after a successful delivery.
func (s *Store) DeleteQueueItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM queue WHERE id = ?`)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return &ErrTransientIO{Err: err}
		}
	}
	return wrapCommit(tx)
}

// ClearQueue deletes every queue row.
func (s *Store) ClearQueue(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// PruneQueue applies the same age-then-count policy as PruneLocations.
func (s *Store) PruneQueue(ctx context.Context, maxDays, maxRecords int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if maxDays > 0 {
		cutoff := nowMs() - int64(maxDays)*24*3600*1000
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE created_at_ms < ?`, cutoff); err != nil {
			return &ErrTransientIO{Err: err}
		}
	}
	if maxRecords > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM queue WHERE id NOT IN (
	SELECT id FROM queue ORDER BY created_at_ms DESC LIMIT ?
)`, maxRecords); err != nil {
			return &ErrTransientIO{Err: err}
		}
	}
	return wrapCommit(tx)
}

func wrapCommit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

func (s *Store) logSkip(what string, err error) {
	s.log.Error("store: skipping malformed "+what, zapErr(err))
}
