package store

import (
	"context"
	"database/sql"
)

// MoveToDeadLetter transactionally removes id from the queue and appends it
// to dead-letter, then evicts dead-letter rows beyond the newest 100 by
// failedAt (§4.2, §3 DeadLetter bound). Grounded on flowd's journal
// eviction transaction shape (coredb/journal.go Append), adapted from a
// byte-budget eviction to a count bound since §3 specifies "newest N
// (default 100)" rather than a byte ceiling.
const DeadLetterMaxRecords = 100

func (s *Store) MoveToDeadLetter(ctx context.Context, id string, failedAtMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var it QueueItem
	var itemType sql.NullString
	row := tx.QueryRowContext(ctx, `
SELECT id, payload, type, idempotency_key, retry_count, next_retry_at_ms, created_at_ms
FROM queue WHERE id = ?`, id)
	if err := row.Scan(&it.ID, &it.Payload, &itemType, &it.IdempotencyKey, &it.RetryCount, &it.NextRetryAtMs, &it.CreatedAtMs); err != nil {
		return &ErrTransientIO{Err: err}
	}
	it.Type = itemType.String

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return &ErrTransientIO{Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO dead_letter (id, payload, type, idempotency_key, retry_count, created_at_ms, failed_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, it.ID, it.Payload, it.Type, it.IdempotencyKey, it.RetryCount, it.CreatedAtMs, failedAtMs); err != nil {
		return &ErrTransientIO{Err: err}
	}
	res, err := tx.ExecContext(ctx, `
DELETE FROM dead_letter WHERE id NOT IN (
	SELECT id FROM dead_letter ORDER BY failed_at_ms DESC LIMIT ?
)`, DeadLetterMaxRecords)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	if err := wrapCommit(tx); err != nil {
		return err
	}
	if s.metrics != nil {
		if evicted, _ := res.RowsAffected(); evicted > 0 {
			s.metrics.StoreEvictionsTotal.WithLabelValues("dead_letter").Add(float64(evicted))
		}
	}
	return nil
}

// ReadDeadLetters returns up to limit dead-letter rows, newest-first.
func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q := `
SELECT id, payload, type, idempotency_key, retry_count, created_at_ms, failed_at_ms
FROM dead_letter ORDER BY failed_at_ms DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &ErrTransientIO{Err: err}
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var itemType sql.NullString
		if err := rows.Scan(&dl.ID, &dl.Payload, &itemType, &dl.IdempotencyKey, &dl.RetryCount, &dl.CreatedAtMs, &dl.FailedAtMs); err != nil {
			s.logSkip("dead-letter row", err)
			continue
		}
		dl.Type = itemType.String
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrTransientIO{Err: err}
	}
	return out, nil
}
