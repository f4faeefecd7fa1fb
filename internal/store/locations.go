package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/bgagent/trackcore/internal/bgevent"
)

// InsertLocation persists a Location keyed by its UUID (idempotent on
// re-insertion). I/O failures are transient per spec §7; callers drop the
// event and log rather than propagate a hard error.
func (s *Store) InsertLocation(ctx context.Context, loc bgevent.Location) error {
	payload, err := loc.ToJSON()
	if err != nil {
		return &ErrPermanentIO{Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO locations (uuid, ts_ms, payload) VALUES (?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET ts_ms=excluded.ts_ms, payload=excluded.payload
`, loc.UUID, loc.Timestamp.UnixMilli(), payload)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// ReadLocations returns up to limit locations, newest-first. limit<=0 means
// "no limit".
func (s *Store) ReadLocations(ctx context.Context, limit int) ([]bgevent.Location, error) {
	q := `SELECT uuid, payload FROM locations ORDER BY ts_ms DESC`
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

	var out []bgevent.Location
	for rows.Next() {
		var uuid string
		var payload []byte
		if err := rows.Scan(&uuid, &payload); err != nil {
			s.log.Error("store: malformed location row, skipping", zap.Error(err))
			continue
		}
		loc, err := bgevent.FromJSON(payload)
		if err != nil {
			s.log.Error("store: undecodable location payload, skipping", zap.Error(err))
			continue
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrTransientIO{Err: err}
	}
	return out, nil
}

// DeleteLocations removes the given UUIDs. Per §9's resolved open question
// the CORE mandates UUID-keyed deletion (not database row id) to survive
// re-indexing.
func (s *Store) DeleteLocations(ctx context.Context, uuids []string) error {
	if len(uuids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM locations WHERE uuid = ?`)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	defer stmt.Close()
	for _, id := range uuids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return &ErrTransientIO{Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// ClearLocations deletes every location row.
func (s *Store) ClearLocations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locations`); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// PruneLocations applies prune-by-age then prune-by-count, per §4.2: age
// pruning runs first, then count-based pruning retains the newest
// maxRecords by timestamp.
func (s *Store) PruneLocations(ctx context.Context, maxDays, maxRecords int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if maxDays > 0 {
		cutoff := nowMs() - int64(maxDays)*24*3600*1000
		if _, err := tx.ExecContext(ctx, `DELETE FROM locations WHERE ts_ms < ?`, cutoff); err != nil {
			return &ErrTransientIO{Err: err}
		}
	}
	if maxRecords > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM locations WHERE uuid NOT IN (
	SELECT uuid FROM locations ORDER BY ts_ms DESC LIMIT ?
)`, maxRecords); err != nil {
			return &ErrTransientIO{Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}
