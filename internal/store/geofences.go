package store

import "context"

// UpsertGeofence persists a geofence definition (opaque JSON payload; the
// geofence package owns encoding). Insertion order is tracked via
// insertedAtMs so GeofenceTracker can evict oldest-first when
// maxMonitoredGeofences caps the active set (§4.5).
func (s *Store) UpsertGeofence(ctx context.Context, identifier string, payload []byte, insertedAtMs int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO geofences (identifier, payload, inserted_at_ms) VALUES (?, ?, ?)
ON CONFLICT(identifier) DO UPDATE SET payload = excluded.payload
`, identifier, payload, insertedAtMs)
	if err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// DeleteGeofence removes a geofence by identifier.
func (s *Store) DeleteGeofence(ctx context.Context, identifier string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE identifier = ?`, identifier); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// GeofenceRow is one persisted geofence definition.
type GeofenceRow struct {
	Identifier   string
	Payload      []byte
	InsertedAtMs int64
}

// ReadGeofences returns all persisted geofences, oldest-insertion-first.
func (s *Store) ReadGeofences(ctx context.Context) ([]GeofenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identifier, payload, inserted_at_ms FROM geofences ORDER BY inserted_at_ms ASC`)
	if err != nil {
		return nil, &ErrTransientIO{Err: err}
	}
	defer rows.Close()

	var out []GeofenceRow
	for rows.Next() {
		var g GeofenceRow
		if err := rows.Scan(&g.Identifier, &g.Payload, &g.InsertedAtMs); err != nil {
			s.logSkip("geofence row", err)
			continue
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrTransientIO{Err: err}
	}
	return out, nil
}
