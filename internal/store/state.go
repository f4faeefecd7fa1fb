package store

import (
	"context"
	"encoding/json"
)

// TripState mirrors the §3 data model entity, persisted as a single slot
// surviving process restarts.
type TripState struct {
	TripID          string   `json:"tripId"`
	CreatedAtMs     int64    `json:"createdAt"`
	StartedAtMs     *int64   `json:"startedAt,omitempty"`
	StartLatitude   *float64 `json:"startLatitude,omitempty"`
	StartLongitude  *float64 `json:"startLongitude,omitempty"`
	LastLatitude    *float64 `json:"lastLatitude,omitempty"`
	LastLongitude   *float64 `json:"lastLongitude,omitempty"`
	DistanceMeters  float64  `json:"distanceMeters"`
	IdleSeconds     int64    `json:"idleSeconds"`
	MaxSpeedKph     float64  `json:"maxSpeedKph"`
	Started         bool     `json:"started"`
	Ended           bool     `json:"ended"`
}

// Odometer returns the persisted running distance total, in meters.
func (s *Store) Odometer(ctx context.Context) (float64, error) {
	var meters float64
	if err := s.db.QueryRowContext(ctx, `SELECT meters FROM odometer WHERE id = 1`).Scan(&meters); err != nil {
		return 0, &ErrTransientIO{Err: err}
	}
	return meters, nil
}

// SetOdometer persists the running distance total.
func (s *Store) SetOdometer(ctx context.Context, meters float64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE odometer SET meters = ? WHERE id = 1`, meters); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}

// TripStateSnapshot returns the persisted trip-state, or the zero value if
// none has been saved yet.
func (s *Store) TripStateSnapshot(ctx context.Context) (TripState, error) {
	var payload []byte
	if err := s.db.QueryRowContext(ctx, `SELECT payload FROM trip_state WHERE id = 1`).Scan(&payload); err != nil {
		return TripState{}, &ErrTransientIO{Err: err}
	}
	if payload == nil {
		return TripState{}, nil
	}
	var ts TripState
	if err := json.Unmarshal(payload, &ts); err != nil {
		return TripState{}, &ErrPermanentIO{Err: err}
	}
	return ts, nil
}

// SetTripState persists the trip-state snapshot.
func (s *Store) SetTripState(ctx context.Context, ts TripState) error {
	payload, err := json.Marshal(ts)
	if err != nil {
		return &ErrPermanentIO{Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE trip_state SET payload = ? WHERE id = 1`, payload); err != nil {
		return &ErrTransientIO{Err: err}
	}
	return nil
}
