package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bgagent/trackcore/internal/bgevent"
)

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{Path: filepath.Join(dir, "core.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLocation(uuid string, tsMs int64) bgevent.Location {
	return bgevent.Location{
		UUID:      uuid,
		Timestamp: msToTime(tsMs),
		Coords:    bgevent.Coords{Latitude: 37.4, Longitude: -122.1, Accuracy: 5},
		Event:     bgevent.NameLocation,
	}
}

func TestInsertAndReadLocationsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, ts := range []int64{1000, 3000, 2000} {
		loc := testLocation(fmt.Sprintf("u%d", i), ts)
		if err := s.InsertLocation(ctx, loc); err != nil {
			t.Fatalf("InsertLocation: %v", err)
		}
	}

	got, err := s.ReadLocations(ctx, 0)
	if err != nil {
		t.Fatalf("ReadLocations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	if got[0].Timestamp.UnixMilli() != 3000 || got[2].Timestamp.UnixMilli() != 1000 {
		t.Fatalf("rows not newest-first: %+v", got)
	}
}

func TestDeleteLocationsByUUID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loc := testLocation("keep-me", 1000)
	other := testLocation("drop-me", 2000)
	_ = s.InsertLocation(ctx, loc)
	_ = s.InsertLocation(ctx, other)

	if err := s.DeleteLocations(ctx, []string{"drop-me"}); err != nil {
		t.Fatalf("DeleteLocations: %v", err)
	}
	got, _ := s.ReadLocations(ctx, 0)
	if len(got) != 1 || got[0].UUID != "keep-me" {
		t.Fatalf("expected only keep-me to remain, got %+v", got)
	}
}

func TestPruneLocationsCountRetainsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.InsertLocation(ctx, testLocation(fmt.Sprintf("u%d", i), int64(1000*(i+1))))
	}
	if err := s.PruneLocations(ctx, 0, 2); err != nil {
		t.Fatalf("PruneLocations: %v", err)
	}
	got, _ := s.ReadLocations(ctx, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows retained, got %d", len(got))
	}
	if got[0].Timestamp.UnixMilli() != 5000 || got[1].Timestamp.UnixMilli() != 4000 {
		t.Fatalf("prune did not retain the newest by timestamp: %+v", got)
	}
}

func TestEnqueueRepeatedIdempotencyKeyReturnsSameID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Enqueue(ctx, "id-1", []byte(`{"a":1}`), "location", "idem-key", 1000)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := s.Enqueue(ctx, "id-2", []byte(`{"a":2}`), "location", "idem-key", 2000)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same queue id for repeated idempotency key, got %q and %q", id1, id2)
	}

	items, err := s.ReadQueue(ctx, 9999, 0)
	if err != nil {
		t.Fatalf("ReadQueue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected no duplicate payload, got %d items", len(items))
	}
}

func TestMoveToDeadLetterBoundsToNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const total = DeadLetterMaxRecords + 10
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("q%d", i)
		if _, err := s.Enqueue(ctx, id, []byte(`{}`), "location", id, int64(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := s.MoveToDeadLetter(ctx, id, int64(i)); err != nil {
			t.Fatalf("MoveToDeadLetter: %v", err)
		}
	}

	got, err := s.ReadDeadLetters(ctx, 0)
	if err != nil {
		t.Fatalf("ReadDeadLetters: %v", err)
	}
	if len(got) != DeadLetterMaxRecords {
		t.Fatalf("expected dead-letter bounded to %d, got %d", DeadLetterMaxRecords, len(got))
	}
	// newest-first; the oldest (q0..q9) should have been evicted.
	if got[len(got)-1].ID == "q0" {
		t.Fatalf("oldest dead-letter entry was not evicted")
	}
}

func TestOdometerDefaultsToZeroAndPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Odometer(ctx)
	if err != nil {
		t.Fatalf("Odometer: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected default odometer of 0, got %f", got)
	}

	if err := s.SetOdometer(ctx, 1234.5); err != nil {
		t.Fatalf("SetOdometer: %v", err)
	}
	got, err = s.Odometer(ctx)
	if err != nil {
		t.Fatalf("Odometer after set: %v", err)
	}
	if got != 1234.5 {
		t.Fatalf("expected persisted odometer of 1234.5, got %f", got)
	}
}

func TestTripStateSnapshotDefaultsToZeroValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.TripStateSnapshot(ctx)
	if err != nil {
		t.Fatalf("TripStateSnapshot: %v", err)
	}
	if ts.TripID != "" || ts.Started {
		t.Fatalf("expected zero-value trip state before any SetTripState, got %+v", ts)
	}

	want := TripState{TripID: "trip-1", DistanceMeters: 42, Started: true}
	if err := s.SetTripState(ctx, want); err != nil {
		t.Fatalf("SetTripState: %v", err)
	}
	got, err := s.TripStateSnapshot(ctx)
	if err != nil {
		t.Fatalf("TripStateSnapshot after set: %v", err)
	}
	if got.TripID != want.TripID || got.DistanceMeters != want.DistanceMeters || got.Started != want.Started {
		t.Fatalf("trip state mismatch: got %+v, want %+v", got, want)
	}
}

func TestGeofencesRoundTripOldestInsertionFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertGeofence(ctx, "older", []byte(`{"a":1}`), 1000); err != nil {
		t.Fatalf("UpsertGeofence: %v", err)
	}
	if err := s.UpsertGeofence(ctx, "newer", []byte(`{"a":2}`), 2000); err != nil {
		t.Fatalf("UpsertGeofence: %v", err)
	}

	rows, err := s.ReadGeofences(ctx)
	if err != nil {
		t.Fatalf("ReadGeofences: %v", err)
	}
	if len(rows) != 2 || rows[0].Identifier != "older" || rows[1].Identifier != "newer" {
		t.Fatalf("expected oldest-insertion-first ordering, got %+v", rows)
	}

	if err := s.DeleteGeofence(ctx, "older"); err != nil {
		t.Fatalf("DeleteGeofence: %v", err)
	}
	rows, _ = s.ReadGeofences(ctx)
	if len(rows) != 1 || rows[0].Identifier != "newer" {
		t.Fatalf("expected only newer to remain, got %+v", rows)
	}
}

func TestAppendAndReadLogsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, ts := range []int64{1000, 3000, 2000} {
		if err := s.AppendLog(ctx, LogEntry{TimestampMs: ts, Level: LogInfo, Message: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	got, err := s.ReadLogs(ctx, 0)
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	if len(got) != 3 || got[0].TimestampMs != 3000 || got[2].TimestampMs != 1000 {
		t.Fatalf("expected logs newest-first, got %+v", got)
	}
}
