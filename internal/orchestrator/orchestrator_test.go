package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/geofence"
	"github.com/bgagent/trackcore/internal/store"
	"github.com/bgagent/trackcore/internal/tracker"
)

func newTestOrchestrator(t *testing.T, producer *fakeLocationProducer, perm *fakePermission) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), store.Options{Path: filepath.Join(dir, "core.db")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	o, err := New(Deps{Store: st, LocationProducer: producer, Permission: perm})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := o.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	return o
}

type fakeLocationProducer struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakeLocationProducer) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeLocationProducer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeLocationProducer) UpdateRequest(req tracker.LocationRequest) {}

type fakePermission struct{ granted bool }

func (p *fakePermission) HasPermission() bool { return p.granted }

type recordingSink struct {
	mu     sync.Mutex
	events []bgevent.Envelope
}

func (s *recordingSink) OnEvent(env bgevent.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
}

func (s *recordingSink) snapshot() []bgevent.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bgevent.Envelope, len(s.events))
	copy(out, s.events)
	return out
}

func TestStartDeniedWithoutPermission(t *testing.T) {
	producer := &fakeLocationProducer{}
	o := newTestOrchestrator(t, producer, &fakePermission{granted: false})

	_, err := o.Start(context.Background())
	if err == nil {
		t.Fatalf("expected permission-denied error")
	}
	if o.IsEnabled() {
		t.Fatalf("expected enabled=false after a denied start")
	}
	if producer.started {
		t.Fatalf("expected location producer not to start without permission")
	}
}

func TestStartStopLifecycleTogglesEnabledAndProducer(t *testing.T) {
	producer := &fakeLocationProducer{}
	o := newTestOrchestrator(t, producer, &fakePermission{granted: true})

	sink := &recordingSink{}
	o.SetSink(sink)

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !o.IsEnabled() {
		t.Fatalf("expected enabled=true after Start")
	}
	if !producer.started {
		t.Fatalf("expected location producer to start")
	}

	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.IsEnabled() {
		t.Fatalf("expected enabled=false after Stop")
	}
	if !producer.stopped {
		t.Fatalf("expected location producer to stop")
	}
}

func TestStartIsIdempotentWhenAlreadyEnabled(t *testing.T) {
	producer := &fakeLocationProducer{}
	o := newTestOrchestrator(t, producer, &fakePermission{granted: true})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	state, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !state.Enabled {
		t.Fatalf("expected still enabled on redundant Start")
	}
}

func TestOperationsAreNoOpsAfterRelease(t *testing.T) {
	producer := &fakeLocationProducer{}
	o := newTestOrchestrator(t, producer, &fakePermission{granted: true})

	o.Release()
	if _, err := o.Start(context.Background()); err != ErrReleased {
		t.Fatalf("expected ErrReleased after Release, got %v", err)
	}
	if _, err := o.Stop(context.Background()); err != ErrReleased {
		t.Fatalf("expected ErrReleased on Stop after Release, got %v", err)
	}
}

func TestStartStopPersistsTripState(t *testing.T) {
	producer := &fakeLocationProducer{}
	o := newTestOrchestrator(t, producer, &fakePermission{granted: true})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mid, err := o.store.TripStateSnapshot(context.Background())
	if err != nil {
		t.Fatalf("TripStateSnapshot: %v", err)
	}
	if !mid.Started || mid.Ended {
		t.Fatalf("expected an open trip after Start, got %+v", mid)
	}

	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	final, err := o.store.TripStateSnapshot(context.Background())
	if err != nil {
		t.Fatalf("TripStateSnapshot: %v", err)
	}
	if final.TripID != mid.TripID || !final.Ended {
		t.Fatalf("expected the same trip marked ended after Stop, got %+v", final)
	}
}

func geofenceFixture(id string) geofence.Geofence {
	return geofence.Geofence{
		Identifier:     id,
		CenterLatitude: 37.4,
		CenterLongitude: -122.1,
		RadiusMeters:   100,
		NotifyOnEntry:  true,
		NotifyOnExit:   true,
	}
}

func TestAddAndRemoveGeofencePersists(t *testing.T) {
	producer := &fakeLocationProducer{}
	o := newTestOrchestrator(t, producer, &fakePermission{granted: true})

	g := geofenceFixture("A")
	if err := o.AddGeofence(context.Background(), g); err != nil {
		t.Fatalf("AddGeofence: %v", err)
	}
	rows, err := o.store.ReadGeofences(context.Background())
	if err != nil || len(rows) != 1 || rows[0].Identifier != "A" {
		t.Fatalf("expected geofence A persisted after AddGeofence, got %+v (err %v)", rows, err)
	}
	if err := o.RemoveGeofence(context.Background(), "A"); err != nil {
		t.Fatalf("RemoveGeofence: %v", err)
	}
	rows, err = o.store.ReadGeofences(context.Background())
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no persisted geofence after RemoveGeofence, got %+v (err %v)", rows, err)
	}
}
