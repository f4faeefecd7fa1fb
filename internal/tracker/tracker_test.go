package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/clock"
	"github.com/bgagent/trackcore/internal/config"
	"github.com/bgagent/trackcore/internal/store"
)

// TestPersistencePolicyMatchesSpecTable exercises every row of spec §4.7's
// PersistencePolicy table exactly.
func TestPersistencePolicyMatchesSpecTable(t *testing.T) {
	cases := []struct {
		batchSync bool
		mode      config.PersistMode
		name      bgevent.Name
		want      bool
	}{
		{true, config.PersistModeNone, bgevent.NameLocation, true},
		{true, config.PersistModeAll, bgevent.NameGeofence, true},
		{false, config.PersistModeNone, bgevent.NameLocation, false},
		{false, config.PersistModeNone, bgevent.NameGeofence, false},
		{false, config.PersistModeAll, bgevent.NameLocation, true},
		{false, config.PersistModeAll, bgevent.NameGeofence, true},
		{false, config.PersistModeGeofence, bgevent.NameGeofence, true},
		{false, config.PersistModeGeofence, bgevent.NameLocation, false},
		{false, config.PersistModeLocation, bgevent.NameGeofence, false},
		{false, config.PersistModeLocation, bgevent.NameLocation, true},
		{false, config.PersistModeLocation, bgevent.NameHeartbeat, true},
	}
	for _, c := range cases {
		got := PersistencePolicy(c.batchSync, c.mode, c.name)
		if got != c.want {
			t.Fatalf("PersistencePolicy(batchSync=%v, mode=%v, name=%v) = %v, want %v",
				c.batchSync, c.mode, c.name, got, c.want)
		}
	}
}

// manualTimer mirrors the motion package's test double: PostDelayed records
// the callback without scheduling against the wall clock.
type manualTimer struct {
	mu      sync.Mutex
	pending map[clock.Token]func()
	seq     int
}

func newManualTimer() *manualTimer {
	return &manualTimer{pending: make(map[clock.Token]func())}
}

func (m *manualTimer) PostDelayed(delay time.Duration, op func()) clock.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	tok := m.seq
	m.pending[tok] = op
	return tok
}

func (m *manualTimer) Cancel(tok clock.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, tok)
}

func (m *manualTimer) fireOne() {
	m.mu.Lock()
	var tok clock.Token
	var op func()
	for k, v := range m.pending {
		tok, op = k, v
		break
	}
	if op != nil {
		delete(m.pending, tok)
	}
	m.mu.Unlock()
	if op != nil {
		op()
	}
}

type fakeProducer struct {
	mu       sync.Mutex
	requests []LocationRequest
}

func (f *fakeProducer) Start(ctx context.Context) error { return nil }
func (f *fakeProducer) Stop()                            {}
func (f *fakeProducer) UpdateRequest(req LocationRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

type fakeSink struct {
	mu     sync.Mutex
	events []bgevent.Envelope
}

func (s *fakeSink) SendEvent(env bgevent.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
}

func (s *fakeSink) snapshot() []bgevent.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bgevent.Envelope, len(s.events))
	copy(out, s.events)
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []bgevent.Location
	odometer float64
	trip     store.TripState
	tripSets int
}

func (s *fakeStore) InsertLocation(ctx context.Context, loc bgevent.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, loc)
	return nil
}
func (s *fakeStore) Odometer(ctx context.Context) (float64, error) { return s.odometer, nil }
func (s *fakeStore) SetOdometer(ctx context.Context, meters float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.odometer = meters
	return nil
}

func (s *fakeStore) TripStateSnapshot(ctx context.Context) (store.TripState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trip, nil
}

func (s *fakeStore) SetTripState(ctx context.Context, ts store.TripState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trip = ts
	s.tripSets++
	return nil
}

func (s *fakeStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func (s *fakeStore) tripSnapshot() store.TripState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trip
}

func fixedClock(ms int64) clock.Source {
	return fakeClockSource{ms: ms}
}

type fakeClockSource struct{ ms int64 }

func (f fakeClockSource) NowMs() int64     { return f.ms }
func (f fakeClockSource) Monotonic() int64 { return f.ms }
func (f fakeClockSource) NewUUID() string  { return "fixed-uuid" }

// steppingClockSource lets a trip test advance wall and monotonic time
// independently between fixes, unlike fakeClockSource's single fixed value.
type steppingClockSource struct {
	mu  sync.Mutex
	ms  int64
	ns  int64
	uid int
}

func (s *steppingClockSource) NowMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ms
}

func (s *steppingClockSource) Monotonic() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ns
}

func (s *steppingClockSource) NewUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid++
	return "trip-uuid-" + string(rune('a'+s.uid))
}

func (s *steppingClockSource) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ms += d.Milliseconds()
	s.ns += d.Nanoseconds()
}

func TestOnLocationFixAccumulatesOdometerAndEmits(t *testing.T) {
	sink := &fakeSink{}
	store := &fakeStore{}
	cfg := config.Config{PersistMode: config.PersistModeAll}
	tr := New(cfg, Deps{Clock: fixedClock(1000), Sink: sink, Store: store})

	tr.OnLocationFix(context.Background(), bgevent.Coords{Latitude: 0, Longitude: 0}, nil)
	tr.OnLocationFix(context.Background(), bgevent.Coords{Latitude: 0, Longitude: 0.002}, nil)

	last := tr.LastLocation()
	if last == nil {
		t.Fatalf("expected a last location to be recorded")
	}
	if last.Odometer <= 0 {
		t.Fatalf("expected odometer to accumulate distance, got %f", last.Odometer)
	}
	if store.insertedCount() != 2 {
		t.Fatalf("expected both location events persisted under persistMode=all, got %d", store.insertedCount())
	}
	if len(sink.snapshot()) != 2 {
		t.Fatalf("expected both location events dispatched, got %d", len(sink.snapshot()))
	}
}

func TestOnMotionChangeReconfiguresProducerAndEmits(t *testing.T) {
	sink := &fakeSink{}
	producer := &fakeProducer{}
	cfg := config.Config{DistanceFilter: 50, StationaryRadius: 25}
	tr := New(cfg, Deps{Clock: fixedClock(1000), Sink: sink, Producer: producer})

	tr.OnMotionChange(true)
	if len(producer.requests) != 1 || producer.requests[0].MinDistanceMeters != 50 {
		t.Fatalf("expected distanceFilter used while moving, got %+v", producer.requests)
	}

	tr.OnMotionChange(false)
	if len(producer.requests) != 2 || producer.requests[1].MinDistanceMeters != 25 {
		t.Fatalf("expected stationaryRadius used while stationary, got %+v", producer.requests)
	}

	events := sink.snapshot()
	if len(events) != 2 || events[0].Type != bgevent.NameMotionChange {
		t.Fatalf("expected two motionchange events, got %+v", events)
	}
}

func TestOnActivityChangeRequiresLastLocation(t *testing.T) {
	sink := &fakeSink{}
	tr := New(config.Config{}, Deps{Clock: fixedClock(1000), Sink: sink})

	tr.OnActivityChange(bgevent.Activity{Type: bgevent.ActivityWalking, Confidence: 90})
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no activitychange event without a prior location")
	}

	tr.OnLocationFix(context.Background(), bgevent.Coords{Latitude: 1, Longitude: 1}, nil)
	tr.OnActivityChange(bgevent.Activity{Type: bgevent.ActivityWalking, Confidence: 90})

	events := sink.snapshot()
	if len(events) != 2 || events[1].Type != bgevent.NameActivityChange {
		t.Fatalf("expected an activitychange event once a last location exists, got %+v", events)
	}
}

func TestHeartbeatEmitsAndReschedules(t *testing.T) {
	sink := &fakeSink{}
	timer := newManualTimer()
	cfg := config.Config{HeartbeatIntervalSeconds: 30}
	tr := New(cfg, Deps{Clock: fixedClock(1000), Timer: timer, Sink: sink})

	tr.StartHeartbeat()
	timer.fireOne()
	timer.fireOne()

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected two heartbeat emissions after firing the timer twice, got %d", len(events))
	}
	for _, e := range events {
		if e.Type != bgevent.NameHeartbeat {
			t.Fatalf("expected heartbeat events, got %v", e.Type)
		}
	}
}

func TestStopHeartbeatCancelsPendingTimer(t *testing.T) {
	sink := &fakeSink{}
	timer := newManualTimer()
	cfg := config.Config{HeartbeatIntervalSeconds: 30}
	tr := New(cfg, Deps{Clock: fixedClock(1000), Timer: timer, Sink: sink})

	tr.StartHeartbeat()
	tr.StopHeartbeat()
	timer.fireOne()

	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no heartbeat after Stop, got %+v", sink.snapshot())
	}
}

func TestStartTripSeedsStateAndOnLocationFixAccumulates(t *testing.T) {
	sink := &fakeSink{}
	st := &fakeStore{}
	clk := &steppingClockSource{ms: 1000}
	cfg := config.Config{PersistMode: config.PersistModeAll}
	tr := New(cfg, Deps{Clock: clk, Sink: sink, Store: st})

	tr.StartTrip(context.Background())
	before := st.tripSnapshot()
	if !before.Started || before.Ended {
		t.Fatalf("expected trip marked started, not ended, got %+v", before)
	}
	if before.TripID == "" {
		t.Fatalf("expected a generated trip id")
	}

	speed := 10.0 // m/s
	tr.OnLocationFix(context.Background(), bgevent.Coords{Latitude: 0, Longitude: 0, Speed: &speed}, nil)
	clk.advance(5 * time.Second)
	tr.OnLocationFix(context.Background(), bgevent.Coords{Latitude: 0, Longitude: 0.002}, nil)

	after := st.tripSnapshot()
	if after.DistanceMeters <= 0 {
		t.Fatalf("expected trip distance to accumulate, got %f", after.DistanceMeters)
	}
	if after.MaxSpeedKph != 36.0 {
		t.Fatalf("expected maxSpeedKph 36 (10 m/s), got %f", after.MaxSpeedKph)
	}
	// isMoving defaults false, so the 5s monotonic gap between fixes counts
	// as idle time.
	if after.IdleSeconds < 5 {
		t.Fatalf("expected idleSeconds to reflect the elapsed stationary gap, got %d", after.IdleSeconds)
	}

	tr.EndTrip(context.Background())
	final := st.tripSnapshot()
	if !final.Ended {
		t.Fatalf("expected trip marked ended after EndTrip")
	}
}

func TestStartTripIdempotentWhileOpen(t *testing.T) {
	st := &fakeStore{}
	tr := New(config.Config{}, Deps{Clock: fixedClock(1000), Store: st})

	tr.StartTrip(context.Background())
	first := st.tripSnapshot().TripID

	tr.StartTrip(context.Background())
	second := st.tripSnapshot().TripID

	if first != second {
		t.Fatalf("expected StartTrip to be a no-op while a trip is already open, got ids %q then %q", first, second)
	}
}
