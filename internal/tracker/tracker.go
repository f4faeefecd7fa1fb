// Package tracker implements LocationTracker (C7): it fuses raw location
// fixes with the motion and geofence state machines into the canonical
// typed event stream, applies the persistence policy, and drives
// heartbeat/schedule emissions. Grounded on the teacher's
// internal/services/tracking.go TrackingService.ProcessBatchLocations
// pipeline shape (validate -> accumulate -> store -> publish) and
// internal/models/tracking.go's odometer accumulation
// (distanceBetweenPoints/AddLocation), adapted from a multi-session batch
// API to the spec's single continuous per-agent stream (§4.7).
package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/clock"
	"github.com/bgagent/trackcore/internal/config"
	"github.com/bgagent/trackcore/internal/geo"
	"github.com/bgagent/trackcore/internal/geofence"
	"github.com/bgagent/trackcore/internal/store"
)

// LocationRequest is the adaptive producer hint LocationTracker issues on
// every motion-state transition (§4.7: "updateRequest(isMoving) with
// minDistance = isMoving ? distanceFilter : stationaryRadius").
type LocationRequest struct {
	MinDistanceMeters float64
	DesiredAccuracy   string
}

// Producer is the abstract LocationProducer collaborator (§1: "abstract
// producers"). The CORE never talks to GPS hardware directly.
type Producer interface {
	Start(ctx context.Context) error
	Stop()
	UpdateRequest(req LocationRequest)
}

// EventSink receives every emitted Envelope, matching dispatcher.Dispatcher's
// SendEvent signature without importing it directly (keeps this package
// decoupled from the dispatcher's sink-management concerns).
type EventSink interface {
	SendEvent(env bgevent.Envelope)
}

// Persister is the subset of PersistentStore (C2) LocationTracker needs.
type Persister interface {
	InsertLocation(ctx context.Context, loc bgevent.Location) error
	Odometer(ctx context.Context) (float64, error)
	SetOdometer(ctx context.Context, meters float64) error
	TripStateSnapshot(ctx context.Context) (store.TripState, error)
	SetTripState(ctx context.Context, ts store.TripState) error
}

// Delivery is the subset of DeliveryEngine (C8) LocationTracker's emit path
// drives directly (§4.7 emit semantics).
type Delivery interface {
	SyncNow(ctx context.Context, loc bgevent.Location)
	AttemptBatchSync(ctx context.Context)
}

// AutoSyncGate reports whether DeliveryEngine is currently allowed to sync
// (SystemMonitor.isAutoSyncAllowed, §4.9).
type AutoSyncGate interface {
	AutoSyncAllowed() bool
}

// PersistencePolicy is the pure function from §4.7's table: given
// batchSync, persistMode and the event name, should this emission persist?
func PersistencePolicy(batchSync bool, mode config.PersistMode, name bgevent.Name) bool {
	if batchSync {
		return true
	}
	switch mode {
	case config.PersistModeNone:
		return false
	case config.PersistModeAll:
		return true
	case config.PersistModeGeofence:
		return name == bgevent.NameGeofence
	case config.PersistModeLocation:
		return name != bgevent.NameGeofence
	default:
		return true
	}
}

// Tracker is LocationTracker (C7).
type Tracker struct {
	mu sync.Mutex

	clk      clock.Source
	timer    clock.Timer
	log      *zap.Logger
	cfg      config.Config
	producer Producer
	geofences *geofence.Tracker
	sink     EventSink
	store    Persister
	delivery Delivery
	gate     AutoSyncGate

	lastLocation *bgevent.Location
	odometer     float64
	isMoving     bool

	trip       store.TripState
	lastMonoNs int64

	heartbeatTok clock.Token
	scheduleTok  clock.Token
}

// Deps bundles Tracker's collaborators (the Orchestrator wires these).
type Deps struct {
	Clock     clock.Source
	Timer     clock.Timer
	Log       *zap.Logger
	Producer  Producer
	Geofences *geofence.Tracker
	Sink      EventSink
	Store     Persister
	Delivery  Delivery
	Gate      AutoSyncGate
}

// New constructs a Tracker. The odometer is hydrated from the store by the
// Orchestrator's ready() path (§4.11) via LoadOdometer before Start.
func New(cfg config.Config, d Deps) *Tracker {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Timer == nil {
		d.Timer = clock.SystemTimer{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Tracker{
		clk:       d.Clock,
		timer:     d.Timer,
		log:       d.Log,
		cfg:       cfg,
		producer:  d.Producer,
		geofences: d.Geofences,
		sink:      d.Sink,
		store:     d.Store,
		delivery:  d.Delivery,
		gate:      d.Gate,
	}
}

// SetConfig swaps the live tuning parameters.
func (t *Tracker) SetConfig(cfg config.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

// LoadOdometer seeds the running distance total from a persisted value
// (Orchestrator's ready() rehydration step, §4.11).
func (t *Tracker) LoadOdometer(meters float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.odometer = meters
}

// LoadTripState seeds the in-progress trip snapshot from a persisted value
// (Orchestrator's ready() rehydration step, §4.11). A trip left Started and
// not Ended across a restart resumes in place; OnLocationFix keeps
// accumulating onto it.
func (t *Tracker) LoadTripState(ts store.TripState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trip = ts
	t.lastMonoNs = t.clk.Monotonic()
}

// StartTrip begins a new trip-state session, carrying the last known
// location forward as the trip's start point if one exists. A trip spans
// one Orchestrator Start/Stop tracking session (§9 resolved open
// question: the spec defines no explicit trip start/end operation).
// Idempotent while a trip is already open.
func (t *Tracker) StartTrip(ctx context.Context) {
	t.mu.Lock()
	if t.trip.Started && !t.trip.Ended {
		t.mu.Unlock()
		return
	}
	now := t.clk.NowMs()
	ts := store.TripState{
		TripID:      t.clk.NewUUID(),
		CreatedAtMs: now,
		StartedAtMs: &now,
		Started:     true,
	}
	if t.lastLocation != nil {
		lat, lon := t.lastLocation.Coords.Latitude, t.lastLocation.Coords.Longitude
		ts.StartLatitude = &lat
		ts.StartLongitude = &lon
		ts.LastLatitude = &lat
		ts.LastLongitude = &lon
	}
	t.trip = ts
	t.lastMonoNs = t.clk.Monotonic()
	snapshot := t.trip
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SetTripState(ctx, snapshot); err != nil {
			t.log.Warn("tracker: failed to persist trip start", zap.Error(err))
		}
	}
}

// EndTrip marks the in-progress trip ended and persists the final
// snapshot. A no-op if no trip is open.
func (t *Tracker) EndTrip(ctx context.Context) {
	t.mu.Lock()
	if !t.trip.Started || t.trip.Ended {
		t.mu.Unlock()
		return
	}
	t.trip.Ended = true
	snapshot := t.trip
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SetTripState(ctx, snapshot); err != nil {
			t.log.Warn("tracker: failed to persist trip end", zap.Error(err))
		}
	}
}

// LastLocation returns the most recently accepted fix, or nil if none yet.
func (t *Tracker) LastLocation() *bgevent.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLocation
}

// OnLocationFix is the Producer callback for one accepted fix (§4.7 step 1-3):
// update lastLocation and the odometer, build the Location event, and emit it.
func (t *Tracker) OnLocationFix(ctx context.Context, coords bgevent.Coords, activity *bgevent.Activity) {
	t.mu.Lock()
	prev := t.lastLocation
	var d float64
	if prev != nil {
		d = geo.HaversineMeters(prev.Coords.Latitude, prev.Coords.Longitude, coords.Latitude, coords.Longitude)
		// §9 resolved open question: accept unconditionally, accuracy
		// filtering is the producer's responsibility.
		t.odometer += d
	}
	odometer := t.odometer
	moving := t.isMoving

	// Idle time accrues on the monotonic clock, not NowMs: a wall-clock
	// step (NTP sync, DST, user changing the device clock) must never
	// reverse or inflate a trip's idle total (§4.3).
	monoNow := t.clk.Monotonic()
	if t.trip.Started && !t.trip.Ended {
		if !moving {
			if deltaNs := monoNow - t.lastMonoNs; deltaNs > 0 {
				t.trip.IdleSeconds += deltaNs / int64(time.Second)
			}
		}
		t.trip.DistanceMeters += d
		lat, lon := coords.Latitude, coords.Longitude
		t.trip.LastLatitude = &lat
		t.trip.LastLongitude = &lon
		if coords.Speed != nil {
			if kph := *coords.Speed * 3.6; kph > t.trip.MaxSpeedKph {
				t.trip.MaxSpeedKph = kph
			}
		}
	}
	t.lastMonoNs = monoNow
	trip := t.trip
	t.mu.Unlock()

	loc := bgevent.Location{
		UUID:      t.clk.NewUUID(),
		Timestamp: time.UnixMilli(t.clk.NowMs()).UTC(),
		Coords:    coords,
		Activity:  activity,
		IsMoving:  &moving,
		Event:     bgevent.NameLocation,
		Odometer:  odometer,
	}

	t.mu.Lock()
	t.lastLocation = &loc
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SetOdometer(ctx, odometer); err != nil {
			t.log.Warn("tracker: failed to persist odometer", zap.Error(err))
		}
		if trip.Started {
			if err := t.store.SetTripState(ctx, trip); err != nil {
				t.log.Warn("tracker: failed to persist trip state", zap.Error(err))
			}
		}
	}

	if t.geofences != nil {
		for _, tr := range t.geofences.Evaluate(loc, t.clk.NowMs()) {
			t.emit(ctx, bgevent.Location{
				UUID:      t.clk.NewUUID(),
				Timestamp: loc.Timestamp,
				Coords:    loc.Coords,
				Activity:  loc.Activity,
				IsMoving:  loc.IsMoving,
				Event:     bgevent.NameGeofence,
				Odometer:  odometer,
				Extras: map[string]any{
					"identifier": tr.Identifier,
					"action":     string(tr.Action),
				},
			})
		}
	}

	t.emit(ctx, loc)
}

// OnMotionChange is the MotionStateMachine (C4) Listener callback
// (§4.7): reconfigure the producer's request and emit a motionchange event.
func (t *Tracker) OnMotionChange(isMoving bool) {
	t.mu.Lock()
	t.isMoving = isMoving
	distanceFilter := t.cfg.DistanceFilter
	stationaryRadius := t.cfg.StationaryRadius
	desiredAccuracy := t.cfg.DesiredAccuracy
	last := t.lastLocation
	t.mu.Unlock()

	minDistance := stationaryRadius
	if isMoving {
		minDistance = distanceFilter
	}
	if t.producer != nil {
		t.producer.UpdateRequest(LocationRequest{MinDistanceMeters: minDistance, DesiredAccuracy: desiredAccuracy})
	}

	t.emit(context.Background(), t.syntheticEvent(bgevent.NameMotionChange, last, &isMoving))
}

// OnActivityChange is the MotionStateMachine (C4) Listener callback: emit
// an activitychange event if a last location exists (§4.7).
func (t *Tracker) OnActivityChange(activity bgevent.Activity) {
	t.mu.Lock()
	last := t.lastLocation
	t.mu.Unlock()
	if last == nil {
		return
	}
	ev := t.syntheticEvent(bgevent.NameActivityChange, last, last.IsMoving)
	ev.Activity = &activity
	t.emit(context.Background(), ev)
}

func (t *Tracker) syntheticEvent(name bgevent.Name, last *bgevent.Location, isMoving *bool) bgevent.Location {
	ev := bgevent.Location{
		UUID:      t.clk.NewUUID(),
		Timestamp: time.UnixMilli(t.clk.NowMs()).UTC(),
		Event:     name,
		IsMoving:  isMoving,
	}
	if last != nil {
		ev.Coords = last.Coords
		ev.Activity = last.Activity
		ev.Odometer = last.Odometer
	}
	return ev
}

// StartHeartbeat arms the periodic heartbeat timer per §4.7. Restart is
// idempotent: calling it cancels any prior timer first so an interval
// change takes effect immediately.
func (t *Tracker) StartHeartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopHeartbeatLocked()
	seconds := t.cfg.HeartbeatIntervalSeconds
	if seconds <= 0 {
		return
	}
	t.armHeartbeatLocked(time.Duration(seconds) * time.Second)
}

func (t *Tracker) armHeartbeatLocked(interval time.Duration) {
	t.heartbeatTok = t.timer.PostDelayed(interval, func() {
		t.emitHeartbeat()
		t.mu.Lock()
		stillWanted := t.cfg.HeartbeatIntervalSeconds > 0
		next := time.Duration(t.cfg.HeartbeatIntervalSeconds) * time.Second
		if stillWanted {
			t.armHeartbeatLocked(next)
		} else {
			t.heartbeatTok = nil
		}
		t.mu.Unlock()
	})
}

func (t *Tracker) emitHeartbeat() {
	t.mu.Lock()
	last := t.lastLocation
	t.mu.Unlock()
	t.emit(context.Background(), t.syntheticEvent(bgevent.NameHeartbeat, last, boolPtr(false)))
}

// StopHeartbeat cancels the periodic heartbeat timer.
func (t *Tracker) StopHeartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopHeartbeatLocked()
}

func (t *Tracker) stopHeartbeatLocked() {
	if t.heartbeatTok != nil {
		t.timer.Cancel(t.heartbeatTok)
		t.heartbeatTok = nil
	}
}

// EmitScheduleEvent emits a `schedule` observability event carrying the
// last known location, per §4.7 ("at enable points for observability").
func (t *Tracker) EmitScheduleEvent() {
	t.mu.Lock()
	last := t.lastLocation
	t.mu.Unlock()
	t.emit(context.Background(), t.syntheticEvent(bgevent.NameSchedule, last, nil))
}

// emit implements the §4.7 emit(event) contract: push to the dispatcher,
// persist per policy, and forward to DeliveryEngine when auto-sync applies.
func (t *Tracker) emit(ctx context.Context, loc bgevent.Location) {
	if t.sink != nil {
		t.sink.SendEvent(bgevent.Envelope{Type: loc.Event, Data: loc})
	}

	t.mu.Lock()
	cfg := t.cfg
	t.mu.Unlock()

	if PersistencePolicy(cfg.BatchSync, cfg.PersistMode, loc.Event) && t.store != nil {
		if err := t.store.InsertLocation(ctx, loc); err != nil {
			t.log.Warn("tracker: failed to persist location event", zap.Error(err))
		}
	}

	if !cfg.AutoSync || cfg.URL == "" || t.delivery == nil {
		return
	}
	if t.gate != nil && !t.gate.AutoSyncAllowed() {
		return
	}
	if cfg.BatchSync {
		t.delivery.AttemptBatchSync(ctx)
	} else {
		t.delivery.SyncNow(ctx, loc)
	}
}

func boolPtr(b bool) *bool { return &b }
