// Package orchestrator implements Orchestrator (C11): lifecycle
// (ready/start/stop/release), wiring of producers to the motion, geofence
// and tracker components, and config-delta application. Grounded on the
// teacher's cmd/server/main.go top-level wiring
// (newMQTTClient/newTimescaleDB/NewTrackingService/gracefulShutdown and
// main's numbered-steps construction sequence), generalized from a
// single-process main() into a reusable library-level lifecycle type per
// §9's redesign note ("the Orchestrator [is] the sole owner of concrete
// components").
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/clock"
	"github.com/bgagent/trackcore/internal/config"
	"github.com/bgagent/trackcore/internal/delivery"
	"github.com/bgagent/trackcore/internal/dispatcher"
	"github.com/bgagent/trackcore/internal/geofence"
	"github.com/bgagent/trackcore/internal/metrics"
	"github.com/bgagent/trackcore/internal/motion"
	"github.com/bgagent/trackcore/internal/schedule"
	"github.com/bgagent/trackcore/internal/store"
	"github.com/bgagent/trackcore/internal/sysmonitor"
	"github.com/bgagent/trackcore/internal/tracker"
)

// ActivityProducer is the abstract activity-recognition collaborator
// (§1: "abstract producers"). The Orchestrator feeds its events directly
// into the MotionStateMachine.
type ActivityProducer interface {
	Start(ctx context.Context, onActivity func(bgevent.Activity)) error
	Stop()
}

// ErrPermissionDenied is returned by Start when the location producer
// cannot start due to missing OS permission (§7 PermissionDenied; the OS
// permission flow itself is out of CORE scope, §1).
type ErrPermissionDenied string

func (e ErrPermissionDenied) Error() string { return string(e) }

// ErrReleased is returned by Ready, Start, Stop and ApplyConfig once
// Release has been called (§7 Fatal). The other public operations do not
// check the released flag.
var ErrReleased = fmt.Errorf("orchestrator: engine released")

// State is the lifecycle snapshot returned by Ready/Start/Stop (§4.11).
type State struct {
	Enabled         bool
	SchedulerActive bool
}

// PermissionChecker abstracts the producer's permission gate consulted by
// Start (§4.11: "checks permission via the producer").
type PermissionChecker interface {
	HasPermission() bool
}

// Deps bundles every concrete collaborator the Orchestrator owns, per §9's
// "sole owner of concrete components" redesign note.
type Deps struct {
	Clock            clock.Source
	Timer            clock.Timer
	Log              *zap.Logger
	Metrics          *metrics.Registry
	Store            *store.Store
	LocationProducer tracker.Producer
	ActivityProducer ActivityProducer
	Permission       PermissionChecker
	SysMonitor       sysmonitor.Monitor
	ConfigPath       string
}

// Orchestrator is Orchestrator (C11).
type Orchestrator struct {
	mu sync.Mutex

	log     *zap.Logger
	clk     clock.Source
	timer   clock.Timer
	metrics *metrics.Registry

	configStore *config.Store
	store       *store.Store
	motion      *motion.Machine
	geofences   *geofence.Tracker
	scheduler   *schedule.Scheduler
	tracker     *tracker.Tracker
	delivery    *delivery.Engine
	dispatcher  *dispatcher.Dispatcher
	sysMonitor  sysmonitor.Monitor

	locationProducer tracker.Producer
	activityProducer ActivityProducer
	permission       PermissionChecker

	enabled  bool
	released bool
}

type autoSyncGate struct {
	monitor sysmonitor.Monitor
	cfg     func() config.Config
}

func (g autoSyncGate) AutoSyncAllowed() bool {
	cfg := g.cfg()
	return sysmonitor.IsAutoSyncAllowed(g.monitor, sysmonitor.GateConfig{DisableAutoSyncOnCellular: cfg.DisableAutoSyncOnCellular})
}

// New constructs an Orchestrator with no persisted state loaded yet; call
// Ready to hydrate it.
func New(d Deps) (*Orchestrator, error) {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Timer == nil {
		d.Timer = clock.SystemTimer{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}

	cfgStore, err := config.New(d.ConfigPath, d.Log)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load config: %w", err)
	}

	disp := dispatcher.New(d.Log)
	d.Store.SetMetrics(d.Metrics)

	o := &Orchestrator{
		log:              d.Log,
		clk:              d.Clock,
		timer:            d.Timer,
		metrics:          d.Metrics,
		configStore:      cfgStore,
		store:            d.Store,
		dispatcher:       disp,
		sysMonitor:       d.SysMonitor,
		locationProducer: d.LocationProducer,
		activityProducer: d.ActivityProducer,
		permission:       d.Permission,
	}
	return o, nil
}

// Ready loads persisted config, rehydrates state (odometer, trip-state,
// geofences), wires producers to the motion/geofence/tracker components,
// registers SystemMonitor, and leaves tracking disabled (§4.11).
func (o *Orchestrator) Ready(ctx context.Context) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return State{}, ErrReleased
	}

	cfg := o.configStore.Snapshot()

	o.geofences = geofence.New(cfg.MaxMonitoredGeofences)
	o.geofences.SetMetrics(o.metrics)

	gateCfgFn := func() config.Config { return o.configStore.Snapshot() }
	gate := autoSyncGate{monitor: o.sysMonitor, cfg: gateCfgFn}

	o.delivery = delivery.New(deliveryConfig(cfg), o.store, o.dispatcher, gate, o.clk, o.timer, o.log, o.metrics)

	o.tracker = tracker.New(cfg, tracker.Deps{
		Clock:     o.clk,
		Timer:     o.timer,
		Log:       o.log,
		Producer:  o.locationProducer,
		Geofences: o.geofences,
		Sink:      o.dispatcher,
		Store:     o.store,
		Delivery:  o.delivery,
		Gate:      gate,
	})
	// wiring: motion output -> tracker; the Orchestrator is the only holder
	// of concrete references (§9), so the motion machine reaches the tracker
	// through the small trackerMotionListener adapter type below.
	o.motion = motion.New(motionConfig(cfg), o.timer, o.clk, trackerMotionListener{t: o.tracker})

	if meters, err := o.store.Odometer(ctx); err == nil {
		o.tracker.LoadOdometer(meters)
	} else {
		o.log.Warn("orchestrator: failed to load persisted odometer", zap.Error(err))
	}

	if ts, err := o.store.TripStateSnapshot(ctx); err == nil {
		o.tracker.LoadTripState(ts)
	} else {
		o.log.Warn("orchestrator: failed to load persisted trip state", zap.Error(err))
	}

	if rows, err := o.store.ReadGeofences(ctx); err == nil {
		for _, row := range rows {
			if err := rehydrateGeofence(o.geofences, row); err != nil {
				o.log.Error("orchestrator: failed to rehydrate geofence", zap.Error(err), zap.String("identifier", row.Identifier))
			}
		}
	} else {
		o.log.Warn("orchestrator: failed to read persisted geofences", zap.Error(err))
	}

	o.scheduler = schedule.New(parseWindows(cfg.Schedule, o.log), o.scheduleListener, nil, time.Duration(config.DefaultScheduleTickSeconds)*time.Second)

	return State{Enabled: o.enabled}, nil
}

type trackerMotionListener struct{ t *tracker.Tracker }

func (l trackerMotionListener) OnMotionChange(isMoving bool)          { l.t.OnMotionChange(isMoving) }
func (l trackerMotionListener) OnActivityChange(a bgevent.Activity)   { l.t.OnActivityChange(a) }

func (o *Orchestrator) scheduleListener(shouldBeEnabled bool) bool {
	if shouldBeEnabled == o.IsEnabled() {
		return true
	}
	var err error
	if shouldBeEnabled {
		_, err = o.Start(context.Background())
	} else {
		_, err = o.Stop(context.Background())
	}
	if err != nil {
		o.log.Warn("orchestrator: scheduler failed to realize desired state", zap.Error(err))
		return false
	}
	return true
}

// IsEnabled reports the current tracking-enabled state.
func (o *Orchestrator) IsEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// Start activates tracking (§4.11): checks permission via the producer,
// then activates the location producer, starts the activity producer that
// feeds the motion machine, starts the heartbeat, opens a trip, and emits
// enabledchange and providerchange. Geofences are not touched here: Ready
// and AddGeofence register them with the tracker, which evaluates them on
// every fix.
func (o *Orchestrator) Start(ctx context.Context) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return State{}, ErrReleased
	}
	if o.enabled {
		return State{Enabled: true}, nil
	}
	if o.permission != nil && !o.permission.HasPermission() {
		o.log.Error("orchestrator: start denied, location permission not granted")
		return State{Enabled: false}, ErrPermissionDenied("location permission not granted")
	}

	if o.locationProducer != nil {
		if err := o.locationProducer.Start(ctx); err != nil {
			return State{Enabled: false}, fmt.Errorf("orchestrator: start location producer: %w", err)
		}
	}
	if o.activityProducer != nil {
		if err := o.activityProducer.Start(ctx, o.motion.OnActivityEvent); err != nil {
			o.log.Warn("orchestrator: activity producer failed to start", zap.Error(err))
		}
	}
	o.tracker.StartHeartbeat()
	o.tracker.StartTrip(ctx)

	o.enabled = true
	o.dispatcher.SendEvent(bgevent.Envelope{Type: bgevent.NameEnabledChange, Data: true})
	o.dispatcher.SendEvent(bgevent.Envelope{Type: bgevent.NameProviderChange, Data: nil})
	return State{Enabled: true}, nil
}

// Stop is the inverse of Start and emits enabledchange=false (§4.11).
func (o *Orchestrator) Stop(ctx context.Context) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return State{}, ErrReleased
	}
	if !o.enabled {
		return State{Enabled: false}, nil
	}

	if o.locationProducer != nil {
		o.locationProducer.Stop()
	}
	if o.activityProducer != nil {
		o.activityProducer.Stop()
	}
	o.tracker.StopHeartbeat()
	o.tracker.EndTrip(ctx)

	o.enabled = false
	o.dispatcher.SendEvent(bgevent.Envelope{Type: bgevent.NameEnabledChange, Data: false})
	return State{Enabled: false}, nil
}

// ApplyConfig is a superset of ConfigStore.Apply: after the merge it
// re-arms the subsystems that the changed keys affect (§4.11): a new
// heartbeat interval restarts the heartbeat, maxMonitoredGeofences resizes
// the geofence cap, and motion, delivery and schedule keys reconfigure
// their components. disableMotionActivityUpdates is stored in the config
// but no subsystem reads it.
func (o *Orchestrator) ApplyConfig(p config.Partial) ([]config.Delta, error) {
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		return nil, ErrReleased
	}
	o.mu.Unlock()

	deltas, err := o.configStore.Apply(p)
	if err != nil {
		return nil, err
	}
	cfg := o.configStore.Snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range deltas {
		switch d.Field {
		case "heartbeatIntervalSeconds":
			o.tracker.SetConfig(cfg)
			if o.enabled {
				o.tracker.StartHeartbeat()
			}
		case "maxMonitoredGeofences":
			o.geofences.SetMaxMonitored(cfg.MaxMonitoredGeofences)
		case "minActivityConfidence", "motionTriggerDelay", "stopDetectionDelay",
			"stopTimeoutMinutes", "disableStopDetection", "triggerActivities":
			o.motion.SetConfig(motionConfig(cfg))
		case "url", "method", "httpHeaders", "httpParams", "httpExtras", "httpTimeoutMs",
			"httpRootProperty", "idempotencyHeader", "maxBatchSize", "autoSyncThreshold",
			"maxRetry", "retryDelayMs", "retryDelayMultiplier", "maxRetryDelayMs",
			"breakerFailureThreshold", "breakerCooldownMs":
			o.delivery.SetConfig(deliveryConfig(cfg))
		case "schedule":
			o.scheduler.SetWindows(parseWindows(cfg.Schedule, o.log))
		}
	}
	o.tracker.SetConfig(cfg)
	o.delivery.SetConfig(deliveryConfig(cfg))
	return deltas, nil
}

// ChangePace lets the embedding app manually force a motion state, the
// same effect as a MotionStateMachine-committed transition (§4.11).
func (o *Orchestrator) ChangePace(isMoving bool) {
	o.mu.Lock()
	t := o.tracker
	o.mu.Unlock()
	if t != nil {
		t.OnMotionChange(isMoving)
	}
}

// SyncNow triggers an explicit, policy-independent delivery attempt
// (§4.11), bypassing the SystemMonitor auto-sync gate the way a
// user-initiated action should.
func (o *Orchestrator) SyncNow(ctx context.Context) {
	o.mu.Lock()
	d := o.delivery
	o.mu.Unlock()
	if d == nil {
		return
	}
	d.AttemptBatchSync(ctx)
	d.SyncQueue(ctx, 0)
}

// FeedLocation delivers one location fix from the embedding app's concrete
// LocationProducer into the tracker pipeline (§4.7). Producers that cannot
// push through the Producer interface directly (e.g. a manual/HTTP-driven
// demo producer) call this instead of holding a *tracker.Tracker
// themselves, keeping the concrete tracker private to the Orchestrator.
func (o *Orchestrator) FeedLocation(ctx context.Context, coords bgevent.Coords, activity *bgevent.Activity) {
	o.mu.Lock()
	t := o.tracker
	o.mu.Unlock()
	if t != nil {
		t.OnLocationFix(ctx, coords, activity)
	}
}

// FeedActivity delivers one activity classification into the motion state
// machine, the same path a registered ActivityProducer drives (§4.4).
func (o *Orchestrator) FeedActivity(activity bgevent.Activity) {
	o.mu.Lock()
	m := o.motion
	o.mu.Unlock()
	if m != nil {
		m.OnActivityEvent(activity)
	}
}

// RegisterHeadless wires the embedding app's headless callback (§4.11,
// §4.10).
func (o *Orchestrator) RegisterHeadless(cb dispatcher.HeadlessCallback) {
	o.dispatcher.RegisterHeadless(cb)
}

// SetSink installs or clears the live event sink (§4.10).
func (o *Orchestrator) SetSink(sink dispatcher.Sink) {
	o.dispatcher.SetSink(sink)
}

// AddGeofence registers a circular geofence and persists it (§4.11).
func (o *Orchestrator) AddGeofence(ctx context.Context, g geofence.Geofence) error {
	if err := o.geofences.Add(g); err != nil {
		return err
	}
	payload, err := geofenceToJSON(g)
	if err != nil {
		return err
	}
	return o.store.UpsertGeofence(ctx, g.Identifier, payload, o.clk.NowMs())
}

// RemoveGeofence unregisters and deletes a geofence (§4.11).
func (o *Orchestrator) RemoveGeofence(ctx context.Context, identifier string) error {
	o.geofences.Remove(identifier)
	return o.store.DeleteGeofence(ctx, identifier)
}

// SetSchedule toggles the Scheduler's periodic tick (§4.11, §4.6).
func (o *Orchestrator) SetSchedule(ctx context.Context, enabled bool) {
	if enabled {
		o.scheduler.Start(ctx)
		if _, realized := o.scheduler.ApplyScheduleState(); realized {
			o.tracker.EmitScheduleEvent()
		}
		return
	}
	o.scheduler.Stop()
}

// Release cancels timers and marks the DeliveryEngine released (§5
// cancellation): in-flight requests observe the flag and skip
// delivery-side effects and retries. Subsequent Ready, Start, Stop and
// ApplyConfig calls return ErrReleased; the other operations do not check
// the released flag.
func (o *Orchestrator) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return
	}
	o.released = true
	if o.tracker != nil {
		o.tracker.StopHeartbeat()
	}
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
	if o.delivery != nil {
		o.delivery.Release()
	}
	if o.locationProducer != nil {
		o.locationProducer.Stop()
	}
	if o.activityProducer != nil {
		o.activityProducer.Stop()
	}
}

// canonicalActivityTypes maps a lower-cased trigger-activity name to its
// canonical bgevent.ActivityType, since config.NormalizeTriggerActivities
// lower-cases raw config strings but bgevent's constants are mixed-case
// (e.g. "onFoot", "inVehicle").
var canonicalActivityTypes = map[string]bgevent.ActivityType{
	"still":     bgevent.ActivityStill,
	"walking":   bgevent.ActivityWalking,
	"running":   bgevent.ActivityRunning,
	"onfoot":    bgevent.ActivityOnFoot,
	"invehicle": bgevent.ActivityInVehicle,
	"onbicycle": bgevent.ActivityOnBicycle,
	"unknown":   bgevent.ActivityUnknown,
}

func motionConfig(cfg config.Config) motion.Config {
	normalized := config.NormalizeTriggerActivities(cfg.TriggerActivities)
	triggers := make(map[bgevent.ActivityType]bool, len(normalized))
	for _, t := range normalized {
		if canonical, ok := canonicalActivityTypes[t]; ok {
			triggers[canonical] = true
		}
	}
	return motion.Config{
		MinActivityConfidence: cfg.MinActivityConfidence,
		TriggerActivities:     triggers,
		DisableStopDetection:  cfg.DisableStopDetection,
		MotionTriggerDelayMs:  cfg.MotionTriggerDelayMs,
		StopDetectionDelayMs:  cfg.StopDetectionDelayMs,
		StopTimeoutMinutes:    cfg.StopTimeoutMinutes,
	}
}

func deliveryConfig(cfg config.Config) delivery.Config {
	return delivery.Config{
		URL:                     cfg.URL,
		Method:                  cfg.Method,
		HTTPHeaders:             cfg.HTTPHeaders,
		HTTPParams:              cfg.HTTPParams,
		HTTPExtras:              cfg.HTTPExtras,
		HTTPTimeoutMs:           cfg.HTTPTimeoutMs,
		HTTPRootProperty:        cfg.HTTPRootProperty,
		IdempotencyHeader:       cfg.IdempotencyHeader,
		MaxBatchSize:            cfg.MaxBatchSize,
		AutoSyncThreshold:       cfg.AutoSyncThreshold,
		MaxRetry:                cfg.MaxRetry,
		RetryDelayMs:            cfg.RetryDelayMs,
		RetryDelayMultiplier:    cfg.RetryDelayMultiplier,
		MaxRetryDelayMs:         cfg.MaxRetryDelayMs,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerCooldownMs:       cfg.BreakerCooldownMs,
	}
}

func parseWindows(raw []string, log *zap.Logger) []schedule.Window {
	windows := make([]schedule.Window, 0, len(raw))
	for _, r := range raw {
		w, err := schedule.ParseWindow(r)
		if err != nil {
			log.Error("orchestrator: rejecting malformed schedule window", zap.String("window", r), zap.Error(err))
			continue
		}
		windows = append(windows, w)
	}
	return windows
}

func rehydrateGeofence(t *geofence.Tracker, row store.GeofenceRow) error {
	g, err := geofenceFromJSON(row.Payload)
	if err != nil {
		return err
	}
	return t.Add(g)
}
