// Package geofence implements GeofenceTracker (C5): an ordered registry of
// circular and polygon regions, evaluated against each accepted location to
// produce enter/exit/dwell transitions. Grounded on the teacher's
// internal/services/geofence.go (Geofence struct shape, ValidateGeofenceParameters,
// ContainsPoint, numbered-steps doc style) generalized from the teacher's
// single walk-scoped circular geofence to the spec's multi-region registry
// with polygon support (new; authored in the teacher's idiom, no teacher
// analogue for ray-casting).
package geofence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/geo"
	"github.com/bgagent/trackcore/internal/metrics"
)

// Action enumerates the transition kinds a region can emit (§4.5).
type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
	ActionDwell Action = "dwell"
)

// Geofence is a circular region (§3 data model entity).
type Geofence struct {
	Identifier      string
	CenterLatitude  float64
	CenterLongitude float64
	RadiusMeters    float64
	NotifyOnEntry   bool
	NotifyOnExit    bool
	NotifyOnDwell   bool
	LoiteringDelayMs int64
	Extras          map[string]any
}

// Validate checks the §3 Geofence invariants. Mirrors the teacher's
// ValidateGeofenceParameters shape, widened to this spec's field set.
func (g Geofence) Validate() error {
	if g.Identifier == "" {
		return errors.New("geofence: identifier must not be empty")
	}
	if g.CenterLatitude < bgevent.MinLatitude || g.CenterLatitude > bgevent.MaxLatitude {
		return fmt.Errorf("geofence %q: latitude %.6f out of range", g.Identifier, g.CenterLatitude)
	}
	if g.CenterLongitude < bgevent.MinLongitude || g.CenterLongitude > bgevent.MaxLongitude {
		return fmt.Errorf("geofence %q: longitude %.6f out of range", g.Identifier, g.CenterLongitude)
	}
	if g.RadiusMeters <= 0 {
		return fmt.Errorf("geofence %q: radius must be > 0", g.Identifier)
	}
	if g.LoiteringDelayMs < 0 {
		return fmt.Errorf("geofence %q: loiteringDelayMs must be >= 0", g.Identifier)
	}
	return nil
}

func (g Geofence) contains(lat, lon float64) bool {
	return geo.HaversineMeters(g.CenterLatitude, g.CenterLongitude, lat, lon) <= g.RadiusMeters
}

// PolygonGeofence is a polygon region (§3 data model entity).
type PolygonGeofence struct {
	Identifier    string
	Vertices      []geo.Point
	NotifyOnEntry bool
	NotifyOnExit  bool
}

// Validate checks the §3 PolygonGeofence invariants: at least 3 vertices,
// each a valid lat/lng pair.
func (p PolygonGeofence) Validate() error {
	if p.Identifier == "" {
		return errors.New("polygon geofence: identifier must not be empty")
	}
	if len(p.Vertices) < 3 {
		return fmt.Errorf("polygon geofence %q: requires at least 3 vertices, got %d", p.Identifier, len(p.Vertices))
	}
	for i, v := range p.Vertices {
		if v.Lat < bgevent.MinLatitude || v.Lat > bgevent.MaxLatitude || v.Lon < bgevent.MinLongitude || v.Lon > bgevent.MaxLongitude {
			return fmt.Errorf("polygon geofence %q: vertex %d out of range", p.Identifier, i)
		}
	}
	return nil
}

func (p PolygonGeofence) contains(lat, lon float64) bool {
	return geo.InPolygon(geo.Point{Lat: lat, Lon: lon}, p.Vertices)
}

// region is the internal union of a circular and polygon definition,
// tracked uniformly by the transition state machine below.
type region struct {
	id             string
	circle         *Geofence
	polygon        *PolygonGeofence
	insertionOrder int64

	isInside       bool
	enteredAtMs    int64
	dwellFired     bool
}

func (r *region) notifyOnEntry() bool {
	if r.circle != nil {
		return r.circle.NotifyOnEntry
	}
	return r.polygon.NotifyOnEntry
}

func (r *region) notifyOnExit() bool {
	if r.circle != nil {
		return r.circle.NotifyOnExit
	}
	return r.polygon.NotifyOnExit
}

func (r *region) notifyOnDwell() bool {
	return r.circle != nil && r.circle.NotifyOnDwell
}

func (r *region) loiteringDelayMs() int64 {
	if r.circle != nil {
		return r.circle.LoiteringDelayMs
	}
	return 0
}

func (r *region) containsPoint(lat, lon float64) bool {
	if r.circle != nil {
		return r.circle.contains(lat, lon)
	}
	return r.polygon.contains(lat, lon)
}

// Transition is one enter/exit/dwell event produced by Evaluate, paired
// with the triggering location (§4.5: "Events include the identifier,
// action, and the triggering location").
type Transition struct {
	Identifier string
	Action     Action
	Location   bgevent.Location
}

// Tracker is GeofenceTracker (C5): the ordered registry plus per-region
// inside-state, evaluated on every accepted location.
type Tracker struct {
	mu       sync.Mutex
	order    []string
	regions  map[string]*region
	maxCount int
	seq      int64
	metrics  *metrics.Registry
}

// SetMetrics attaches an optional metrics registry, wired by the
// Orchestrator once the Tracker and Registry both exist.
func (t *Tracker) SetMetrics(m *metrics.Registry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// New constructs an empty Tracker. maxCount <= 0 means unbounded
// (maxMonitoredGeofences, §6).
func New(maxCount int) *Tracker {
	return &Tracker{
		regions:  make(map[string]*region),
		maxCount: maxCount,
	}
}

// SetMaxMonitored updates the cap applied on the next Add/AddPolygon call
// that would exceed it.
func (t *Tracker) SetMaxMonitored(maxCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxCount = maxCount
}

// Add registers or replaces a circular geofence.
func (t *Tracker) Add(g Geofence) error {
	if err := g.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(g.Identifier, &region{id: g.Identifier, circle: &g})
	return nil
}

// AddPolygon registers or replaces a polygon geofence.
func (t *Tracker) AddPolygon(p PolygonGeofence) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(p.Identifier, &region{id: p.Identifier, polygon: &p})
	return nil
}

func (t *Tracker) upsertLocked(id string, r *region) {
	if existing, ok := t.regions[id]; ok {
		r.insertionOrder = existing.insertionOrder
		r.isInside = existing.isInside
		r.enteredAtMs = existing.enteredAtMs
		r.dwellFired = existing.dwellFired
		t.regions[id] = r
		return
	}
	t.seq++
	r.insertionOrder = t.seq
	t.regions[id] = r
	t.order = append(t.order, id)

	// maxMonitoredGeofences caps the active set; oldest-by-insertion are
	// evicted first (§4.5).
	if t.maxCount > 0 {
		for len(t.order) > t.maxCount {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.regions, oldest)
			if t.metrics != nil {
				t.metrics.StoreEvictionsTotal.WithLabelValues("geofences").Inc()
			}
		}
	}
}

// Remove unregisters a geofence by identifier.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.regions[id]; !ok {
		return
	}
	delete(t.regions, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Identifiers returns the registered identifiers, oldest-insertion-first.
func (t *Tracker) Identifiers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Evaluate runs every registered region against loc and nowMs, returning
// the transitions produced per the §4.5 state machine:
//   - was false, is true: enter if notifyOnEntry.
//   - was true, is false: exit if notifyOnExit.
//   - was true, remains true for loiteringDelayMs continuously: dwell once
//     per dwell window if notifyOnDwell.
func (t *Tracker) Evaluate(loc bgevent.Location, nowMs int64) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for _, id := range t.order {
		r := t.regions[id]
		inside := r.containsPoint(loc.Coords.Latitude, loc.Coords.Longitude)

		switch {
		case !r.isInside && inside:
			r.isInside = true
			r.enteredAtMs = nowMs
			r.dwellFired = false
			if r.notifyOnEntry() {
				out = append(out, Transition{Identifier: id, Action: ActionEnter, Location: loc})
			}
		case r.isInside && !inside:
			r.isInside = false
			r.dwellFired = false
			if r.notifyOnExit() {
				out = append(out, Transition{Identifier: id, Action: ActionExit, Location: loc})
			}
		case r.isInside && inside:
			delay := r.loiteringDelayMs()
			if delay > 0 && !r.dwellFired && nowMs-r.enteredAtMs >= delay {
				r.dwellFired = true
				if r.notifyOnDwell() {
					out = append(out, Transition{Identifier: id, Action: ActionDwell, Location: loc})
				}
			}
		}
	}
	return out
}
