// Package motion implements MotionStateMachine (C4): a debounced
// moving/stationary classifier driven by activity events. There is no
// direct teacher analogue (the teacher has no debounce timers); the
// mutex-guarded-struct shape is grounded on the teacher's TrackingSession
// (internal/models/tracking.go), generalized to the timer-armed transition
// rules of spec §4.4.
package motion

import (
	"sync"
	"time"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/clock"
)

// Config carries the subset of the global Config this component consults.
type Config struct {
	MinActivityConfidence int
	TriggerActivities     map[bgevent.ActivityType]bool
	DisableStopDetection  bool
	MotionTriggerDelayMs  int64
	StopDetectionDelayMs  int64
	StopTimeoutMinutes    int64
}

// Listener receives the two output callbacks named in §4.4.
type Listener interface {
	OnMotionChange(isMoving bool)
	OnActivityChange(activity bgevent.Activity)
}

// Machine is MotionStateMachine (C4).
type Machine struct {
	mu  sync.Mutex
	cfg Config

	timer clock.Timer
	clk   clock.Source

	moving       bool
	lastActivity bgevent.Activity

	pendingStart clock.Token
	pendingStop  clock.Token

	listener Listener
}

// New constructs a Machine in its initial state: moving=false,
// lastActivity=("unknown",0).
func New(cfg Config, timer clock.Timer, clk clock.Source, listener Listener) *Machine {
	if timer == nil {
		timer = clock.SystemTimer{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Machine{
		cfg:          cfg,
		timer:        timer,
		clk:          clk,
		lastActivity: bgevent.Activity{Type: bgevent.ActivityUnknown, Confidence: 0},
		listener:     listener,
	}
}

// SetConfig swaps the live tuning parameters (used by applyConfig's
// re-arming path in the Orchestrator).
func (m *Machine) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// IsMoving reports the current committed state.
func (m *Machine) IsMoving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving
}

// OnActivityEvent feeds one ActivityEvent(type, confidence) into the
// classifier, per the §4.4 algorithm.
func (m *Machine) OnActivityEvent(activity bgevent.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if activity.Confidence < m.cfg.MinActivityConfidence {
		return
	}

	m.lastActivity = activity
	if m.listener != nil {
		m.listener.OnActivityChange(activity)
	}

	nextMoving := m.cfg.TriggerActivities[activity.Type]

	if nextMoving {
		m.handleMovingCandidateLocked()
	} else {
		m.handleStationaryCandidateLocked()
	}
}

func (m *Machine) handleMovingCandidateLocked() {
	m.cancelTimerLocked(&m.pendingStop)
	if m.moving {
		m.cancelTimerLocked(&m.pendingStart)
		return
	}
	if m.cfg.MotionTriggerDelayMs > 0 {
		if m.pendingStart != nil {
			return
		}
		m.pendingStart = m.timer.PostDelayed(msToDuration(m.cfg.MotionTriggerDelayMs), func() {
			m.commitMoving(true)
		})
		return
	}
	if m.commitMovingLocked(true) && m.listener != nil {
		m.listener.OnMotionChange(true)
	}
}

func (m *Machine) handleStationaryCandidateLocked() {
	if m.cfg.DisableStopDetection {
		return
	}
	m.cancelTimerLocked(&m.pendingStart)
	if !m.moving {
		return
	}
	var delayMs int64
	switch {
	case m.cfg.StopTimeoutMinutes > 0:
		delayMs = m.cfg.StopTimeoutMinutes * 60 * 1000
	case m.cfg.StopDetectionDelayMs > 0:
		delayMs = m.cfg.StopDetectionDelayMs
	default:
		if m.commitMovingLocked(false) && m.listener != nil {
			m.listener.OnMotionChange(false)
		}
		return
	}
	if m.pendingStop != nil {
		return
	}
	m.pendingStop = m.timer.PostDelayed(msToDuration(delayMs), func() {
		m.commitMoving(false)
	})
}

// commitMoving applies the transition and fires OnMotionChange if the
// state actually flips. It acquires the lock itself since it runs from
// a timer callback.
func (m *Machine) commitMoving(isMoving bool) {
	m.mu.Lock()
	changed := m.commitMovingLocked(isMoving)
	listener := m.listener
	m.mu.Unlock()

	if changed && listener != nil {
		listener.OnMotionChange(isMoving)
	}
}

// commitMovingLocked applies the transition with m.mu already held and
// reports whether the state actually flipped.
func (m *Machine) commitMovingLocked(isMoving bool) bool {
	if isMoving {
		m.pendingStart = nil
	} else {
		m.pendingStop = nil
	}
	changed := m.moving != isMoving
	m.moving = isMoving
	return changed
}

func (m *Machine) cancelTimerLocked(tok *clock.Token) {
	if *tok == nil {
		return
	}
	m.timer.Cancel(*tok)
	*tok = nil
}

func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
