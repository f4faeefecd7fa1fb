// Package clock provides the injected monotonic/wall clocks and identifier
// generator consulted by every stateful component (C3). Grounded on the
// teacher's pervasive time.Now().UTC()/uuid.NewString() call sites, lifted
// behind one interface per the redesign note in spec §9 ("model platform
// timers as an abstract Timer").
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Source abstracts wall-clock time, a monotonic counter, and identifier
// generation so components are deterministically testable.
type Source interface {
	NowMs() int64
	Monotonic() int64
	NewUUID() string
}

// System is the production Source backed by the real OS clock and a
// cryptographically random UUID generator (teacher's google/uuid).
type System struct{}

// processStart anchors Monotonic's readings. time.Since retains the
// runtime's monotonic reading internally, whereas extracting a wall-clock
// value (UnixNano and friends) strips it — so the reference point has to be
// a time.Time kept around, not a timestamp recomputed from one.
var processStart = time.Now()

// NowMs returns the current wall-clock time in UTC milliseconds.
func (System) NowMs() int64 { return time.Now().UTC().UnixMilli() }

// Monotonic returns a monotonically non-decreasing nanosecond count since
// process start, immune to wall-clock jumps (NTP steps, DST, user changes
// the system clock). Used wherever ordering or elapsed-time math must not
// reverse when NowMs does (§4.3, §4.7 TripEngine idle accumulation).
func (System) Monotonic() int64 { return time.Since(processStart).Nanoseconds() }

// NewUUID returns a new random UUID string.
func (System) NewUUID() string { return uuid.NewString() }

// Timer models a cancelable delayed callback (spec §9: "Platform timers").
// Implementations choose the host mechanism; the default uses time.AfterFunc.
type Timer interface {
	// PostDelayed schedules op to run after delay, returning a cancel token.
	PostDelayed(delay time.Duration, op func()) Token
	// Cancel stops a previously scheduled callback; a no-op if already fired
	// or already canceled.
	Cancel(tok Token)
}

// Token identifies a scheduled timer callback.
type Token interface{}

// SystemTimer is the production Timer backed by time.AfterFunc.
type SystemTimer struct{}

type afterFuncToken struct {
	t *time.Timer
}

// PostDelayed implements Timer.
func (SystemTimer) PostDelayed(delay time.Duration, op func()) Token {
	return afterFuncToken{t: time.AfterFunc(delay, op)}
}

// Cancel implements Timer.
func (SystemTimer) Cancel(tok Token) {
	if ft, ok := tok.(afterFuncToken); ok && ft.t != nil {
		ft.t.Stop()
	}
}
