// Package dispatcher implements EventDispatcher (C10): a single live sink
// with a headless fallback. Grounded on the teacher's
// internal/handlers/websocket.go connection-registry idiom (a guarded
// reference plus a goroutine-pump delivery path), narrowed from "map of
// many connections" to "at most one live sink" per §4.10.
package dispatcher

import (
	"sync"

	"go.uber.org/zap"

	"github.com/bgagent/trackcore/internal/bgevent"
)

// Sink receives dispatched events on the host's UI/main execution context
// (§4.10: "deliver on the UI/main execution context"). The Dispatcher
// itself just queues onto a single worker goroutine per sink generation to
// provide that FIFO-on-main-context guarantee without assuming any
// particular UI toolkit.
type Sink interface {
	OnEvent(env bgevent.Envelope)
}

// HeadlessCallback is the pre-registered callback invoked when no live
// sink is present and headless dispatch is enabled. The two opaque handles
// named in §4.10/§9 are the embedding application's concern; the CORE only
// knows "headless is enabled" and holds this callback reference.
type HeadlessCallback func(env bgevent.Envelope)

// Dispatcher is EventDispatcher (C10).
type Dispatcher struct {
	mu sync.Mutex

	sink     Sink
	sinkCh   chan bgevent.Envelope
	sinkDone chan struct{}

	headlessEnabled bool
	headless        HeadlessCallback
	headlessCh      chan bgevent.Envelope

	log *zap.Logger
}

// New constructs a Dispatcher with no live sink and headless disabled.
func New(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log}
}

// SetSink swaps or clears the live sink (nil clears it). In-flight events
// already queued on the previous sink's goroutine still deliver to it
// (§4.10: "in-flight events may still deliver to the previous sink if
// already scheduled").
func (d *Dispatcher) SetSink(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sinkCh != nil {
		close(d.sinkCh)
	}
	d.sink = sink
	if sink == nil {
		d.sinkCh = nil
		d.sinkDone = nil
		return
	}

	ch := make(chan bgevent.Envelope, 256)
	done := make(chan struct{})
	d.sinkCh = ch
	d.sinkDone = done
	go pumpSink(sink, ch, done)
}

func pumpSink(sink Sink, ch <-chan bgevent.Envelope, done chan<- struct{}) {
	defer close(done)
	for env := range ch {
		sink.OnEvent(env)
	}
}

// RegisterHeadless enables headless dispatch with the given callback. An
// empty cb disables headless dispatch (§4.11: registerHeadless).
func (d *Dispatcher) RegisterHeadless(cb HeadlessCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.headlessCh != nil {
		close(d.headlessCh)
		d.headlessCh = nil
	}
	d.headless = cb
	d.headlessEnabled = cb != nil
	if cb == nil {
		return
	}
	ch := make(chan bgevent.Envelope, 256)
	d.headlessCh = ch
	go pumpHeadless(cb, ch)
}

func pumpHeadless(cb HeadlessCallback, ch <-chan bgevent.Envelope) {
	for env := range ch {
		cb(env)
	}
}

// SendEvent delivers env to the live sink if one is registered; otherwise
// it hands off to the headless dispatcher if enabled, else drops the event
// with a debug log (§4.10).
func (d *Dispatcher) SendEvent(env bgevent.Envelope) {
	d.mu.Lock()
	sinkCh := d.sinkCh
	headlessCh := d.headlessCh
	headlessEnabled := d.headlessEnabled
	d.mu.Unlock()

	if sinkCh != nil {
		sinkCh <- env
		return
	}
	if headlessEnabled && headlessCh != nil {
		headlessCh <- env
		return
	}
	d.log.Debug("dispatcher: dropping event, no sink and headless unavailable", zap.String("type", string(env.Type)))
}

// HasSink reports whether a live sink is currently registered.
func (d *Dispatcher) HasSink() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink != nil
}
