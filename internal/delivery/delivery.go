// Package delivery implements DeliveryEngine (C8): offline-first HTTP sync
// across single/batch/queue paths, capped-exponential backoff, idempotency,
// and dead-lettering. Grounded on the teacher's cmd/server/main.go
// circuit-breaker wiring (sony/gobreaker around outbound calls) and
// internal/utils/mqtt.go's manual retry-with-backoff publish loop,
// generalized from MQTT topic publish and DB calls to HTTP POST per §4.8.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/clock"
	"github.com/bgagent/trackcore/internal/metrics"
	"github.com/bgagent/trackcore/internal/store"
)

// EventSink receives the http attempt events (§4.8: "every attempt emits
// {type: 'http', data: {status, ok, responseText}}").
type EventSink interface {
	SendEvent(env bgevent.Envelope)
}

// Store is the subset of PersistentStore (C2) DeliveryEngine drives.
type Store interface {
	ReadLocations(ctx context.Context, limit int) ([]bgevent.Location, error)
	DeleteLocations(ctx context.Context, uuids []string) error
	ReadQueue(ctx context.Context, nowMs int64, limit int) ([]store.QueueItem, error)
	UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAtMs int64) error
	DeleteQueueItems(ctx context.Context, ids []string) error
	MoveToDeadLetter(ctx context.Context, id string, failedAtMs int64) error
	QueueCount(ctx context.Context) (int, error)
}

// Gate is SystemMonitor's §4.9 auto-sync decision, consulted before any
// auto-triggered send (manual syncNow calls from the embedding app bypass
// it, matching §4.11's explicit syncNow() entry point).
type Gate interface {
	AutoSyncAllowed() bool
}

// PowerInfo is an optional collaborator for the §4.8 SyncPolicy gate
// (requireCharging/lowBatteryThreshold). Left unset, those two checks are
// treated as satisfied.
type PowerInfo interface {
	Charging() bool
	BatteryPercent() int
}

// SyncPolicy is the optional §4.8 gate evaluated before sending.
type SyncPolicy struct {
	RequireCharging     bool
	PreferWifi          bool
	LowBatteryThreshold int
	MinBatchSize        int
	MaxBatchSize        int
}

// Config carries the subset of the global Config the engine consults.
type Config struct {
	URL                  string
	Method               string
	HTTPHeaders          map[string]string
	HTTPParams           map[string]any
	HTTPExtras           map[string]any
	HTTPTimeoutMs        int
	HTTPRootProperty     string
	IdempotencyHeader    string
	MaxBatchSize         int
	AutoSyncThreshold    int
	MaxRetry             int
	RetryDelayMs         int64
	RetryDelayMultiplier float64
	MaxRetryDelayMs      int64
	BreakerFailureThreshold int
	BreakerCooldownMs       int
}

// HeaderCallback is the dynamic header hook (§4.8): invoked before every
// request; its values override static HTTPHeaders on conflict.
type HeaderCallback func() map[string]string

// Engine is DeliveryEngine (C8).
type Engine struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	sink    EventSink
	gate    Gate
	power   PowerInfo
	policy  *SyncPolicy
	clk     clock.Source
	timer   clock.Timer
	log     *zap.Logger
	metrics *metrics.Registry

	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	sem         chan struct{}
	headerFn    HeaderCallback

	paused   atomic.Bool
	released atomic.Bool

	batchAttempt atomic.Int64
	singleAttempt atomic.Int64
}

// Concurrency is the default worker-pool size (§4.8: "default concurrency 4").
const Concurrency = 4

// New constructs an Engine. metricsReg and sink may be nil (tests).
func New(cfg Config, st Store, sink EventSink, gate Gate, clk clock.Source, timer clock.Timer, log *zap.Logger, metricsReg *metrics.Registry) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if timer == nil {
		timer = clock.SystemTimer{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		sink:    sink,
		gate:    gate,
		clk:     clk,
		timer:   timer,
		log:     log,
		metrics: metricsReg,
		sem:     make(chan struct{}, Concurrency),
		limiter: rate.NewLimiter(rate.Limit(Concurrency*2), Concurrency*2),
	}
	e.rebuildClientLocked()
	e.rebuildBreakerLocked()
	return e
}

// SetConfig swaps the live tuning parameters, rebuilding the HTTP client
// and breaker if their settings changed.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.rebuildClientLocked()
	e.rebuildBreakerLocked()
}

// SetHeaderCallback registers the dynamic per-request header hook.
func (e *Engine) SetHeaderCallback(fn HeaderCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.headerFn = fn
}

// SetSyncPolicy installs the optional §4.8 gate (nil disables it).
func (e *Engine) SetSyncPolicy(p *SyncPolicy, power PowerInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	e.power = power
}

func (e *Engine) rebuildClientLocked() {
	timeout := time.Duration(e.cfg.HTTPTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	e.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: timeout,
		},
	}
}

func (e *Engine) rebuildBreakerLocked() {
	threshold := uint32(e.cfg.BreakerFailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	cooldown := time.Duration(e.cfg.BreakerCooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "DeliveryEngineBreaker",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Warn("delivery: circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			if e.metrics != nil {
				e.metrics.BreakerStateChanges.WithLabelValues(to.String()).Inc()
			}
		},
	})
}

// Pause halts all new outbound requests.
func (e *Engine) Pause() { e.paused.Store(true) }

// Paused reports whether the pause flag is set.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Resume clears the pause flag and triggers an immediate best-effort drain
// of pending locations and queue items (§4.8).
func (e *Engine) Resume(ctx context.Context) {
	e.paused.Store(false)
	go e.AttemptBatchSync(ctx)
	go e.SyncQueue(ctx, 0)
}

// Release marks the engine unusable; subsequent operations are no-ops
// (§7 Fatal: "release() marks the engine unusable").
func (e *Engine) Release() { e.released.Store(true) }

func (e *Engine) acquire() func() {
	e.sem <- struct{}{}
	return func() { <-e.sem }
}

func (e *Engine) autoSyncAllowed() bool {
	if e.gate == nil {
		return true
	}
	return e.gate.AutoSyncAllowed()
}

// policyAllows evaluates the optional §4.8 SyncPolicy gate for a send of
// the given batch size.
func (e *Engine) policyAllows(batchSize int) bool {
	e.mu.Lock()
	p := e.policy
	power := e.power
	e.mu.Unlock()
	if p == nil {
		return true
	}
	if p.MinBatchSize > 0 && batchSize < p.MinBatchSize {
		return false
	}
	if power != nil {
		if p.RequireCharging && !power.Charging() {
			return false
		}
		if p.LowBatteryThreshold > 0 && power.BatteryPercent() < p.LowBatteryThreshold {
			return false
		}
	}
	return true
}

func (e *Engine) emitHTTPEvent(status int, ok bool, responseText string) {
	if e.sink == nil {
		return
	}
	e.sink.SendEvent(bgevent.Envelope{
		Type: bgevent.NameHTTP,
		Data: bgevent.HTTPEventData{Status: status, OK: ok, ResponseText: responseText},
	})
}

// doRequest executes one POST with the configured headers, through the
// circuit breaker, and returns the HTTP status and a truncated response
// body (or an error for transport failures/breaker trips).
func (e *Engine) doRequest(ctx context.Context, body map[string]any, idempotencyKey string) (status int, respText string, err error) {
	e.mu.Lock()
	url := e.cfg.URL
	method := e.cfg.Method
	headers := cloneStringMap(e.cfg.HTTPHeaders)
	idemHeader := e.cfg.IdempotencyHeader
	headerFn := e.headerFn
	client := e.client
	breaker := e.breaker
	e.mu.Unlock()

	if method == "" {
		method = http.MethodPost
	}
	if idemHeader == "" {
		idemHeader = "Idempotency-Key"
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return 0, "", err
	}
	release := e.acquire()
	defer release()

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, "", fmt.Errorf("delivery: marshal body: %w", err)
	}

	result, err := breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(sanitizeHeaderValue(k), sanitizeHeaderValue(v))
		}
		if headerFn != nil {
			for k, v := range headerFn() {
				req.Header.Set(sanitizeHeaderValue(k), sanitizeHeaderValue(v))
			}
		}
		if idempotencyKey != "" {
			req.Header.Set(idemHeader, sanitizeHeaderValue(idempotencyKey))
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return httpResult{status: resp.StatusCode, text: string(data)}, nil
	})
	if err != nil {
		return 0, "", err
	}
	r := result.(httpResult)
	return r.status, r.text, nil
}

type httpResult struct {
	status int
	text   string
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
