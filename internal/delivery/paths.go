package delivery

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/store"
)

// SyncNow implements the single path (§4.8): POST one location envelope;
// on 2xx done, else schedule a retry per the capped-backoff schedule. If
// released or paused, the call is a no-op.
func (e *Engine) SyncNow(ctx context.Context, loc bgevent.Location) {
	if e.released.Load() || e.paused.Load() {
		return
	}
	e.singleAttempt.Store(0)
	e.sendSingle(ctx, loc)
}

func (e *Engine) sendSingle(ctx context.Context, loc bgevent.Location) {
	if e.released.Load() || e.paused.Load() {
		return
	}
	payload, err := locationToMap(loc)
	if err != nil {
		e.log.Error("delivery: single path encode failure", zap.Error(err))
		return
	}

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	body := buildSingleBody(cfg.HTTPRootProperty, payload, cfg.HTTPParams, cfg.HTTPExtras)
	status, text, err := e.doRequest(ctx, body, loc.UUID)
	e.recordAttempt("single", status, err)

	if err == nil {
		e.emitHTTPEvent(status, isSuccess(status), text)
	} else {
		e.emitHTTPEvent(0, false, err.Error())
	}

	if status == http.StatusUnauthorized {
		e.handleUnauthorized()
		return
	}
	if err == nil && isSuccess(status) {
		return
	}

	attempt := int(e.singleAttempt.Add(1))
	if attempt > cfg.MaxRetry {
		e.log.Warn("delivery: single path exhausted retries, dropping (persisted copy awaits batch sweep)", zap.String("uuid", loc.UUID))
		return
	}
	delay := ComputeBackoff(attempt, cfg.RetryDelayMs, cfg.RetryDelayMultiplier, cfg.MaxRetryDelayMs)
	if e.metrics != nil {
		e.metrics.DeliveryBackoffSeconds.Observe(float64(delay) / 1000.0)
	}
	e.timer.PostDelayed(time.Duration(delay)*time.Millisecond, func() {
		e.sendSingle(ctx, loc)
	})
}

// AttemptBatchSync implements the batch path (§4.8): read up to
// max(autoSyncThreshold, maxBatchSize) pending location records; if fewer
// than the effective threshold are present, return without sending.
// Otherwise send up to maxBatchSize in one body; on 2xx delete those
// records, else retry the same set.
func (e *Engine) AttemptBatchSync(ctx context.Context) {
	if e.released.Load() || e.paused.Load() || e.store == nil {
		return
	}
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	threshold := cfg.AutoSyncThreshold
	if threshold <= 0 {
		threshold = cfg.MaxBatchSize
	}
	readLimit := cfg.AutoSyncThreshold
	if cfg.MaxBatchSize > readLimit {
		readLimit = cfg.MaxBatchSize
	}

	locs, err := e.store.ReadLocations(ctx, readLimit)
	if err != nil {
		e.log.Warn("delivery: batch read failure", zap.Error(err))
		return
	}
	if len(locs) < threshold {
		return
	}
	if len(locs) > cfg.MaxBatchSize && cfg.MaxBatchSize > 0 {
		locs = locs[:cfg.MaxBatchSize]
	}
	if !e.policyAllows(len(locs)) {
		return
	}

	payloads := make([]map[string]any, 0, len(locs))
	uuids := make([]string, 0, len(locs))
	for _, l := range locs {
		m, err := locationToMap(l)
		if err != nil {
			continue
		}
		payloads = append(payloads, m)
		uuids = append(uuids, l.UUID)
	}

	body := buildBatchBody(cfg.HTTPRootProperty, payloads, cfg.HTTPParams, cfg.HTTPExtras)
	status, text, err := e.doRequest(ctx, body, "")
	e.recordAttempt("batch", status, err)
	if err == nil {
		e.emitHTTPEvent(status, isSuccess(status), text)
	} else {
		e.emitHTTPEvent(0, false, err.Error())
	}

	if status == http.StatusUnauthorized {
		e.handleUnauthorized()
		return
	}
	if err == nil && isSuccess(status) {
		e.batchAttempt.Store(0)
		if delErr := e.store.DeleteLocations(ctx, uuids); delErr != nil {
			e.log.Warn("delivery: failed to delete synced batch", zap.Error(delErr))
		}
		return
	}

	attempt := int(e.batchAttempt.Add(1))
	if attempt > cfg.MaxRetry {
		e.log.Warn("delivery: batch path exhausted retries, leaving rows for a later sweep", zap.Int("count", len(uuids)))
		e.batchAttempt.Store(0)
		return
	}
	delay := ComputeBackoff(attempt, cfg.RetryDelayMs, cfg.RetryDelayMultiplier, cfg.MaxRetryDelayMs)
	if e.metrics != nil {
		e.metrics.DeliveryBackoffSeconds.Observe(float64(delay) / 1000.0)
	}
	e.timer.PostDelayed(time.Duration(delay)*time.Millisecond, func() {
		e.AttemptBatchSync(ctx)
	})
}

// SyncQueue implements the queue path (§4.8): fetch queue items with
// nextRetryAt <= now, send each carrying its idempotency key in the
// configured header, and advance retry bookkeeping or dead-letter on
// failure. Items are dispatched across the bounded worker pool.
func (e *Engine) SyncQueue(ctx context.Context, limit int) {
	if e.released.Load() || e.paused.Load() || e.store == nil {
		return
	}
	now := e.clk.NowMs()
	items, err := e.store.ReadQueue(ctx, now, limit)
	if err != nil {
		e.log.Warn("delivery: queue read failure", zap.Error(err))
		return
	}
	if e.metrics != nil {
		if n, err := e.store.QueueCount(ctx); err == nil {
			e.metrics.QueueDepth.Set(float64(n))
		}
	}

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	if !e.policyAllows(len(items)) {
		return
	}

	var wg sync.WaitGroup
	for _, it := range items {
		it := it
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.sendQueueItem(ctx, it, cfg)
		}()
	}
	wg.Wait()
}

func (e *Engine) sendQueueItem(ctx context.Context, it store.QueueItem, cfg Config) {
	body := buildQueueBody(cfg.HTTPRootProperty, it.Payload, it.ID, it.Type, it.IdempotencyKey, cfg.HTTPParams, cfg.HTTPExtras)
	status, text, err := e.doRequest(ctx, body, it.IdempotencyKey)
	e.recordAttempt("queue", status, err)
	if err == nil {
		e.emitHTTPEvent(status, isSuccess(status), text)
	} else {
		e.emitHTTPEvent(0, false, err.Error())
	}

	if status == http.StatusUnauthorized {
		e.handleUnauthorized()
		return
	}
	if err == nil && isSuccess(status) {
		if delErr := e.store.DeleteQueueItems(ctx, []string{it.ID}); delErr != nil {
			e.log.Warn("delivery: failed to delete synced queue item", zap.Error(delErr), zap.String("id", it.ID))
		}
		return
	}

	nextRetryCount := it.RetryCount + 1
	if nextRetryCount > cfg.MaxRetry {
		failedAt := e.clk.NowMs()
		if dlErr := e.store.MoveToDeadLetter(ctx, it.ID, failedAt); dlErr != nil {
			e.log.Error("delivery: failed to move queue item to dead-letter", zap.Error(dlErr), zap.String("id", it.ID))
		}
		if e.metrics != nil {
			e.metrics.DeadLetterTotal.Inc()
		}
		return
	}
	delay := ComputeBackoff(nextRetryCount, cfg.RetryDelayMs, cfg.RetryDelayMultiplier, cfg.MaxRetryDelayMs)
	if e.metrics != nil {
		e.metrics.DeliveryBackoffSeconds.Observe(float64(delay) / 1000.0)
	}
	nextRetryAt := e.clk.NowMs() + delay
	if updErr := e.store.UpdateRetry(ctx, it.ID, nextRetryCount, nextRetryAt); updErr != nil {
		e.log.Warn("delivery: failed to update queue retry bookkeeping", zap.Error(updErr), zap.String("id", it.ID))
	}
}

func (e *Engine) handleUnauthorized() {
	e.Pause()
	e.log.Error("delivery: received 401, pausing until resume() is called")
}

func (e *Engine) recordAttempt(path string, status int, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "error"
	if err == nil {
		if isSuccess(status) {
			outcome = "success"
		} else {
			outcome = "http_error"
		}
	}
	e.metrics.DeliveryAttemptsTotal.WithLabelValues(path, outcome).Inc()
}
