package delivery

import "math"

// ComputeBackoff implements the §4.8 capped-exponential-backoff schedule:
// delay = clamp(retryDelayMs * retryDelayMultiplier^(attempt-1), retryDelayMs, maxRetryDelayMs).
// attempt is 1-based (the delay before the first retry, i.e. after the
// first failure, is retryDelayMs itself).
func ComputeBackoff(attempt int, retryDelayMs int64, multiplier float64, maxRetryDelayMs int64) int64 {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(retryDelayMs) * math.Pow(multiplier, float64(attempt-1))
	delay := int64(raw)
	if delay < retryDelayMs {
		delay = retryDelayMs
	}
	if delay > maxRetryDelayMs {
		delay = maxRetryDelayMs
	}
	return delay
}
