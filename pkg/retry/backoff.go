package retry

import (
	"math"
	"time"
)

// Jitter bounds: the exponential delay is scaled by a factor drawn uniformly from [jitterMin, jitterMin+jitterSpan).
const (
	jitterMin  = 0.5
	jitterSpan = 0.5
)

// ComputeDelay returns the wait before retry number attemptIndex+1, where
// attemptIndex 0 is the delay after the first attempt failed.
//
// With exponential backoff disabled the result is always BaseDelay. Otherwise
// it is min(BaseDelay * 2^attemptIndex * jitter, MaxDelay), jitter in [0.5, 1.0).
// The cap is applied after jitter.
func ComputeDelay(attemptIndex int, cfg Config) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	if !cfg.UseExponentialBackoff {
		return cfg.BaseDelay
	}

	raw := exponential(cfg.BaseDelay, attemptIndex, cfg.MaxDelay)
	jitter := jitterMin + cfg.random()*jitterSpan
	delay := time.Duration(float64(raw) * jitter)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// exponential computes base * 2^n, stopping early once even the smallest
// jitter factor would push the value past ceiling. This keeps the result
// identical after capping while avoiding overflow for large n.
func exponential(base time.Duration, n int, ceiling time.Duration) time.Duration {
	raw := base
	for i := 0; i < n; i++ {
		if raw <= 0 || raw/2 >= ceiling || raw > math.MaxInt64/2 {
			break
		}
		raw *= 2
	}
	return raw
}
