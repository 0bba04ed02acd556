package api

import "time"

// BackoffDelay computes the retry delay for the given attempt count
// (1-based) without jitter: DefaultBackoff * 2^(attempts-1), capped at
// MaxBackoff. The caller adds jitter separately so the deterministic part
// stays testable.
func BackoffDelay(cfg Config, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := cfg.DefaultBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		// Guard against overflow on absurd attempt counts.
		if d <= 0 || d >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}

	if d > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return d
}
