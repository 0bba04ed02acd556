package api

import "time"

// Config collects the tunables of the queue, worker, and step engine.
// The zero value of any field means "use the default"; call Normalized
// to materialize defaults.
type Config struct {
	// MaxAttempts bounds the job-level retry counter. Once a job has
	// failed MaxAttempts times it is moved to the dead-letter ledger.
	MaxAttempts int

	// DefaultPriority is assigned to jobs enqueued without an explicit
	// priority. Lower values are served first.
	DefaultPriority int

	// DefaultBackoff is the base retry delay; attempt n waits
	// DefaultBackoff * 2^(n-1), capped at MaxBackoff.
	DefaultBackoff time.Duration
	MaxBackoff     time.Duration

	// Jitter is the maximum random addition to a computed backoff,
	// spreading out synchronized retry storms. A negative value disables
	// jitter entirely.
	Jitter time.Duration

	// MaxBatch caps how many rows one worker pass claims.
	MaxBatch int

	// WorkerBudget is the soft wall-clock budget of one worker pass,
	// deliberately smaller than the host's hard per-invocation ceiling so
	// the worker can unclaim leftover rows instead of being killed
	// mid-write.
	WorkerBudget time.Duration

	// StepMaxAttempts bounds the per-step attempt counter for retryable
	// step failures.
	StepMaxAttempts int

	// StepBudget is the soft time limit handed to each step invocation.
	StepBudget time.Duration

	// LockTimeout is how long lock acquisition waits before giving up
	// with ErrBusy. Contention is non-fatal: the caller skips.
	LockTimeout time.Duration

	// MaxErrorLen truncates recorded diagnostics.
	MaxErrorLen int

	// MoveAfterDays ages DONE / ERROR rows out of the primary ledger into
	// the dead-letter ledger; PurgeAfterDays ages rows out of the
	// dead-letter ledger entirely.
	MoveAfterDays  int
	PurgeAfterDays int
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{}.Normalized()
}

// Normalized returns a copy with zero fields replaced by defaults.
func (c Config) Normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = 100
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = 5 * time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 10
	}
	if c.WorkerBudget <= 0 {
		c.WorkerBudget = 4 * time.Minute
	}
	if c.StepMaxAttempts <= 0 {
		c.StepMaxAttempts = 3
	}
	if c.StepBudget <= 0 {
		c.StepBudget = 3 * time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Second
	}
	if c.MaxErrorLen <= 0 {
		c.MaxErrorLen = 2000
	}
	if c.MoveAfterDays <= 0 {
		c.MoveAfterDays = 7
	}
	if c.PurgeAfterDays <= 0 {
		c.PurgeAfterDays = 30
	}
	return c
}
