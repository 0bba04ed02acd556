package ledgerq

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// RunnerConfig selects the schedules a Runner drives its Bundle on.
// Specs use cron syntax, including the @every shorthand.
type RunnerConfig struct {
	// WorkerSpec schedules claim-and-dispatch passes. Default "@every 1m".
	WorkerSpec string

	// SweepSpec schedules retention sweeps. Default "@every 1h".
	SweepSpec string
}

func (c RunnerConfig) normalized() RunnerConfig {
	if c.WorkerSpec == "" {
		c.WorkerSpec = "@every 1m"
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 1h"
	}
	return c
}

// Runner drives a Bundle on a schedule: periodic worker passes plus
// less frequent retention sweeps. It is the single-process convenience
// harness; deployments with an external scheduler call
// Bundle.Worker.RunOnce and Bundle.Maintenance.Sweep themselves.
//
// Typical usage:
//
//	runner := ledgerq.NewRunner(bundle, ledgerq.RunnerConfig{})
//	if err := runner.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer runner.Stop()
type Runner struct {
	bundle *Bundle
	cfg    RunnerConfig
	log    *slog.Logger

	// sem collapses in-process overlap so slow passes queue at most one
	// deep; cross-process overlap is the claim lock's job.
	sem *semaphore.Weighted

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRunner constructs a Runner over the given Bundle.
func NewRunner(bundle *Bundle, cfg RunnerConfig) *Runner {
	return &Runner{
		bundle: bundle,
		cfg:    cfg.normalized(),
		log:    slog.Default(),
		sem:    semaphore.NewWeighted(1),
	}
}

// Start recovers stuck jobs, then begins scheduling. It returns an
// error if the Runner is already started or a schedule spec is invalid.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("ledgerq: Runner already started")
	}

	if n, err := r.bundle.Worker.RecoverStuck(ctx); err != nil {
		return err
	} else if n > 0 {
		r.log.InfoContext(ctx, "recovered_stuck_jobs", slog.Int("count", n))
	}

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.WorkerSpec, func() { r.workerPass(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(r.cfg.SweepSpec, func() { r.sweepPass(ctx) }); err != nil {
		return err
	}
	c.Start()

	r.cron = c
	r.running = true
	return nil
}

// Stop halts scheduling and waits for any in-flight pass to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.running = false
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (r *Runner) workerPass(ctx context.Context) {
	if !r.sem.TryAcquire(1) {
		return
	}
	defer r.sem.Release(1)

	stats, err := r.bundle.Worker.RunOnce(ctx)
	if err != nil {
		r.log.ErrorContext(ctx, "worker_pass_failed", slog.Any("error", err))
		return
	}
	if stats.Claimed > 0 {
		r.log.DebugContext(ctx, "worker_pass",
			slog.Int("claimed", stats.Claimed),
			slog.Int("done", stats.Done),
			slog.Int("retried", stats.Retried),
			slog.Int("dead_lettered", stats.DeadLettered),
			slog.Int("unclaimed", stats.Unclaimed))
	}
}

func (r *Runner) sweepPass(ctx context.Context) {
	if !r.sem.TryAcquire(1) {
		return
	}
	defer r.sem.Release(1)

	if _, err := r.bundle.Maintenance.Sweep(ctx); err != nil {
		r.log.ErrorContext(ctx, "retention_sweep_failed", slog.Any("error", err))
	}
}
