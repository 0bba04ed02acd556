package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerq/ledgerq/internal/ledger"
	"github.com/ledgerq/ledgerq/internal/lock"
	"github.com/ledgerq/ledgerq/pkg/api"
)

// Worker claims and dispatches one bounded batch of jobs per invocation.
//
// Exactly-once is approximated, not guaranteed: the claim phase runs
// under a shared claim lock and the claim batch is flushed before any
// handler runs, which closes the window where two overlapping
// invocations could both act on a row. Handlers must still tolerate
// at-least-once delivery.
type Worker struct {
	store    ledger.Store
	locker   lock.Locker
	table    *DispatchTable
	cfg      api.Config
	observer api.Observer
	log      *slog.Logger
	id       string

	// now and jitter are swapped in tests.
	now    func() time.Time
	jitter func() time.Duration
}

// Stats summarizes one worker pass.
type Stats struct {
	// Skipped is true when the pass did nothing because another worker
	// instance held the claim lock.
	Skipped bool

	Claimed      int
	Done         int
	Retried      int
	DeadLettered int

	// Unclaimed counts claimed rows rolled back to PENDING because the
	// pass ran out of budget before reaching them.
	Unclaimed int
}

// New creates a Worker over the given store, locker, and dispatch table.
func New(store ledger.Store, locker lock.Locker, table *DispatchTable, cfg api.Config) *Worker {
	return NewWithObserver(store, locker, table, cfg, nil)
}

// NewWithObserver creates a Worker with the given Observer.
func NewWithObserver(store ledger.Store, locker lock.Locker, table *DispatchTable, cfg api.Config, obs api.Observer) *Worker {
	if obs == nil {
		obs = api.NoopObserver{}
	}
	cfg = cfg.Normalized()

	w := &Worker{
		store:    store,
		locker:   locker,
		table:    table,
		cfg:      cfg,
		observer: obs,
		log:      slog.Default(),
		id:       uuid.NewString(),
		now:      time.Now,
	}
	w.jitter = func() time.Duration {
		if cfg.Jitter <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(cfg.Jitter)))
	}
	return w
}

// ID returns the worker instance identifier recorded on claimed rows.
func (w *Worker) ID() string {
	return w.id
}

// RunOnce executes one claim-and-dispatch pass.
//
// The pass is skipped entirely when the claim lock is busy. Per-row
// failures are absorbed into the retry / dead-letter bookkeeping; only
// ledger-level failures are returned as errors.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	release, err := w.locker.Acquire(ctx, lock.NameWorker, w.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			w.log.DebugContext(ctx, "worker_pass_skipped", slog.String("worker_id", w.id))
			stats.Skipped = true
			return stats, nil
		}
		return stats, err
	}
	defer release()

	start := w.now()

	pending, err := w.store.ListJobs(ctx, ledger.Filter{Status: api.StatusPending})
	if err != nil {
		return stats, err
	}

	var candidates []*api.JobRow
	for _, row := range pending {
		if row.NextRunAt.IsZero() || !row.NextRunAt.After(start) {
			candidates = append(candidates, row)
		}
	}

	// Priority ascending, FIFO within a priority class.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].QueuedAt.Before(candidates[j].QueuedAt)
	})

	if len(candidates) > w.cfg.MaxBatch {
		candidates = candidates[:w.cfg.MaxBatch]
	}
	if len(candidates) == 0 {
		return stats, nil
	}

	for _, row := range candidates {
		row.Status = api.StatusRunning
		row.WorkerID = w.id
		row.StartedAt = start
	}

	// Flush the whole claim before doing any work, so a crash mid-batch
	// leaves visibly claimed rows rather than silently reprocessed ones.
	if err := w.store.UpdateJobs(ctx, candidates); err != nil {
		return stats, err
	}
	stats.Claimed = len(candidates)

	deadline := start.Add(w.cfg.WorkerBudget)
	for i, row := range candidates {
		if ctx.Err() != nil || w.now().After(deadline) {
			if err := w.unclaim(ctx, candidates[i:]); err != nil {
				return stats, err
			}
			stats.Unclaimed = len(candidates) - i
			break
		}

		w.observer.OnJobClaimed(ctx, row)
		w.processOne(ctx, row, &stats)
	}

	return stats, nil
}

// unclaim rolls claimed-but-not-started rows back to PENDING so budget
// exhaustion does not strand them in RUNNING.
func (w *Worker) unclaim(ctx context.Context, rows []*api.JobRow) error {
	for _, row := range rows {
		row.Status = api.StatusPending
		row.WorkerID = ""
		row.StartedAt = time.Time{}
	}
	// Unclaim must survive a cancelled pass context.
	return w.store.UpdateJobs(context.WithoutCancel(ctx), rows)
}

func (w *Worker) processOne(ctx context.Context, row *api.JobRow, stats *Stats) {
	started := w.now()
	err := w.dispatch(ctx, row)
	if err == nil {
		row.Status = api.StatusDone
		row.LastError = ""
		if uerr := w.store.UpdateJob(ctx, row); uerr != nil {
			w.log.ErrorContext(ctx, "job_update_failed",
				slog.String("job_id", row.ID), slog.Any("error", uerr))
			return
		}
		stats.Done++
		w.observer.OnJobDone(ctx, row, w.now().Sub(started))
		return
	}

	w.fail(ctx, row, err, stats)
}

func (w *Worker) dispatch(ctx context.Context, row *api.JobRow) error {
	payload := parseJobPayload(row.Payload)

	handler, err := w.table.Handler(payload.Name)
	if err != nil {
		return err
	}
	return handler(ctx, payload.Params)
}

// fail applies the retry policy to a failed row: backoff with jitter
// below the attempt ceiling, dead-letter at it.
func (w *Worker) fail(ctx context.Context, row *api.JobRow, jobErr error, stats *Stats) {
	row.Attempts++
	row.LastError = truncate(jobErr.Error(), w.cfg.MaxErrorLen)

	if row.Attempts >= w.cfg.MaxAttempts {
		row.Status = api.StatusError
		row.NextRunAt = time.Time{}

		if err := w.store.AppendDead(ctx, row); err != nil {
			// Keep the row in the primary ledger as ERROR rather than
			// losing it; the retention sweep will move it later.
			w.log.ErrorContext(ctx, "dead_letter_failed",
				slog.String("job_id", row.ID), slog.Any("error", err))
			_ = w.store.UpdateJob(ctx, row)
			return
		}
		if err := w.store.RemoveJobs(ctx, []string{row.ID}); err != nil {
			w.log.ErrorContext(ctx, "dead_letter_remove_failed",
				slog.String("job_id", row.ID), slog.Any("error", err))
		}

		stats.DeadLettered++
		w.observer.OnJobDeadLettered(ctx, row, jobErr)
		return
	}

	row.Status = api.StatusPending
	row.NextRunAt = w.now().Add(api.BackoffDelay(w.cfg, row.Attempts) + w.jitter())
	row.WorkerID = ""
	row.StartedAt = time.Time{}

	if err := w.store.UpdateJob(ctx, row); err != nil {
		w.log.ErrorContext(ctx, "job_update_failed",
			slog.String("job_id", row.ID), slog.Any("error", err))
		return
	}
	stats.Retried++
	w.observer.OnJobFailed(ctx, row, jobErr)
}

// RecoverStuck requeues rows stranded in RUNNING, for example after a
// process was killed past its hard ceiling mid-batch. A row counts as
// stuck once its claim is older than twice the worker budget, so a
// healthy concurrent pass is never disturbed.
//
// It is intended to be called on startup, before the first worker pass.
func (w *Worker) RecoverStuck(ctx context.Context) (int, error) {
	release, err := w.locker.Acquire(ctx, lock.NameWorker, w.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return 0, nil
		}
		return 0, err
	}
	defer release()

	running, err := w.store.ListJobs(ctx, ledger.Filter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	cutoff := w.now().Add(-2 * w.cfg.WorkerBudget)
	var stuck []*api.JobRow
	for _, row := range running {
		if !row.StartedAt.IsZero() && row.StartedAt.Before(cutoff) {
			row.Status = api.StatusPending
			row.WorkerID = ""
			row.StartedAt = time.Time{}
			stuck = append(stuck, row)
		}
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	if err := w.store.UpdateJobs(ctx, stuck); err != nil {
		return 0, err
	}

	w.log.WarnContext(ctx, "stuck_jobs_recovered", slog.Int("count", len(stuck)))
	return len(stuck), nil
}

// parseJobPayload degrades malformed payloads to an empty envelope so a
// single corrupt row cannot wedge the batch; the empty name then fails
// handler lookup and flows into the normal retry policy.
func parseJobPayload(raw json.RawMessage) api.JobPayload {
	var p api.JobPayload
	if len(raw) == 0 {
		return p
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return api.JobPayload{}
	}
	return p
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
