package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the worker and the step engine for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay the batch loop.
type Observer interface {
	// OnJobClaimed is called once per claimed row, after the claim batch
	// has been flushed and before the handler runs.
	OnJobClaimed(ctx context.Context, row *JobRow)

	// OnJobDone is called when a handler returns successfully.
	OnJobDone(ctx context.Context, row *JobRow, duration time.Duration)

	// OnJobFailed is called when a handler fails and the job is scheduled
	// for a retry.
	OnJobFailed(ctx context.Context, row *JobRow, err error)

	// OnJobDeadLettered is called when a job exhausts its attempts and is
	// moved to the dead-letter ledger.
	OnJobDeadLettered(ctx context.Context, row *JobRow, err error)

	// OnStepStart is called before a step function is invoked.
	OnStepStart(ctx context.Context, p *StepPayload)

	// OnStepCompleted is called after a step function returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, p *StepPayload, res StepResult, err error, duration time.Duration)

	// OnWorkflowCompleted is called when a step returns a Complete result.
	OnWorkflowCompleted(ctx context.Context, p *StepPayload, output any)

	// OnWorkflowAbandoned is called when a run is given up: a terminal
	// Fail result, or a retryable one past the per-step attempt ceiling.
	OnWorkflowAbandoned(ctx context.Context, p *StepPayload, reason string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnJobClaimed(ctx context.Context, row *JobRow)                 {}
func (NoopObserver) OnJobDone(ctx context.Context, row *JobRow, d time.Duration)   {}
func (NoopObserver) OnJobFailed(ctx context.Context, row *JobRow, err error)       {}
func (NoopObserver) OnJobDeadLettered(ctx context.Context, row *JobRow, err error) {}
func (NoopObserver) OnStepStart(ctx context.Context, p *StepPayload)               {}
func (NoopObserver) OnStepCompleted(ctx context.Context, p *StepPayload, res StepResult, err error, d time.Duration) {
}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, p *StepPayload, output any)    {}
func (NoopObserver) OnWorkflowAbandoned(ctx context.Context, p *StepPayload, reason string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobClaimed(ctx context.Context, row *JobRow) {
	for _, o := range c.observers {
		o.OnJobClaimed(ctx, row)
	}
}

func (c *CompositeObserver) OnJobDone(ctx context.Context, row *JobRow, d time.Duration) {
	for _, o := range c.observers {
		o.OnJobDone(ctx, row, d)
	}
}

func (c *CompositeObserver) OnJobFailed(ctx context.Context, row *JobRow, err error) {
	for _, o := range c.observers {
		o.OnJobFailed(ctx, row, err)
	}
}

func (c *CompositeObserver) OnJobDeadLettered(ctx context.Context, row *JobRow, err error) {
	for _, o := range c.observers {
		o.OnJobDeadLettered(ctx, row, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, p *StepPayload) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, p)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, p *StepPayload, res StepResult, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, p, res, err, d)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, p *StepPayload, output any) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, p, output)
	}
}

func (c *CompositeObserver) OnWorkflowAbandoned(ctx context.Context, p *StepPayload, reason string) {
	for _, o := range c.observers {
		o.OnWorkflowAbandoned(ctx, p, reason)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs job / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnJobClaimed(ctx context.Context, row *JobRow) {
	o.Logger.DebugContext(ctx, "job_claimed",
		slog.String("job_id", row.ID),
		slog.String("worker_id", row.WorkerID),
		slog.Int("priority", row.Priority),
	)
}

func (o *LoggingObserver) OnJobDone(ctx context.Context, row *JobRow, d time.Duration) {
	o.Logger.InfoContext(ctx, "job_done",
		slog.String("job_id", row.ID),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnJobFailed(ctx context.Context, row *JobRow, err error) {
	o.Logger.WarnContext(ctx, "job_failed",
		slog.String("job_id", row.ID),
		slog.Int("attempts", row.Attempts),
		slog.Time("next_run_at", row.NextRunAt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnJobDeadLettered(ctx context.Context, row *JobRow, err error) {
	o.Logger.ErrorContext(ctx, "job_dead_lettered",
		slog.String("job_id", row.ID),
		slog.Int("attempts", row.Attempts),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, p *StepPayload) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", p.WorkflowName),
		slog.String("workflow_id", p.WorkflowID),
		slog.String("step", p.StepName),
		slog.Int("attempt", p.Attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, p *StepPayload, res StepResult, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", p.WorkflowName),
		slog.String("workflow_id", p.WorkflowID),
		slog.String("step", p.StepName),
		slog.String("result", string(res.Kind)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, p *StepPayload, output any) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", p.WorkflowName),
		slog.String("workflow_id", p.WorkflowID),
		slog.Any("output", output),
	)
}

func (o *LoggingObserver) OnWorkflowAbandoned(ctx context.Context, p *StepPayload, reason string) {
	o.Logger.ErrorContext(ctx, "workflow_abandoned",
		slog.String("workflow", p.WorkflowName),
		slog.String("workflow_id", p.WorkflowID),
		slog.String("step", p.StepName),
		slog.String("reason", reason),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	jobsClaimed        atomic.Int64
	jobsDone           atomic.Int64
	jobsFailed         atomic.Int64
	jobsDeadLettered   atomic.Int64
	stepsCompleted     atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsAbandoned atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsClaimed      int64
	JobsDone         int64
	JobsFailed       int64
	JobsDeadLettered int64

	StepsCompleted     int64
	WorkflowsCompleted int64
	WorkflowsAbandoned int64
	AvgStepDuration    time.Duration
}

func (m *BasicMetrics) OnJobClaimed(ctx context.Context, row *JobRow) {
	m.jobsClaimed.Add(1)
}

func (m *BasicMetrics) OnJobDone(ctx context.Context, row *JobRow, d time.Duration) {
	m.jobsDone.Add(1)
}

func (m *BasicMetrics) OnJobFailed(ctx context.Context, row *JobRow, err error) {
	m.jobsFailed.Add(1)
}

func (m *BasicMetrics) OnJobDeadLettered(ctx context.Context, row *JobRow, err error) {
	m.jobsDeadLettered.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, p *StepPayload, res StepResult, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, p *StepPayload, output any) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowAbandoned(ctx context.Context, p *StepPayload, reason string) {
	m.workflowsAbandoned.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		JobsClaimed:      m.jobsClaimed.Load(),
		JobsDone:         m.jobsDone.Load(),
		JobsFailed:       m.jobsFailed.Load(),
		JobsDeadLettered: m.jobsDeadLettered.Load(),

		StepsCompleted:     steps,
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsAbandoned: m.workflowsAbandoned.Load(),
		AvgStepDuration:    avg,
	}
}
