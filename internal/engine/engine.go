// Package engine implements the workflow step engine: the registry of
// (workflow, step) functions and RunStep, the single dispatch target for
// RUN_STEP continuations.
//
// There is no in-process suspension. A step's Yield / Next / retryable
// Fail results are implemented purely as new job rows, so workflow state
// only exists between invocations as serialized payload.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerq/ledgerq/pkg/api"
)

var (
	// ErrWorkflowNotRegistered is returned when no workflow with the
	// requested name has been registered.
	ErrWorkflowNotRegistered = errors.New("workflow not registered")

	// ErrStepNotRegistered is returned when a workflow exists but has no
	// step with the requested name.
	ErrStepNotRegistered = errors.New("step not registered")
)

// engineImpl drives workflow runs over an api.Enqueuer. The registry is
// an explicit per-engine object rather than package state, so tests can
// build isolated engines.
type engineImpl struct {
	reg      *workflowRegistry
	enqueuer api.Enqueuer
	cfg      api.Config
	observer api.Observer
	notifier api.Notifier
	log      *slog.Logger

	registerMu sync.Mutex
	configured bool
}

// Config describes how to construct an engine.
// Only Enqueuer is required.
type Config struct {
	Enqueuer api.Enqueuer
	Tunables api.Config
	Observer api.Observer
	Notifier api.Notifier
	Logger   *slog.Logger
}

// New returns an Engine with default observer and logger.
func New(enq api.Enqueuer, cfg api.Config) api.Engine {
	return NewWithConfig(Config{Enqueuer: enq, Tunables: cfg})
}

// NewWithObserver returns an Engine with the given Observer.
func NewWithObserver(enq api.Enqueuer, cfg api.Config, obs api.Observer) api.Engine {
	return NewWithConfig(Config{Enqueuer: enq, Tunables: cfg, Observer: obs})
}

// NewWithConfig creates a new Engine using the given configuration.
func NewWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &engineImpl{
		reg:      newWorkflowRegistry(),
		enqueuer: cfg.Enqueuer,
		cfg:      cfg.Tunables.Normalized(),
		observer: obs,
		notifier: cfg.Notifier,
		log:      logger,
	}
}

func (e *engineImpl) Register(def api.WorkflowDefinition) error {
	return e.reg.Register(def)
}

func (e *engineImpl) EnsureRegistered(fn func(api.Engine) error) error {
	e.registerMu.Lock()
	defer e.registerMu.Unlock()

	if e.configured {
		return nil
	}
	if err := fn(e); err != nil {
		return err
	}
	e.configured = true
	return nil
}

func (e *engineImpl) StartWorkflow(ctx context.Context, name string, input any, opts api.Options) (string, error) {
	entry, err := e.reg.Entry(name)
	if err != nil {
		return "", err
	}

	var raw json.RawMessage
	if input != nil {
		raw, err = json.Marshal(input)
		if err != nil {
			return "", fmt.Errorf("start workflow %q: %w", name, err)
		}
	}

	id := uuid.NewString()
	payload := api.StepPayload{
		WorkflowID:   id,
		WorkflowName: name,
		StepName:     entry,
		Input:        raw,
	}

	if _, err := e.enqueuer.Enqueue(ctx, api.JobRunStep, payload, opts); err != nil {
		return "", fmt.Errorf("start workflow %q: %w", name, err)
	}

	e.log.InfoContext(ctx, "workflow_started",
		slog.String("workflow", name),
		slog.String("workflow_id", id),
		slog.String("step", entry),
	)
	return id, nil
}

// RunStep executes one workflow step continuation and converts its
// StepResult into exactly one re-enqueue call, or none on completion or
// abandonment.
func (e *engineImpl) RunStep(ctx context.Context, params json.RawMessage) error {
	p := parseStepPayload(params)

	fn, err := e.reg.Step(p.WorkflowName, p.StepName)
	if err != nil {
		return err
	}

	state := p.State
	if state == nil {
		state = make(map[string]any)
	}

	now := time.Now()
	sc := &api.StepContext{
		WorkflowID:   p.WorkflowID,
		WorkflowName: p.WorkflowName,
		StepName:     p.StepName,
		Input:        p.Input,
		State:        state,
		Attempt:      p.Attempt,
		Budget:       e.cfg.StepBudget,
		StartedAt:    now,
		Log: e.log.With(
			slog.String("workflow", p.WorkflowName),
			slog.String("workflow_id", p.WorkflowID),
			slog.String("step", p.StepName),
		),
		Now: time.Now,
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepBudget)
	defer cancel()

	e.observer.OnStepStart(ctx, &p)
	res, err := fn(stepCtx, sc)
	e.observer.OnStepCompleted(ctx, &p, res, err, time.Since(now))

	if err != nil {
		// A crashed step is a job-level failure; the worker's retry and
		// dead-letter policy takes over from here.
		return fmt.Errorf("workflow %q step %q: %w", p.WorkflowName, p.StepName, err)
	}

	return e.applyResult(ctx, &p, sc, res)
}

func (e *engineImpl) applyResult(ctx context.Context, p *api.StepPayload, sc *api.StepContext, res api.StepResult) error {
	// A nil result state carries the (possibly mutated) context state.
	state := res.State
	if state == nil {
		state = sc.State
	}

	switch res.Kind {
	case api.ResultYield:
		return e.enqueueStep(ctx, p, p.StepName, state, 0, res.Delay)

	case api.ResultNext:
		if res.NextStep == "" {
			return fmt.Errorf("workflow %q step %q: next result has no target step", p.WorkflowName, p.StepName)
		}
		if !e.reg.HasStep(p.WorkflowName, res.NextStep) {
			return fmt.Errorf("workflow %q step %q: %w", p.WorkflowName, res.NextStep, ErrStepNotRegistered)
		}
		return e.enqueueStep(ctx, p, res.NextStep, state, 0, res.Delay)

	case api.ResultComplete:
		e.observer.OnWorkflowCompleted(ctx, p, res.Output)
		e.log.InfoContext(ctx, "workflow_completed",
			slog.String("workflow", p.WorkflowName),
			slog.String("workflow_id", p.WorkflowID),
			slog.Any("output", res.Output),
		)
		return nil

	case api.ResultFail:
		if res.Retryable && p.Attempt+1 < e.cfg.StepMaxAttempts {
			delay := res.Delay
			if delay <= 0 {
				delay = api.BackoffDelay(e.cfg, p.Attempt+1)
			}
			return e.enqueueStep(ctx, p, p.StepName, state, p.Attempt+1, delay)
		}
		e.abandon(ctx, p, res.Reason)
		return nil

	default:
		return fmt.Errorf("workflow %q step %q: unknown result kind %q", p.WorkflowName, p.StepName, res.Kind)
	}
}

func (e *engineImpl) enqueueStep(ctx context.Context, p *api.StepPayload, step string, state map[string]any, attempt int, delay time.Duration) error {
	next := api.StepPayload{
		WorkflowID:   p.WorkflowID,
		WorkflowName: p.WorkflowName,
		StepName:     step,
		Input:        p.Input,
		State:        state,
		Attempt:      attempt,
	}

	var opts api.Options
	if delay > 0 {
		opts.RunAt = time.Now().Add(delay)
	}

	if _, err := e.enqueuer.Enqueue(ctx, api.JobRunStep, next, opts); err != nil {
		return fmt.Errorf("workflow %q step %q: enqueue continuation: %w", p.WorkflowName, step, err)
	}
	return nil
}

// abandon gives up on a workflow run. The job row itself completes
// normally; the abandonment is surfaced through the observer and the
// optional notifier collaborator.
func (e *engineImpl) abandon(ctx context.Context, p *api.StepPayload, reason string) {
	e.observer.OnWorkflowAbandoned(ctx, p, reason)
	e.log.ErrorContext(ctx, "workflow_abandoned",
		slog.String("workflow", p.WorkflowName),
		slog.String("workflow_id", p.WorkflowID),
		slog.String("step", p.StepName),
		slog.Int("attempt", p.Attempt),
		slog.String("reason", reason),
	)
	if e.notifier != nil {
		e.notifier.WorkflowAbandoned(ctx, p, reason)
	}
}

// parseStepPayload degrades malformed params to an empty payload rather
// than failing the parse; the missing-registration error that follows is
// subject to the normal retry and dead-letter policy.
func parseStepPayload(params json.RawMessage) api.StepPayload {
	var p api.StepPayload
	if len(params) == 0 {
		return p
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return api.StepPayload{}
	}
	return p
}
