package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// StepFunc is a single step of a workflow. It receives the reconstructed
// run context and returns a StepResult describing what should happen next.
//
// A returned error means the step itself crashed; the surrounding job is
// then subject to the job-level retry policy. Deliberate outcomes (retry
// this step, advance, complete, abandon) are expressed via the StepResult.
//
// Steps must be idempotent: delivery is at-least-once, and a step may be
// re-invoked after a worker ran out of budget mid-batch.
type StepFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// StepContext is the data a step function receives. Input is frozen at
// workflow start; State is the mutable bag threaded between invocations
// and must stay JSON-serializable.
type StepContext struct {
	WorkflowID   string
	WorkflowName string
	StepName     string

	Input json.RawMessage
	State map[string]any

	// Attempt is the per-step attempt counter. It resets to zero whenever
	// the workflow advances to a different step or yields deliberately.
	Attempt int

	// Budget is the soft time limit for this invocation, kept below the
	// host's hard ceiling so the step can wind down gracefully.
	Budget    time.Duration
	StartedAt time.Time

	Log *slog.Logger
	Now func() time.Time
}

// BindInput unmarshals the frozen workflow input into v.
func (sc *StepContext) BindInput(v any) error {
	if len(sc.Input) == 0 {
		return nil
	}
	return json.Unmarshal(sc.Input, v)
}

// ResultKind tags a StepResult.
type ResultKind string

const (
	// ResultYield re-runs the same step later with updated state.
	ResultYield ResultKind = "yield"
	// ResultNext advances the workflow to a different step.
	ResultNext ResultKind = "next"
	// ResultComplete terminates the run successfully.
	ResultComplete ResultKind = "complete"
	// ResultFail signals a step failure, retryable or terminal.
	ResultFail ResultKind = "fail"
)

// StepResult is the structured outcome of one step invocation. Use the
// constructors (Yield, Next, Complete, Fail, FailPermanent) rather than
// building the struct by hand.
type StepResult struct {
	Kind ResultKind

	// State replaces the run state for Yield / Next results. Nil carries
	// the current state forward unchanged.
	State map[string]any

	// NextStep names the target step for ResultNext.
	NextStep string

	// Delay postpones the continuation. For ResultFail it overrides the
	// computed retry backoff when non-zero.
	Delay time.Duration

	// Output is logged on ResultComplete; it is not persisted elsewhere.
	Output any

	// Reason and Retryable apply to ResultFail.
	Reason    string
	Retryable bool
}

// Yield re-enqueues the same step with the given state. The per-step
// attempt counter resets to zero, so yield loops can poll indefinitely.
func Yield(state map[string]any) StepResult {
	return StepResult{Kind: ResultYield, State: state}
}

// Next advances the workflow to the named step. A nil state carries the
// current state forward.
func Next(step string, state map[string]any) StepResult {
	return StepResult{Kind: ResultNext, NextStep: step, State: state}
}

// Complete terminates the workflow run successfully.
func Complete(output any) StepResult {
	return StepResult{Kind: ResultComplete, Output: output}
}

// Fail signals a retryable step failure. The step is re-enqueued with
// attempt+1 after an exponential backoff, until the per-step attempt
// ceiling is reached.
func Fail(reason string) StepResult {
	return StepResult{Kind: ResultFail, Reason: reason, Retryable: true}
}

// FailPermanent signals a terminal step failure. The run is abandoned.
func FailPermanent(reason string) StepResult {
	return StepResult{Kind: ResultFail, Reason: reason, Retryable: false}
}

// After returns a copy of the result with the given continuation delay.
//
//	return api.Yield(state).After(30 * time.Second), nil
func (r StepResult) After(d time.Duration) StepResult {
	r.Delay = d
	return r
}

// StepDefinition describes a named step.
type StepDefinition struct {
	Name string
	Fn   StepFunc
}

// WorkflowDefinition describes a workflow as a set of named steps.
// Steps[0] is the entry step used by StartWorkflow.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition
}

// Engine drives workflow runs. Implementations convert each StepResult
// into at most one re-enqueued continuation; there is no in-process
// suspension.
type Engine interface {
	// Register registers (or replaces) a workflow definition. It is
	// idempotent so a per-invocation registration pass can run repeatedly.
	Register(def WorkflowDefinition) error

	// EnsureRegistered runs fn once per Engine, under a mutex, so that
	// concurrent invocations neither double-register nor race on "is it
	// configured yet".
	EnsureRegistered(fn func(Engine) error) error

	// StartWorkflow enqueues the entry step of a registered workflow with
	// a fresh workflow id and the given frozen input.
	StartWorkflow(ctx context.Context, name string, input any, opts Options) (string, error)

	// RunStep executes one workflow step continuation. It is the handler
	// behind the reserved RUN_STEP dispatch entry.
	RunStep(ctx context.Context, params json.RawMessage) error
}

// Enqueuer appends jobs to the ledger. It is the engine's only view of
// the queue, which keeps the engine free of storage concerns.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, params any, opts Options) (*JobRow, error)
}

// Notifier is an optional external collaborator invoked when a workflow
// run is abandoned. User-visible failure handling is a side effect, never
// part of the engine's control flow.
type Notifier interface {
	WorkflowAbandoned(ctx context.Context, p *StepPayload, reason string)
}
