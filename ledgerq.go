package ledgerq

import (
	"context"
	"encoding/json"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Enqueuer             = api.Enqueuer
	Status               = api.Status
	JobRow               = api.JobRow
	JobPayload           = api.JobPayload
	Options              = api.Options
	Config               = api.Config
	StepFunc             = api.StepFunc
	StepContext          = api.StepContext
	StepResult           = api.StepResult
	ResultKind           = api.ResultKind
	StepPayload          = api.StepPayload
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values and the step-dispatch job name for convenience.

const (
	StatusPending = api.StatusPending
	StatusRunning = api.StatusRunning
	StatusDone    = api.StatusDone
	StatusError   = api.StatusError

	JobRunStep = api.JobRunStep

	ResultYield    = api.ResultYield
	ResultNext     = api.ResultNext
	ResultComplete = api.ResultComplete
	ResultFail     = api.ResultFail
)

// Re-export step result constructors.

var (
	Yield         = api.Yield
	Next          = api.Next
	Complete      = api.Complete
	Fail          = api.Fail
	FailPermanent = api.FailPermanent
)

// DefaultConfig returns the tuning defaults.
func DefaultConfig() Config {
	return api.DefaultConfig()
}

// Convenience helpers that just forward to the underlying Engine.

// StartWorkflow enqueues the entry step of a registered workflow and
// returns the new workflow instance ID.
func StartWorkflow(ctx context.Context, eng Engine, name string, input any, opts Options) (string, error) {
	return eng.StartWorkflow(ctx, name, input, opts)
}

// RunStep executes one workflow step from its serialized dispatch
// parameters. It is normally invoked through the worker's dispatch
// table rather than called directly.
func RunStep(ctx context.Context, eng Engine, params json.RawMessage) error {
	return eng.RunStep(ctx, params)
}

// Enqueue submits a plain job outside any workflow.
func Enqueue(ctx context.Context, q Enqueuer, name string, params any, opts Options) (*JobRow, error) {
	return q.Enqueue(ctx, name, params, opts)
}
