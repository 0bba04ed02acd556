package ledgerq

import (
	"context"
	"fmt"
	"time"
)

// Step helpers. These are thin wrappers over the StepResult constructors
// for the most common step shapes.

// TypedStep adapts a step that wants its workflow input as a concrete
// Go value, hiding the unmarshal boilerplate:
//
//	type syncInput struct {
//	    AccountID string `json:"accountId"`
//	}
//
//	flow.Step("fetchRemote", ledgerq.TypedStep(func(ctx context.Context, sc *ledgerq.StepContext, in syncInput) (ledgerq.StepResult, error) {
//	    ...
//	}))
//
// An input that fails to unmarshal is a permanent failure: re-running
// the step cannot fix a frozen input.
func TypedStep[T any](fn func(ctx context.Context, sc *StepContext, in T) (StepResult, error)) StepFunc {
	return func(ctx context.Context, sc *StepContext) (StepResult, error) {
		var in T
		if err := sc.BindInput(&in); err != nil {
			return FailPermanent(fmt.Sprintf("bind input: %v", err)), nil
		}
		return fn(ctx, sc, in)
	}
}

// SleepStep returns a step that parks the run for d and then advances
// to the named step. State is carried forward unchanged.
func SleepStep(d time.Duration, next string) StepFunc {
	return func(ctx context.Context, sc *StepContext) (StepResult, error) {
		return Next(next, nil).After(d), nil
	}
}

// PollStep returns a step that re-runs cond every interval until it
// reports done, then advances to the named step. Because polling uses
// yield results, the per-step attempt counter never accumulates and
// the loop can run indefinitely.
func PollStep(interval time.Duration, next string, cond func(ctx context.Context, sc *StepContext) (bool, error)) StepFunc {
	return func(ctx context.Context, sc *StepContext) (StepResult, error) {
		done, err := cond(ctx, sc)
		if err != nil {
			return StepResult{}, err
		}
		if done {
			return Next(next, nil), nil
		}
		return Yield(nil).After(interval), nil
	}
}
