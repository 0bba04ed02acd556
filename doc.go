// Package ledgerq provides a durable job queue with a step-based
// workflow engine for Go services that run under a hostile scheduler:
// a host that kills any invocation past a hard wall-clock ceiling.
//
// Every unit of work is a row in a persistent ledger. Workers claim a
// bounded batch per invocation, flush the claim before doing any work,
// and hand back whatever their time budget did not cover. Long-running
// operations are expressed as workflows: named steps that run inside
// ordinary jobs and advance by re-enqueueing a continuation rather than
// by suspending in process.
//
// # Core Concepts
//
//  1. Enqueuer appends jobs to the ledger.
//  2. Worker claims due jobs and dispatches them to registered handlers,
//     applying the retry and dead-letter policy.
//  3. Engine registers workflows and turns each step's result into at
//     most one re-enqueued continuation.
//  4. FlowBuilder is the declarative API for defining workflows.
//  5. Bundle wires the pieces over one backend; Runner drives a Bundle
//     on a schedule inside a single process.
//
// # Backends
//
// Ledgers can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, single process)
//   - Postgres (shared durability, cross-process advisory locking)
//
// # Steps
//
// A step receives the frozen workflow input, the mutable run state, and
// a per-step attempt counter, and returns a StepResult: Yield to re-run
// itself later, Next to advance, Complete to finish, or Fail to retry
// or abandon the run. Steps must be idempotent; delivery is
// at-least-once.
//
// Example:
//
//	flow := ledgerq.New("provisionTenant").
//	    Step("createSchema", createSchema).
//	    Step("seedDefaults", seedDefaults).
//	    Step("notifyOwner", notifyOwner)
//	flow.MustRegister(bundle.Engine)
//
//	id, err := bundle.Engine.StartWorkflow(ctx, flow.Name(), input, ledgerq.Options{})
package ledgerq
