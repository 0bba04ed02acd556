package api

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job row.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// JobRunStep is the reserved job name for workflow step continuations.
// The dispatch table entry for this name must route to the step engine.
const JobRunStep = "RUN_STEP"

// JobRow is one unit of asynchronous work, persisted as a single row in
// the job ledger.
//
// Lifecycle: created by Enqueue with StatusPending, mutated in place by
// the worker (status / attempts / backoff fields), and removed either by
// being copied to the dead-letter ledger on permanent failure or by
// retention pruning of old DONE / ERROR rows.
type JobRow struct {
	ID      string
	Payload json.RawMessage

	QueuedAt time.Time
	Priority int

	// NextRunAt is the earliest time the row is eligible for claim.
	// The zero value means "now".
	NextRunAt time.Time

	Attempts  int
	Status    Status
	LastError string

	// WorkerID identifies the claiming worker instance. It is recorded
	// for auditability; it is not a lease token with fencing.
	WorkerID  string
	StartedAt time.Time
}

// JobPayload is the envelope stored in JobRow.Payload. Name selects the
// handler in the dispatch table; Params is opaque to the queue.
type JobPayload struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Options controls how a job is enqueued.
type Options struct {
	// Priority orders claims; lower values are served first. Zero means
	// "use Config.DefaultPriority".
	Priority int

	// RunAt delays the first claim until the given time. Zero means the
	// job is eligible immediately.
	RunAt time.Time
}

// StepPayload is the Params content of a RUN_STEP job. It is the persisted
// continuation of a workflow run: a run has no row of its own and is
// reconstructed from whichever JobRow currently represents its next step.
type StepPayload struct {
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName"`
	StepName     string          `json:"stepName"`
	Input        json.RawMessage `json:"input,omitempty"`
	State        map[string]any  `json:"state,omitempty"`
	Attempt      int             `json:"attempt"`
}
