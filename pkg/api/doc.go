// Package api defines the public types of the ledgerq job queue and
// workflow engine: the persisted JobRow and its payload envelopes, the
// StepFunc / StepResult contract for workflow steps, the Config tunables,
// and the Observer callbacks for logging and metrics.
//
// Most applications import the root ledgerq package, which re-exports the
// commonly used names, and only reach into api for the less common ones.
package api
