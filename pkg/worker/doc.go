// Package worker contains the claim-and-dispatch loop, the handler
// dispatch table, and the retention sweeper.
//
// A Worker processes one bounded batch per RunOnce call and is designed
// to be driven by an external scheduler on a short interval. Overlap
// between instances is resolved by the claim lock: a busy lock makes a
// pass a no-op rather than an error.
package worker
