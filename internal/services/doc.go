// Package services runs orchestrations on behalf of the HTTP API.
//
// A Manager starts runs synchronously or in the background, tracks the
// cancel function of every in-flight run and answers lookups from the run
// store (or, without one, from a bounded in-memory set of recent results).
// Cancel only cancels a run's context; the orchestrator records the
// Cancelled outcome itself.
package services
