// Package secrets redacts credentials from run records.
//
// Requests, reviewer feedback, step errors and LLM output can all carry
// pasted keys or tokens. Sink wraps an orchestrator.TraceSink so records
// are scrubbed before they reach the run store or the event stream.
package secrets
