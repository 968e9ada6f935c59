// Package orchestrator turns one research request into a bounded sequence of
// registered operations behind an automated plan-review gate.
//
// # Stages
//
// A run moves through a fixed set of stages:
//
//	Proposing → Reviewing → Executing → Reporting → Done
//	    ↑           │
//	    └─ reject ──┘ (at most Config.MaxRevisions times)
//
// Every transition appends exactly one TraceRecord. Done is reached only
// with a terminal Outcome set, after which the RunState is sealed: every
// mutator returns ErrStateSealed.
//
// # Components
//
// Executor owns the state machine, the revision bound and the
// transition budget. It is the only writer of the plan, the revision count
// and the outcome.
//
// StepExecutor runs the operation at the cursor. It assembles inputs from
// the request and prior outputs, applies the per-step timeout and retries
// retry-safe operations. It classifies the result as success, flagged
// (recoverable, stored, run continues) or fatal (StepFailed).
//
// Proposer, Reviewer and Synthesizer are opaque adapters. Each call is
// bounded by its own timeout. Malformed output ends the run with
// OutcomeConfigurationError. Timeouts and transport failures end it with
// OutcomeAdapterUnavailable.
//
// PlanGate implementations vet a proposed plan before review. A critical
// violation (unknown operation, plan too long) ends the run before the
// reviewer is ever called. Warnings are recorded in the trace.
//
// # Usage
//
//	exec, err := orchestrator.NewExecutor(reg, proposer, reviewer, reporter,
//	    orchestrator.WithConfig(cfg),
//	    orchestrator.WithLogger(logger),
//	    orchestrator.WithTraceSink(publisher),
//	)
//	if err != nil {
//	    return err
//	}
//	res, err := exec.Run(ctx, orchestrator.RunRequest{Text: "find a copper MOF"})
//
// Runs share nothing mutable, so one Executor may serve many concurrent
// runs.
package orchestrator
