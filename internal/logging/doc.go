// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with:
//   - A Trace level (-2, below Debug)
//   - Dual output (stdout and the OpenTelemetry log bridge)
//   - Automatic context fields (trace_id, run.id, run.stage, request.id)
//   - Secret redaction by field name and value pattern
//   - Level-aware sampling (errors are never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithStage(ctx, "executing")
//	logger.Info(ctx, "step finished", zap.String("operation", "search_mof_db"))
//
// Output carries the correlation fields:
//
//	{"ts":"...","level":"info","msg":"step finished","run.id":"9b1d...","run.stage":"executing","operation":"search_mof_db"}
//
// # Testing
//
// NewTestLogger returns a logger backed by zaptest/observer with assertion
// helpers such as AssertLogged and AssertField.
package logging
