// Package telemetry provides OpenTelemetry instrumentation for mofsci.
//
// New builds a TracerProvider and MeterProvider exporting over OTLP (gRPC by
// default, or http/protobuf) and installs them as the global providers, so
// the orchestrator's per-stage spans and the HTTP metrics middleware pick
// them up without further wiring. When disabled, New returns an instance
// whose Tracer and Meter fall back to the global no-op providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// NewTestTelemetry records spans in memory for assertions in tests.
package telemetry
