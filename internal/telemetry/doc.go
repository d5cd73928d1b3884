// Package telemetry provides OpenTelemetry instrumentation for forged.
//
// # Overview
//
// This package implements distributed tracing, metrics, and log export
// using the OpenTelemetry Go SDK. Data is shipped to an OTLP collector
// over gRPC or HTTP/protobuf.
//
// # Usage
//
// Create a telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("forged.orchestrator")
//	ctx, span := tracer.Start(ctx, "StartGeneration")
//	defer span.End()
//
//	meter := tel.Meter("forged.orchestrator")
//	counter, _ := meter.Int64Counter("forged.orchestrator.rounds_total")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  service_name: "forged"
//	  sampling:
//	    rate: 1.0  # 100% in dev, lower in prod
//	    always_on_errors: true
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Error Handling
//
// Telemetry failures do not crash the application. If a provider
// cannot be initialized, the instance degrades gracefully and hands
// out no-op tracers and meters.
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
