// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// authorization server.
//
// This package enables observability across all server layers through:
// - Metrics: counters and histograms for OAuth flow and storage operations
// - Traces: distributed tracing for request flows across components
//
// # Quick Start
//
//	import "github.com/habitflow/oauthd/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// By default no-op providers are used, so instrumentation carries zero overhead
// until the host application installs real providers with SetMeterProvider and
// SetTracerProvider. Exporter construction (Prometheus, OTLP, stdout) is the
// host's responsibility; this library never opens network listeners of its own
// for telemetry.
//
// # Security
//
// Never record credential material (tokens, authorization codes, client
// secrets) in metrics or traces. The attribute constants in this package name
// metadata only; recorder methods accept identifiers and counts, never raw
// credentials.
package instrumentation
