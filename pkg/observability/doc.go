// Package observability provides OpenTelemetry tracing and metrics for the
// resolution engine, plus a per-source SLO tracker that backs health reports.
//
// # Tracing and metrics
//
// Initialize the provider at startup:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "fedresolve",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// Wrap an operation so it gets a span plus RED metrics:
//
//	ctx, done := p.TrackOperation(ctx, "fedresolve.resolve",
//		observability.ResolveOperation("risk", 42, "FIRST_SUCCESS", "user")...)
//	err := work(ctx)
//	done(err)
//
// A disabled provider records nothing and hands out the global no-op tracer.
//
// # Source SLOs
//
//	tracker := observability.NewSLOTracker()
//	tracker.Record(observability.SLOObservation{Source: "bureau", Latency: d, Success: true})
//	status := tracker.Status("bureau")
package observability
