// Package observability provides monitoring for the orchestration core
// through Prometheus metrics, structured logging, and distributed tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured slog output with sensitive-data redaction
//  3. Tracing - Distributed tracing with OpenTelemetry
//
// # Metrics
//
// Metrics cover the surfaces operators page on:
//   - run terminations, durations and loop iterations
//   - LLM request latency and token spend per provider and model
//   - tool execution counts per role
//   - event log append throughput
//   - job queue depth, claim outcomes and worker durations
//   - barrier resolutions
//   - live stream subscriber counts and drop reasons
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
// # Logging
//
// Logging builds on slog with:
//   - automatic run, owner, worker and trace id correlation from context
//   - redaction of API keys, git credentials and passwords
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx = observability.WithRunID(ctx, run.PublicID)
//	logger.Info(ctx, "run started", "model", run.Model)
//
// # Tracing
//
// A run owns one trace. The supervisor loop, LLM calls, tool executions
// and spawned worker jobs all attach to it, and the trace id is persisted
// on the run row. Tracing is disabled unless an OTLP endpoint is
// configured.
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "foreman",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceRun(ctx, run.PublicID, run.OwnerID)
//	defer span.End()
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - provider API keys (Anthropic, OpenAI, Google)
//   - git credentials (GitHub and GitLab tokens) from remote URLs
//   - AWS access keys
//   - passwords, secrets and JWT tokens
//   - custom patterns via configuration
//
// Worker jobs carry user-controlled repository URLs and tool arguments,
// so anything that passes through a log call is filtered.
package observability
