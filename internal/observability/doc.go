// Package observability provides monitoring and debugging capabilities for
// the plan-solve pipeline and session gateway through metrics, structured
// logging, distributed tracing, and a replayable run/stage event timeline.
//
// # Overview
//
// The package covers four concerns:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//  4. Events - An in-memory timeline of run/stage/tool events for debugging
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - LLM request latency, token usage, and context window consumption
//   - Tool execution counts and duration
//   - Plan/Solve/Aggregate stage duration and outcome
//   - Task outcomes and retry attempts by failure class
//   - Plan confirmation outcomes
//   - Error rates by component and type
//   - Active session counts and session duration
//   - HTTP request/response metrics
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... run a Solver task ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//	metrics.RecordStage("solve", "completed", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request/session ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx := observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "pipeline stage completed", "stage", "plan", "task_count", len(tasks))
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to follow a pipeline run across
// its Plan, Solve, and Aggregate stages and into each Solver LLM call.
// Tracing is disabled (Deps.Tracer is nil) unless the tracing config block
// sets enabled: true and an OTLP endpoint.
//
// # Events
//
// MemoryEventStore and EventRecorder capture a replayable timeline of
// run/stage/tool events per session, independent of whatever metrics
// backend is wired. BuildTimeline and FormatTimeline reconstruct a
// human-readable view of a session's most recent run, exposed by the
// gateway's /debug/runs endpoint.
//
// # Security Considerations
//
// The logging component automatically redacts API keys, passwords,
// secrets, JWTs, and bearer tokens, both in log message text and in map
// values keyed by field names like password, secret, api_key, and token.
package observability
