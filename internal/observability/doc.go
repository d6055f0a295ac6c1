// Package observability provides monitoring and debugging capabilities for
// aide through metrics, structured logging, and distributed tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Prometheus counters, histograms, and gauges under the
//     aide_* namespace: LM requests across the provider fallback chain,
//     key failures and blackouts, task outcomes by tool and target,
//     approval gate decisions, client channel frames, memory retrievals,
//     and active sessions.
//  2. Logging - slog-based structured logs with automatic redaction of
//     API keys and tokens, plus session/task correlation from context.
//  3. Tracing - OpenTelemetry spans around turns, LM calls, task
//     dispatches, and tool executions; no-op when no collector endpoint
//     is configured.
//
// Example:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	metrics := observability.NewMetrics()
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "aide",
//	    Endpoint:    cfg.Tracing.Endpoint,
//	})
//	defer shutdown(context.Background())
//
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "task dispatched", "tool", rec.Tool)
//	metrics.RecordTask(rec.Tool, string(rec.ExecutionTarget), "completed", secs)
package observability
