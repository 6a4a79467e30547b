// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the orchestrator daemon.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Run, fallback, and hub metrics using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - One span per run, child spans per tool call
//
// # Metrics
//
// Metrics track:
//   - Runs started/finished, by project and agent
//   - Circuit-breaker fallbacks between agents
//   - Tool call counts and durations
//   - Canonical error counts by agent and kind
//   - Subscription Hub connection and subscription counts
//   - Subscriber outbound queue depth (for two-lane backpressure tuning)
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	metrics.RunStarted(projectID, string(agent))
//	start := time.Now()
//	// ... drive the adapter ...
//	metrics.RunFinished(projectID, string(agent), string(phase), time.Since(start).Seconds())
//
//	metrics.RecordToolCall(string(agent), toolName, "success", callDuration.Seconds())
//
// # Logging
//
// Logging is built on log/slog with enhancements for:
//   - Automatic request ID / project ID correlation from context
//   - Sensitive data redaction (API keys, tokens, OAuth secrets)
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddProjectID(ctx, projectID)
//
//	logger.Info(ctx, "run submitted",
//	    "agent", agent,
//	    "prompt_length", len(prompt),
//	)
//
//	logger.Error(ctx, "adapter spawn failed",
//	    "error", err,
//	    "agent", agent,
//	    "oauth_token", token, // Automatically redacted
//	)
//
// # Tracing
//
// Tracing uses OpenTelemetry to follow a run end to end:
//   - One span per run, from adapter spawn to terminal status
//   - A child span per observed tool call
//   - Error correlation across adapter failures and fallbacks
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "cliorchd",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, runSpan := tracer.TraceRun(ctx, projectID, string(agent), requestID)
//	defer runSpan.End()
//
//	ctx, toolSpan := tracer.TraceToolCall(ctx, toolName, callID)
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Context Propagation
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddProjectID(ctx, "proj-456")
//
//	logger.Info(ctx, "submitted") // includes request_id, project_id
//
//	ctx, span := tracer.Start(ctx, "operation")
//	// trace context propagates to child spans
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys and OAuth tokens
//   - Passwords and generic secrets
//   - JWT and bearer tokens
//   - Custom patterns via configuration
//
// # Testing
//
//   - Metrics can be verified using prometheus/testutil with an isolated registry
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Monitoring
//
//	# Run throughput
//	rate(cliorchd_runs_started_total[5m])
//
//	# Fallback rate
//	rate(cliorchd_fallbacks_triggered_total[5m])
//
//	# Run duration (95th percentile)
//	histogram_quantile(0.95, rate(cliorchd_run_duration_seconds_bucket[5m]))
//
//	# Subscriber queue pressure
//	histogram_quantile(0.99, rate(cliorchd_subscriber_queue_depth_bucket[5m]))
package observability
