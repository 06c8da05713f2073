// Package telemetry provides observability instrumentation for Drover.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging playbook runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "drover"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithHost("db1.example.com")
//	logger.Info("Starting task execution")
//	logger.WithError(err).Error("Task failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing spans follow the run hierarchy: run -> play -> host -> step.
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, playbookPath)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), none (testing).
//
// # Metrics
//
// Prometheus metrics track run outcomes and step behavior:
//
//	tel.Metrics.RecordRunStarted("site.yml")
//	tel.Metrics.RecordStep("apt", "changed", duration)
//	tel.Metrics.RecordChange("apt")
//	tel.Metrics.RecordDetached("reboot")
//
// Key metrics exposed:
//
//   - drover_runs_started_total{playbook}
//   - drover_runs_completed_total{status}
//   - drover_run_duration_seconds{status}
//   - drover_steps_executed_total{module,status}
//   - drover_step_duration_seconds{module}
//   - drover_changes_applied_total{module}
//   - drover_handlers_notified_total{handler}
//   - drover_detached_dispatched_total{module}
//   - drover_hosts_failed_total{play}
//   - drover_active_runs
//
// Metrics are exposed via HTTP at /metrics when a listen address is configured.
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishStepCompleted(runID, host, task, "changed", duration)
//	tel.Events.PublishStepDetached(runID, host, task)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByHost
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, sudo passwords)
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
