// Package telemetry provides observability instrumentation for missionctl.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) into a unified system for monitoring
// missions, steps and multi-region rollouts.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv, err := tel.Metrics.StartMetricsServer(tel.Logger.Zerolog(), store)
//
// # Structured Logging
//
// Components receive a zerolog.Logger and derive component loggers from it:
//
//	eng, err := engine.NewEngine(cfg, deps, tel.Logger.Zerolog())
//	logger := tel.Logger.ForRegion("eu-west", "green")
//
// # Distributed Tracing
//
// Spans are created per mission, step, rollout and region:
//
//	ctx, span := tel.Tracer.StartMissionSpan(ctx, missionID)
//	defer span.End()
//
// Supported exporters: otlp (gRPC), stdout, none. A nil *Tracer is valid and
// produces no-op spans.
//
// # Metrics
//
// Metrics live in a private registry exposed over HTTP at the configured path.
// Every Record method is a no-op on a nil or disabled *Metrics:
//
//   - missionctl_missions_submitted_total{strategy}
//   - missionctl_missions_completed_total{status}
//   - missionctl_mission_duration_seconds{status}
//   - missionctl_steps_executed_total{component_type,status}
//   - missionctl_step_duration_seconds{component_type}
//   - missionctl_step_attempts{component_type}
//   - missionctl_failures_by_category_total{category,severity}
//   - missionctl_rollbacks_total{status}
//   - missionctl_region_outcomes_total{strategy,status}
//   - missionctl_rollout_duration_seconds{strategy,success}
//   - missionctl_errors_by_code_total{code}
//   - missionctl_active_missions
//   - missionctl_queued_missions
package telemetry
