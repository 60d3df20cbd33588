// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.ParseLogLevel("info"), os.Stdout)
//	logger.WithField("rank", 7).Info("permission denied")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Warn("cache write failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision(observability.OutcomeDenied)
//
// A nil *Metrics is accepted everywhere and records nothing.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC exporters as global providers; Tracer
// returns the service tracer whether or not tracing is enabled.
//
// # Health
//
// HealthChecker serves /health/live and /health/ready. The database is
// required for readiness, Redis only degrades it.
package observability
