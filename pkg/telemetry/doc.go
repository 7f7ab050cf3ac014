// Package telemetry provides observability instrumentation for OpenVHM.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring and debugging the transaction engine and its storage backends.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "openvhm"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithTxID("tx-123").WithMode("write")
//	logger.Info("Transaction committed")
//	logger.WithError(err).Error("Transaction failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing covers a transaction from submission through every retry
// attempt:
//
//	ctx, span := tel.Tracer.StartTransactionSpan(ctx, txID, "write")
//	defer span.End()
//
//	span.SetAttributes(
//	    telemetry.AttrBackend.String("file"),
//	    telemetry.AttrTxStatus.String("committed"),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Prometheus metrics cover transaction throughput and outcome, attempt
// durations, optimistic-concurrency conflicts and retries, worker pool
// occupancy, queue depth, and integrity validation results. Metrics are
// registered on a private registry and exposed over HTTP:
//
//	tel.Metrics.RecordTxStarted("write")
//	tel.Metrics.RecordAttempt("write", "committed", duration)
//	tel.Metrics.RecordConflict()
//
// # Instrumented Operations
//
// StartOperation bundles a logger, a span and a timer for a call site:
//
//	op := telemetry.StartOperation(ctx, "store.migrate")
//	defer func() { op.End(err) }()
//	op.Logger.Info("Running migrations")
package telemetry
