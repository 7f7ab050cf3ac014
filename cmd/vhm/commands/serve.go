package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openvhm/openvhm/pkg/config"
	"github.com/openvhm/openvhm/pkg/engine"
	"github.com/openvhm/openvhm/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management server",
		Long: `Run the OpenVHM management server.

The server opens the configured store backend, starts the transaction
engine and accepts work until interrupted. Shutdown drains the engine:
queued and running transactions finish, new ones are refused.

When a config file is given it is watched for changes; the conflict
retry budget and transaction tracing take effect without a restart.`,
		Example: `  # Serve with the built-in defaults (in-memory store)
  vhm serve

  # Serve a durable deployment
  vhm serve --config /etc/openvhm/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version)
		},
	}

	return cmd
}

func runServe(ctx context.Context, version string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.NewComponentLogger("server")

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}()

	live := config.NewLive(cfg)

	eng := engine.New(st, live, tel, engine.Options{
		MaxWorkers: cfg.Database.Pool.MaxWorkers,
		QueueSize:  cfg.Database.Pool.QueueSize,
		Backend:    cfg.Database.Backend,
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if err := eng.EnsureRoot(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap root container: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.WithField("address", cfg.Metrics.ListenAddress).Info("Metrics server started")
	}

	if configPath != "" {
		if err := config.Watch(ctx, configPath, live, logger.Zerolog()); err != nil {
			return fmt.Errorf("failed to watch config file: %w", err)
		}
	}

	if interval := cfg.Server.ValidationInterval; interval > 0 {
		go runPeriodicValidation(ctx, eng, interval, logger)
	}

	logger.WithBackend(cfg.Database.Backend).Info("Server running")

	<-ctx.Done()
	logger.Info("Shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := eng.Stop(drainCtx); err != nil {
		logger.WithError(err).Warn("Engine drain incomplete")
	}
	if err := tel.Shutdown(drainCtx); err != nil {
		logger.WithError(err).Warn("Telemetry shutdown failed")
	}

	return nil
}

// runPeriodicValidation sweeps live worker snapshots for referential
// integrity on a fixed interval. A fresh validator each sweep means
// every idle connection is checked again, not just new ones.
func runPeriodicValidation(ctx context.Context, eng *engine.Engine, interval time.Duration, logger *telemetry.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := eng.NewValidator("referential-integrity", referentialIntegrity)
			violations, err := v.Run(ctx).Await(ctx)
			if err != nil {
				return
			}
			for _, violation := range violations {
				logger.WithWorker(violation.Worker).WithError(violation.Err).Error("Integrity violation")
			}
		}
	}
}
