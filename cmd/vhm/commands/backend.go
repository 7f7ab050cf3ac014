package commands

import (
	"context"
	"fmt"

	"github.com/openvhm/openvhm/pkg/config"
	"github.com/openvhm/openvhm/pkg/store"
	"github.com/openvhm/openvhm/pkg/store/filestore"
	"github.com/openvhm/openvhm/pkg/store/memstore"
	"github.com/openvhm/openvhm/pkg/store/redistore"
	"github.com/openvhm/openvhm/pkg/telemetry"
)

// loadConfig reads the config file named by --config, or falls back to
// defaults when no file was given. --verbose and --json override the
// logging section either way.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	return cfg, nil
}

// openStore builds the configured store backend. File and redis
// backends are initialized before first use; memory starts empty.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Backend {
	case "memory":
		return memstore.New(), nil

	case "file":
		st, err := filestore.New(filestore.Config{
			Path: cfg.Database.Path,
			// Every pool worker holds a connection, plus slack for
			// migrations and one-shot commands.
			MaxOpenConns: cfg.Database.Pool.MaxWorkers + 4,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		if err := st.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize file store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return st, nil

	case "redis":
		st, err := redistore.New(redistore.Config{
			Address:   cfg.Database.Redis.Address,
			Password:  cfg.Database.Redis.Password,
			DB:        cfg.Database.Redis.DB,
			Namespace: cfg.Database.Redis.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		if err := st.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize redis store: %w", err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Database.Backend)
	}
}

// telemetryConfig maps the server config onto the telemetry stack.
func telemetryConfig(cfg *config.Config, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = cfg.Logging.Level
	tc.Logging.Format = cfg.Logging.Format
	tc.Logging.Output = cfg.Logging.Output
	tc.Metrics.Enabled = cfg.Metrics.Enabled
	tc.Metrics.ListenAddress = cfg.Metrics.ListenAddress
	tc.Metrics.Path = cfg.Metrics.Path
	tc.Tracing.Enabled = cfg.Tracing.Enabled
	tc.Tracing.Exporter = cfg.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Tracing.Endpoint
	tc.Tracing.SamplingRate = cfg.Tracing.SamplingRate
	tc.Tracing.Insecure = cfg.Tracing.Insecure
	return tc
}
