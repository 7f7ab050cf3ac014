package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openvhm/openvhm/pkg/config"
	"github.com/openvhm/openvhm/pkg/engine"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an OpenVHM workspace",
		Long: `Initialize a new OpenVHM workspace.

Creates the data directory, a starter config file and the store schema,
and bootstraps the root container of the object graph. The file backend
is the default; memory needs no initialization and redis only needs a
reachable server.`,
		Example: `  # Initialize a standalone workspace
  vhm init

  # Initialize with a custom config path
  vhm init --config /etc/openvhm/config.yaml --data-dir /var/lib/openvhm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), dataDir, backend)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory for the file backend")
	cmd.Flags().StringVar(&backend, "backend", "file", "store backend (memory, file, redis)")

	return cmd
}

func runInit(ctx context.Context, dataDir, backend string) error {
	log.Info().
		Str("data_dir", dataDir).
		Str("backend", backend).
		Str("config", configPath).
		Msg("Initializing workspace")

	fmt.Printf("Initializing OpenVHM workspace in %s\n\n", dataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
	}
	fmt.Printf("✓ Created directory: %s\n", dataDir)

	cfg := config.Default()
	cfg.Database.Backend = backend
	cfg.Database.Path = filepath.Join(dataDir, "vhm.db")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()
	fmt.Printf("✓ Initialized %s store\n", backend)

	eng := engine.New(st, config.NewLive(cfg), nil, engine.Options{
		Backend:     backend,
		Synchronous: true,
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = eng.Stop(context.Background()) }()

	if err := eng.EnsureRoot(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap root container: %w", err)
	}
	fmt.Printf("✓ Created root container\n")

	if configPath == "" {
		configPath = "./vhm.yaml"
	}
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("✓ Config file already exists: %s\n", configPath)
	} else {
		content := fmt.Sprintf(starterConfig, backend, cfg.Database.Path)
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Printf("✓ Created config file: %s\n", configPath)
	}

	fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Start the server:\n")
	fmt.Printf("     vhm serve --config %s\n\n", configPath)
	fmt.Printf("  2. Check store integrity:\n")
	fmt.Printf("     vhm check --config %s\n\n", configPath)

	return nil
}

const starterConfig = `# OpenVHM Configuration

server:
  shutdown_timeout: 30s
  # Sweep idle worker snapshots for referential integrity. 0 disables.
  validation_interval: 5m

database:
  backend: %s
  path: %s
  # Attempts beyond the first on write conflicts.
  conflict_retries: 5
  # Log BEGIN/COMMIT/ROLLBACK per transaction.
  trace_transactions: false
  pool:
    max_workers: 20
    queue_size: 256

logging:
  level: info
  format: console
  output: stdout

metrics:
  enabled: true
  listen_address: ":9464"
  path: /metrics

tracing:
  enabled: false
  exporter: stdout
  sampling_rate: 1.0
`
