package commands

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openvhm/openvhm/pkg/config"
	"github.com/openvhm/openvhm/pkg/engine"
	"github.com/openvhm/openvhm/pkg/model"
	"github.com/openvhm/openvhm/pkg/store"
)

func newBenchCommand() *cobra.Command {
	var (
		writers int
		count   int
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark transaction throughput",
		Long: `Drive concurrent write transactions against one hot container.

Every writer registers machines into the same container, so attempts
collide and exercise the conflict retry path alongside the happy path.
The objects are removed afterwards unless --keep is given.`,
		Example: `  # Default load against the configured store
  vhm bench --config vhm.yaml

  # Heavier contention
  vhm bench --writers 16 --count 200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), writers, count, keep)
		},
	}

	cmd.Flags().IntVarP(&writers, "writers", "w", 8, "concurrent writers")
	cmd.Flags().IntVarP(&count, "count", "n", 50, "transactions per writer")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the objects written by the bench")

	return cmd
}

const benchContainerName = "bench"

func runBench(ctx context.Context, writers, count int, keep bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	eng := engine.New(st, config.NewLive(cfg), nil, engine.Options{
		MaxWorkers: cfg.Database.Pool.MaxWorkers,
		QueueSize:  cfg.Database.Pool.QueueSize,
		Backend:    cfg.Database.Backend,
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = eng.Stop(drainCtx)
	}()

	if err := eng.EnsureRoot(ctx); err != nil {
		return err
	}
	if err := ensureBenchContainer(ctx, eng); err != nil {
		return err
	}

	fmt.Printf("Benchmarking %d writers x %d transactions (backend: %s)\n\n",
		writers, count, cfg.Database.Backend)

	var (
		committed atomic.Int64
		failed    atomic.Int64
		attempts  atomic.Int64
		conflicts atomic.Int64
		retried   atomic.Int64
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < count; i++ {
				name := fmt.Sprintf("bench-%d-%d", w, i)
				res, err := eng.RunWrite(gctx, registerMachineTask(name)).Await(gctx)
				if res != nil {
					attempts.Add(int64(len(res.Attempts)))
					conflicts.Add(int64(res.Conflicts()))
					if res.Retried() {
						retried.Add(1)
					}
				}
				if err != nil {
					failed.Add(1)
					if gctx.Err() != nil {
						return err
					}
					continue
				}
				committed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := committed.Load() + failed.Load()
	fmt.Printf("✓ Completed %d transactions in %s\n\n", total, elapsed.Round(time.Millisecond))
	fmt.Printf("  committed:   %d\n", committed.Load())
	fmt.Printf("  failed:      %d\n", failed.Load())
	fmt.Printf("  attempts:    %d\n", attempts.Load())
	fmt.Printf("  conflicts:   %d\n", conflicts.Load())
	fmt.Printf("  retried txs: %d\n", retried.Load())
	fmt.Printf("  throughput:  %.1f tx/s\n", float64(total)/elapsed.Seconds())

	if keep {
		return nil
	}
	if err := cleanupBench(ctx, eng); err != nil {
		return fmt.Errorf("failed to clean up bench objects: %w", err)
	}
	fmt.Printf("\n✓ Removed bench objects\n")

	return nil
}

// ensureBenchContainer creates the shared container the writers fight
// over, if a previous run has not left one behind.
func ensureBenchContainer(ctx context.Context, eng *engine.Engine) error {
	_, err := eng.RunWrite(ctx, engine.Task{
		Name:    "bench-setup",
		Subject: "bench",
		Fn: func(ctx context.Context, tx *engine.Tx) engine.Outcome {
			root, err := tx.Root(ctx)
			if err != nil {
				return engine.Fail(err)
			}
			if _, ok := root.Lookup(benchContainerName); ok {
				return engine.Rollback()
			}
			c := model.NewContainer()
			oid, err := tx.Add(c)
			if err != nil {
				return engine.Fail(err)
			}
			root.Attach(benchContainerName, oid)
			if err := tx.Update(root); err != nil {
				return engine.Fail(err)
			}
			return engine.Commit(nil)
		},
	}).Await(ctx)
	return err
}

// registerMachineTask adds one machine to the shared bench container.
func registerMachineTask(name string) engine.Task {
	return engine.Task{
		Name:    "bench-register",
		Subject: "bench",
		Fn: func(ctx context.Context, tx *engine.Tx) engine.Outcome {
			bench, err := benchContainer(ctx, tx)
			if err != nil {
				return engine.Fail(err)
			}
			m := model.NewMachine(name, 2, 2048)
			oid, err := tx.Add(m)
			if err != nil {
				return engine.Fail(err)
			}
			bench.Attach(name, oid)
			if err := tx.Update(bench); err != nil {
				return engine.Fail(err)
			}
			return engine.Commit(nil)
		},
	}
}

// cleanupBench deletes every benched machine, then the container.
func cleanupBench(ctx context.Context, eng *engine.Engine) error {
	_, err := eng.RunWrite(ctx, engine.Task{
		Name:    "bench-cleanup",
		Subject: "bench",
		Fn: func(ctx context.Context, tx *engine.Tx) engine.Outcome {
			root, err := tx.Root(ctx)
			if err != nil {
				return engine.Fail(err)
			}
			oid, ok := root.Lookup(benchContainerName)
			if !ok {
				return engine.Rollback()
			}
			obj, err := tx.Get(ctx, oid)
			if err != nil {
				return engine.Fail(err)
			}
			bench := obj.(*model.Container)

			for _, name := range bench.Names() {
				moid, _ := bench.Lookup(name)
				m, err := tx.Get(ctx, moid)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						continue
					}
					return engine.Fail(err)
				}
				if err := tx.Delete(ctx, m); err != nil {
					return engine.Fail(err)
				}
			}

			root.Detach(benchContainerName)
			if err := tx.Update(root); err != nil {
				return engine.Fail(err)
			}
			if err := tx.Delete(ctx, bench); err != nil {
				return engine.Fail(err)
			}
			return engine.Commit(nil)
		},
	}).Await(ctx)
	return err
}

// benchContainer resolves the shared container inside a transaction.
func benchContainer(ctx context.Context, tx *engine.Tx) (*model.Container, error) {
	root, err := tx.Root(ctx)
	if err != nil {
		return nil, err
	}
	oid, ok := root.Lookup(benchContainerName)
	if !ok {
		return nil, fmt.Errorf("bench container missing; run bench setup again")
	}
	obj, err := tx.Get(ctx, oid)
	if err != nil {
		return nil, err
	}
	c, ok := obj.(*model.Container)
	if !ok {
		return nil, fmt.Errorf("object %q has class %s, expected container", benchContainerName, obj.Class())
	}
	return c, nil
}
