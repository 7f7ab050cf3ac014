package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the live view whenever the config file changes.
//
// Files that fail to parse or validate are logged and skipped; the
// previous configuration stays in effect. Watch returns once the
// watcher is installed and stops when ctx is cancelled.
func Watch(ctx context.Context, path string, live *Live, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	// Watch the directory rather than the file itself: editors that
	// save by rename replace the inode and a file watch goes dead.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	log := logger.With().Str("component", "config-watcher").Logger()

	go processEvents(ctx, watcher, abs, live, log)

	log.Info().Str("path", abs).Msg("Watching configuration file")

	return nil
}

// processEvents processes file system events and triggers reloads.
func processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, live *Live, log zerolog.Logger) {
	// Debounce reload events; editors fire several per save.
	var reloadTimer *time.Timer
	reloadDelay := 250 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			log.Debug().
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				reload(path, live, log)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload loads the file and publishes it on success.
func reload(path string, live *Live, log zerolog.Logger) {
	cfg, err := Load(path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reload configuration, keeping previous")
		return
	}

	live.Replace(cfg)

	log.Info().
		Int("conflict_retries", cfg.Database.ConflictRetries).
		Bool("trace_transactions", cfg.Database.TraceTransactions).
		Msg("Configuration reloaded")
}
