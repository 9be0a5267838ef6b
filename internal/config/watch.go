package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"vawter.tech/stopper"
)

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// Watch calls fn with the freshly loaded configuration whenever the file at
// path changes. Reloads that fail to parse or validate are logged and
// skipped. The returned function stops the watcher.
func Watch(ctx context.Context, path string, logger *zap.Logger, fn func(*Config)) (func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory: editors and Save replace the file by rename.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close() //nolint:errcheck // nothing left to report to
	})

	var (
		mu        sync.Mutex
		debouncer *time.Timer
	)

	reload := func() {
		if sctx.IsStopping() {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("ignoring unreadable config", zap.String("path", path), zap.Error(err))
			return
		}
		if err := cfg.Validate(); err != nil {
			logger.Warn("ignoring invalid config", zap.String("path", path), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("path", path), zap.Int("services", len(cfg.Services)))
		fn(cfg)
	}

	target := filepath.Clean(path)
	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(reloadDebounce, reload)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
		return nil
	})

	return func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait() //nolint:wrapcheck // stopper errors come from our own goroutine
	}, nil
}
