package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay coalesces the event bursts editors produce on save.
const debounceDelay = 250 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands each
// successfully validated result to onReload. Invalid or unreadable files are
// logged and skipped, so a half-written save never reaches the application.
// The watcher stops when ctx is cancelled.
func Watch(ctx context.Context, configPath string, logger *zap.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory, not the file: most editors replace the file on
	// save, which would otherwise drop the watch.
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	target := filepath.Clean(configPath)

	go func() {
		defer watcher.Close()

		debounce := time.NewTimer(debounceDelay)
		if !debounce.Stop() {
			<-debounce.C
		}
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce.Reset(debounceDelay)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", zap.Error(err))

			case <-debounce.C:
				cfg, err := LoadConfig(configPath)
				if err != nil {
					logger.Warn("Config reload failed, keeping previous config",
						zap.String("path", configPath), zap.Error(err))
					continue
				}
				logger.Info("Config reloaded", zap.String("path", configPath))
				onReload(cfg)
			}
		}
	}()

	return nil
}
