package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk and
// hands each valid new snapshot to the callback. Invalid edits are
// logged and skipped; the running snapshot stays in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onReload func(*Config)
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, logger *slog.Logger, onReload func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger.With("component", "config_watcher"),
		onReload: onReload,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until the context ends. Editors replace files rather than
// writing in place, so the watch is on the directory and events are
// filtered to the config file name.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(w.path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	scheduleReload := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-reload:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload rejected", "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.onReload(cfg)
		}
	}
}
