package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives every configuration that loaded and validated.
type ReloadFunc func(cfg *Config)

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path    string
	delay   time.Duration
	onLoad  ReloadFunc
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// Watch starts watching path. The file's directory is watched so that
// editors replacing the file by rename are seen. onLoad is not called for
// the initial state; invalid revisions are logged and skipped.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onLoad ReloadFunc) (*Watcher, error) {
	return watch(ctx, path, logger, DefaultReloadDelay, onLoad)
}

func watch(ctx context.Context, path string, logger zerolog.Logger, delay time.Duration, onLoad ReloadFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		delay:   delay,
		onLoad:  onLoad,
		watcher: fsw,
		logger:  logger.With().Str("component", "config-watcher").Logger(),
		done:    make(chan struct{}),
	}

	go w.processEvents(ctx)

	w.logger.Info().Str("path", abs).Msg("Started watching configuration")
	return w, nil
}

// processEvents debounces change events for the watched file.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Ignoring invalid configuration")
		return
	}

	w.logger.Info().
		Str("project", cfg.Stack.Project).
		Str("role", cfg.Stack.Role).
		Msg("Configuration reloaded")
	w.onLoad(cfg)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
