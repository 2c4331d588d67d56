package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher holds the live config behind an atomic pointer and reloads it
// from path on file-change notifications, validating before swap: a config
// that fails Validate never replaces the running one, and the swap is
// atomic so in-flight requests keep the snapshot they started with.
//
// The debounce-then-reload and fsnotify wiring swaps an atomic.Pointer
// rather than taking a mutex, and a failed reload is logged and discarded
// instead of silently keeping stale state undiscoverable.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *zap.Logger

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}

	onReload func(*Config)
}

// NewWatcher loads path once, starts watching it for changes, and calls
// onReload (if non-nil) after each successful hot-reload.
func NewWatcher(path string, logger *zap.Logger, onReload func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	if err := fsWatcher.Add(path); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:      path,
		logger:    logger,
		fsWatcher: fsWatcher,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		onReload:  onReload,
	}
	w.current.Store(cfg)

	go w.watchLoop()
	return w, nil
}

// Current returns the most recently validated config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Stop stops the file watcher goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.fsWatcher.Close()
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)

	const debounceDelay = 250 * time.Millisecond
	var debounce *time.Timer

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.current.Store(cfg)
	w.logger.Info("config reloaded", zap.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
