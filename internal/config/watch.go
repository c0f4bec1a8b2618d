package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Config from disk whenever its backing file changes,
// replacing the fields of a live Config in place so callers that hold a
// pointer to it observe the new values without needing a restart.
type Watcher struct {
	path   string
	live   *Config
	logger *slog.Logger

	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onReload func(*Config)
}

// NewWatcher constructs a Watcher for path, applying reloads onto live.
// onReload, if non-nil, is invoked after every successful reload with the
// freshly loaded config (e.g. to re-derive dependent clients).
func NewWatcher(path string, live *Config, logger *slog.Logger, onReload func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		live:     live,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		onReload: onReload,
	}
}

// Start begins watching the config file for changes. It is a no-op if
// already watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := fw.Add(w.path); err != nil {
		w.logger.Warn("config watch: failed to watch file", "path", w.path, "error", err)
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	var err error
	if fw != nil {
		err = fw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			// A rewrite-by-replace editor swaps the inode out from under
			// the watch; re-adding keeps future events flowing.
			if event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0 {
				_ = fw.Add(w.path)
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	if next.Hash() == w.live.Hash() {
		return
	}
	w.live.ReplaceFrom(next)
	w.logger.Info("config reloaded", "path", w.path, "hash", next.Hash())
	if w.onReload != nil {
		w.onReload(w.live)
	}
}
