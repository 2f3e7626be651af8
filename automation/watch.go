package automation

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events editors produce per save.
const DefaultWatchDebounce = 200 * time.Millisecond

// RulesWatcher calls a reload function whenever the rules file changes on
// disk. The parent directory is watched so atomic rename-over saves are
// seen.
type RulesWatcher struct {
	fw       *fsnotify.Watcher
	path     string
	debounce time.Duration
	reload   func()
	logger   *slog.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewRulesWatcher prepares a watcher for path. debounce <= 0 uses
// DefaultWatchDebounce.
func NewRulesWatcher(path string, debounce time.Duration, reload func(), logger *slog.Logger) (*RulesWatcher, error) {
	if reload == nil {
		return nil, fmt.Errorf("reload func is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RulesWatcher{
		fw:       fw,
		path:     abs,
		debounce: debounce,
		reload:   reload,
		logger:   logger.With("component", "rules_watcher", "path", abs),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *RulesWatcher) Start() error {
	if err := w.fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watching rules file")
	return nil
}

func (w *RulesWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.schedule()
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *RulesWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *RulesWatcher) fire() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	w.reload()
}

// Stop ends watching. Safe to call multiple times.
func (w *RulesWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
	w.mu.Unlock()

	err := w.fw.Close()
	w.wg.Wait()
	return err
}
