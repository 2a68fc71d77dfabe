package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skagerrak/portal/internal/logging"
)

// reloadDebounce absorbs the burst of Write events a single save often
// produces, mirroring the teacher's config_watcher.go debounce.
const reloadDebounce = 500 * time.Millisecond

// Watcher hot-reloads a config file and hands every successfully parsed
// Config to its onLoad callback. It does not apply any change to running
// servers itself; what a reload affects is up to that callback.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher
	done chan struct{}

	mu      sync.RWMutex
	current *Config
	onLoad  func(*Config)
}

// Watch starts watching path for changes, invoking onLoad with every
// successfully reparsed Config (including the initial load). onLoad is
// called from the watcher's own goroutine; callers must not block in it
// for long.
func Watch(path string, onLoad func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	w := &Watcher{path: path, fsw: fsw, done: make(chan struct{}), current: cfg, onLoad: onLoad}
	onLoad(cfg)
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}
	w.fsw.Close()
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher: %v", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Error("config reload of %s failed, keeping previous config: %v", w.path, err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	logging.Info("config reloaded from %s", w.path)
	w.onLoad(cfg)
}
