package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// Watcher reloads the config file when it changes. The parent directory is
// watched so that editors which replace the file are noticed.
type Watcher struct {
	path  string
	load  func() (Config, error)
	apply func(Config)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher reloads path with load and hands every valid result to apply.
func NewWatcher(path string, load func() (Config, error), apply func(Config)) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:   filepath.Clean(path),
		load:   load,
		apply:  apply,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.eventLoop()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	cfg, err := w.load()
	if err != nil {
		slog.Warn("ignoring invalid config change", "path", w.path, "error", err)
		return
	}
	w.apply(cfg)
	slog.Info("config reloaded", "path", w.path)
}
