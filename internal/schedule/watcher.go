package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a schedule file when it changes on disk and hands the
// parsed result to a callback. Parse failures are logged and the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*File)
	debounce time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange func(*File), logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: DefaultWatchDebounce,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithDebounce overrides the reload debounce.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Running reports whether the watch loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start watches until ctx is cancelled or Stop is called. Call in a goroutine.
// The parent directory is watched so that atomic rename-on-save is seen.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schedule: create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("schedule: watch %s: %w", w.path, err)
	}

	w.running.Store(true)
	defer w.running.Store(false)
	defer w.cancelPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("schedule watcher error", "path", w.path, "error", err)
		}
	}
}

// Stop signals the watch loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

func (w *Watcher) reload() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in schedule reload", "panic", fmt.Sprint(r))
		}
	}()
	f, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("schedule file reload failed, keeping previous configuration",
			"path", w.path, "error", err)
		return
	}
	w.logger.Info("schedule file reloaded", "path", w.path, "users", len(f.Users))
	w.onChange(f)
}
