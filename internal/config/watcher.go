package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of write events most editors and
// deployment tools (atomic rename, multiple writes) produce for a single
// logical save.
const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a config file on change and invokes onChange with the
// freshly parsed Config. Grounded on the teacher's fsnotify-based debounced
// file watcher (internal/skills/manager.go's watch loop).
type Watcher struct {
	path      string
	debounce  time.Duration
	onChange  func(*Config)
	onError   func(error)
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher for path. onChange is invoked with every
// successfully reloaded Config; onError (optional) receives read/parse
// failures instead of stopping the watch loop.
func NewWatcher(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		debounce: defaultDebounce,
		onChange: onChange,
		onError:  onError,
		logger:   slog.Default(),
		watcher:  fsw,
	}, nil
}

// Start begins watching in the background. Stop must be called to release
// the underlying inotify/kqueue handle.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config: reload failed", "path", w.path, "error", err)
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			if w.onChange != nil {
				w.onChange(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watch error", "path", w.path, "error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Stop halts the watch loop and releases the fsnotify handle.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.watcher.Close()
}
