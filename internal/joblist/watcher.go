package joblist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/me/obsched/pkg/model"
)

// ReloadFunc receives the freshly loaded jobs after the job list changes.
type ReloadFunc func(jobs []*model.Job, warnings []string) error

// Watcher reloads the job list when its file changes.
//
// The parent directory is watched so editors that replace the file are
// handled. Bursts of events are debounced.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadFunc
	timer     *time.Timer
	ownWrite  bool
}

// NewWatcher starts watching the directory of path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("resolve job list path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		logger:   logger.With("component", "joblist-watcher"),
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback run after every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// MarkOwnWrite suppresses the reload caused by our own next save.
func (w *Watcher) MarkOwnWrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ownWrite = true
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("job list changed", "file", ev.Name, "op", ev.Op.String())
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("job list watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.ownWrite {
		w.ownWrite = false
		w.mu.Unlock()
		w.logger.Debug("ignoring own job list write")
		return
	}
	callbacks := append([]ReloadFunc(nil), w.callbacks...)
	w.mu.Unlock()

	jobs, warnings, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("job list reload failed", "path", w.path, "error", err)
		return
	}
	for _, msg := range warnings {
		w.logger.Warn(msg, "path", w.path)
	}
	w.logger.Info("job list reloaded", "path", w.path, "jobs", len(jobs))

	for _, fn := range callbacks {
		if err := fn(jobs, warnings); err != nil {
			w.logger.Error("job list reload callback failed", "error", err)
		}
	}
}
