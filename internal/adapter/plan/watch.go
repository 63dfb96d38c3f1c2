package plan

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"aivis/internal/domain"
)

const reloadDebounce = 100 * time.Millisecond

// CheckFunc validates a plan before it is swapped in, typically
// (*catalog.Catalog).CheckPlan.
type CheckFunc func(domain.ExecutionPlan) error

// Watcher reloads a plan file into a Source whenever the file changes. A
// file that fails to parse or check leaves the current plans in place.
// Jobs already running keep the plan they resolved at start.
type Watcher struct {
	path    string
	src     *Source
	check   CheckFunc
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	onReload func(error)
	done     chan struct{}
}

// Watch starts watching path and reloading it into src. check may be nil.
func Watch(ctx context.Context, path string, src *Source, check CheckFunc, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve plan path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create plan watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch plan dir: %w", err)
	}

	w := &Watcher{
		path:    absPath,
		src:     src,
		check:   check,
		logger:  logger,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

// Close stops watching and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plan watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() {
		err := w.reload()
		if err != nil {
			w.logger.Warn("plan reload rejected", "path", w.path, "error", err)
		} else {
			w.logger.Info("plan reloaded", "path", w.path)
		}
		w.mu.Lock()
		hook := w.onReload
		w.mu.Unlock()
		if hook != nil {
			hook(err)
		}
	})
}

func (w *Watcher) reload() error {
	next, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	if w.check != nil {
		for _, p := range next.plans() {
			if err := w.check(p); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrInvalidPlan, err)
			}
		}
	}
	w.src.swap(next)
	return nil
}
