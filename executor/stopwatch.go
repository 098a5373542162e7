package executor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/bewest/sdqctl/engineerr"
)

// stopWatcher watches a single path for the stop file named by
// Config.Vars.StopFile and latches once it appears, so each cycle boundary
// only has to check an atomic flag instead of stat-ing the filesystem.
// Direct port of the teacher's fsnotify directory watcher, narrowed to one
// file instead of a tree.
type stopWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	tripped atomic.Bool
	done    chan struct{}
}

// newStopWatcher returns nil if path is empty or the directory it lives in
// cannot be watched; a run with no watchable stop file simply never halts
// on one.
func newStopWatcher(path string) *stopWatcher {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("stop file watcher unavailable", "error", err)
		return nil
	}
	if err := w.Add(dir); err != nil {
		slog.Warn("stop file watcher could not watch directory", "dir", dir, "error", err)
		w.Close()
		return nil
	}
	sw := &stopWatcher{path: path, watcher: w, done: make(chan struct{})}
	if _, statErr := os.Stat(path); statErr == nil {
		sw.tripped.Store(true)
	}
	go sw.run()
	return sw
}

func (sw *stopWatcher) run() {
	defer sw.watcher.Close()
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(sw.path) {
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					sw.tripped.Store(true)
				}
			}
		case _, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
		case <-sw.done:
			return
		}
	}
}

func (sw *stopWatcher) Stop() {
	if sw == nil {
		return
	}
	close(sw.done)
}

func (sw *stopWatcher) check(ctx context.Context) error {
	if sw == nil {
		return ctx.Err()
	}
	if sw.tripped.Load() {
		return engineerr.ErrStopFile
	}
	return ctx.Err()
}
