// Package watch re-checks GDScript files when they change on disk.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/debug"
	"github.com/standardbeagle/gdbridge/internal/diagnostics"
	"github.com/standardbeagle/gdbridge/internal/scanner"
	"github.com/standardbeagle/gdbridge/internal/security"
)

// Refresher re-checks one script when it changes on disk.
type Refresher interface {
	CheckScript(ctx context.Context, path string) ([]diagnostics.Diagnostic, error)
}

// Watcher debounces filesystem events and refreshes diagnostics for
// scripts that changed. Rapid successive writes to the same file collapse
// into a single refresh.
type Watcher struct {
	root      string
	debounce  time.Duration
	excludes  []string
	refresher Refresher

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	done chan struct{}
}

// New creates a watcher over root and all of its non-excluded
// subdirectories.
func New(root string, cfg config.Watch, excludes []string, r Refresher) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := time.Duration(cfg.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = time.Duration(config.DefaultWatchDebounce) * time.Millisecond
	}

	w := &Watcher{
		root:      filepath.Clean(root),
		debounce:  debounce,
		excludes:  append([]string(nil), excludes...),
		refresher: r,
		fsw:       fsw,
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}

	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			debug.LogWatch("skipping %s: %v\n", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil {
			return nil
		}
		if rel != "." && scanner.Excluded(w.excludes, filepath.ToSlash(rel)) {
			return fs.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Start runs the event loop until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			debug.LogWatch("watch error: %v\n", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	if scanner.Excluded(w.excludes, filepath.ToSlash(rel)) {
		return
	}

	// New directories join the watch set so nested scripts are seen.
	if event.Op&fsnotify.Create != 0 {
		if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
			if werr := w.fsw.Add(event.Name); werr != nil {
				debug.LogWatch("failed to watch %s: %v\n", event.Name, werr)
			}
			return
		}
	}

	if !strings.EqualFold(filepath.Ext(event.Name), security.ScriptExtension) {
		return
	}
	w.schedule(ctx, event.Name)
}

// schedule resets the per-path debounce timer; the refresh fires only
// after the file has been quiet for the debounce interval.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		debug.LogWatch("refreshing %s\n", path)
		if _, err := w.refresher.CheckScript(ctx, path); err != nil {
			debug.LogWatch("refresh failed for %s: %v\n", path, err)
		}
	})
}

// Stop cancels pending refreshes and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.fsw.Close()
	<-w.done
}
