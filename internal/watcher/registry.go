// Package watcher delivers coalesced file-change notifications for session
// workspaces. One OS-level watcher per directory, fanned out to any number
// of subscribers.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow is how long changes accumulate before one notification
// fires with the deduplicated path set.
const debounceWindow = 100 * time.Millisecond

type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*dirWatcher
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, watchers: map[string]*dirWatcher{}}
}

// Subscribe registers fn for change notifications under watchDir, creating
// the watcher on first use. Paths passed to fn are relative to watchDir.
// The returned func removes the subscription; the watcher itself stays until
// Stop or Close.
func (r *Registry) Subscribe(watchDir string, fn func(paths []string)) (func(), error) {
	r.mu.Lock()
	w, ok := r.watchers[watchDir]
	if !ok {
		var err error
		w, err = newDirWatcher(watchDir, r.logger)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.watchers[watchDir] = w
	}
	r.mu.Unlock()

	id := w.addSubscriber(fn)
	return func() { w.removeSubscriber(id) }, nil
}

// Stop tears down the watcher for watchDir, if any. Called before a session
// workspace is deleted.
func (r *Registry) Stop(watchDir string) {
	r.mu.Lock()
	w, ok := r.watchers[watchDir]
	delete(r.watchers, watchDir)
	r.mu.Unlock()
	if ok {
		w.stop()
	}
}

// Close stops every watcher.
func (r *Registry) Close() {
	r.mu.Lock()
	watchers := r.watchers
	r.watchers = map[string]*dirWatcher{}
	r.mu.Unlock()
	for _, w := range watchers {
		w.stop()
	}
}

type dirWatcher struct {
	dir    string
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]func([]string)
	nextID  int
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool
}

func newDirWatcher(dir string, logger *slog.Logger) (*dirWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &dirWatcher{
		dir:     dir,
		fsw:     fsw,
		logger:  logger,
		subs:    map[int]func([]string){},
		pending: map[string]struct{}{},
	}
	if err := w.addRecursive(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// addRecursive watches dir and every non-hidden subdirectory. fsnotify does
// not recurse on its own.
func (w *dirWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // raced with a delete
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *dirWatcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *dirWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.dir, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	// Hidden-entry policy matches the workspace tree walk: dotfiles are not
	// reported.
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return
		}
	}

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addRecursive(ev.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[filepath.ToSlash(rel)] = struct{}{}
	// First event of a window starts the timer; later events ride along.
	if w.timer == nil {
		w.timer = time.AfterFunc(debounceWindow, w.flush)
	}
}

func (w *dirWatcher) flush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = map[string]struct{}{}
	w.timer = nil

	subs := make([]func([]string), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	for _, fn := range subs {
		fn(paths)
	}
}

func (w *dirWatcher) addSubscriber(fn func([]string)) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	return id
}

func (w *dirWatcher) removeSubscriber(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, id)
}

func (w *dirWatcher) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.subs = map[int]func([]string){}
	w.pending = map[string]struct{}{}
	w.mu.Unlock()

	w.fsw.Close()
}
