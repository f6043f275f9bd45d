// Package watch turns filesystem notifications under the served root into
// freshness checks for open tabs.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pseudocoder/filesync/internal/tabs"
)

// DefaultWindow coalesces the burst of events most editors emit for one save.
const DefaultWindow = 100 * time.Millisecond

// Checker re-reads a path and reconciles the open tab with it.
// editor.Editor implements it.
type Checker interface {
	CheckFreshness(ctx context.Context, path string) (tabs.EditorTab, error)
}

// Options configures a Watcher.
type Options struct {
	Clock  clock.Clock
	Window time.Duration
	Logger *zap.Logger

	// IsOpen filters events to paths with an open tab. Nil checks every path.
	IsOpen func(path string) bool

	// Ignore lists directory and file base names never watched.
	Ignore []string
}

// Watcher watches a directory tree and calls Checker for changed paths.
type Watcher struct {
	root    string
	checker Checker
	clock   clock.Clock
	window  time.Duration
	logger  *zap.Logger
	isOpen  func(string) bool
	ignore  map[string]bool

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]*clock.Timer
	running  bool
	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	checks   sync.WaitGroup
}

// New creates a watcher over root (not started).
func New(root string, checker Checker, opts Options) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Ignore == nil {
		opts.Ignore = []string{".git", "node_modules", ".DS_Store"}
	}

	ignore := make(map[string]bool, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = true
	}

	return &Watcher{
		root:    filepath.Clean(root),
		checker: checker,
		clock:   opts.Clock,
		window:  opts.Window,
		logger:  opts.Logger.Named("watch"),
		isOpen:  opts.IsOpen,
		ignore:  ignore,
		pending: make(map[string]*clock.Timer),
	}
}

// Start registers the tree with fsnotify and begins the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	if err := w.watchTree(w.root); err != nil {
		_ = fsw.Close()
		return err
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	w.stopping = false

	go w.loop(w.stopCh, w.doneCh)
	w.logger.Info("watching", zap.String("root", w.root))
	return nil
}

// Stop ends the event loop, drops coalesced events and waits for running
// checks to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	if w.stopping {
		doneCh := w.doneCh
		w.mu.Unlock()
		<-doneCh
		return
	}
	w.stopping = true
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.cancel()
	w.mu.Unlock()

	w.checks.Wait()
	_ = w.fsw.Close()

	w.mu.Lock()
	w.running = false
	w.stopping = false
	w.mu.Unlock()
}

func (w *Watcher) loop(stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watchTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	path, ok := w.relative(ev.Name)
	if !ok {
		return
	}
	if w.isOpen != nil && !w.isOpen(path) {
		return
	}
	w.schedule(path)
}

// schedule restarts the coalescing window for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.window)
		return
	}
	w.pending[path] = w.clock.AfterFunc(w.window, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	if _, ok := w.pending[path]; !ok || w.stopping {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	ctx := w.ctx
	w.checks.Add(1)
	w.mu.Unlock()
	defer w.checks.Done()

	tab, err := w.checker.CheckFreshness(ctx, path)
	if err != nil {
		w.logger.Debug("freshness check", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Debug("checked", zap.String("path", path), zap.String("state", string(tab.SaveState)))
}

// Pending reports how many paths are waiting out their coalescing window.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// watchTree adds dir and every subdirectory not ignored.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("watch add", zap.String("dir", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) ignored(name string) bool {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignore[part] {
			return true
		}
	}
	return false
}

// relative maps an absolute event name to the service's slash path.
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
