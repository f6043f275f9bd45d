package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pseudocoder/filesync/internal/tabs"
)

type fakeChecker struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeChecker) CheckFreshness(_ context.Context, path string) (tabs.EditorTab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return tabs.EditorTab{}, nil
}

func (f *fakeChecker) checked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func TestWatcher_CoalescesBurstPerPath(t *testing.T) {
	root := t.TempDir()
	mock := clock.NewMock()
	checker := &fakeChecker{}
	w := New(root, checker, Options{Clock: mock, Window: 50 * time.Millisecond})
	w.ctx, w.cancel = context.WithCancel(context.Background())
	defer w.cancel()

	name := filepath.Join(root, "src", "main.go")
	for i := 0; i < 5; i++ {
		w.handle(fsnotify.Event{Name: name, Op: fsnotify.Write})
		mock.Add(10 * time.Millisecond)
	}
	assert.Equal(t, 1, w.Pending())
	assert.Empty(t, checker.checked())

	mock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(checker.checked()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"src/main.go"}, checker.checked())
	assert.Zero(t, w.Pending())
}

func TestWatcher_FiltersEvents(t *testing.T) {
	root := t.TempDir()
	mock := clock.NewMock()
	checker := &fakeChecker{}
	w := New(root, checker, Options{
		Clock:  mock,
		IsOpen: func(path string) bool { return path == "open.txt" },
	})
	w.ctx, w.cancel = context.WithCancel(context.Background())
	defer w.cancel()

	tests := []struct {
		name string
		ev   fsnotify.Event
	}{
		{"closed tab", fsnotify.Event{Name: filepath.Join(root, "closed.txt"), Op: fsnotify.Write}},
		{"git internals", fsnotify.Event{Name: filepath.Join(root, ".git", "index"), Op: fsnotify.Write}},
		{"outside root", fsnotify.Event{Name: filepath.Join(filepath.Dir(root), "open.txt"), Op: fsnotify.Write}},
		{"chmod only", fsnotify.Event{Name: filepath.Join(root, "open.txt"), Op: fsnotify.Chmod}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w.handle(tt.ev)
			assert.Zero(t, w.Pending())
		})
	}

	w.handle(fsnotify.Event{Name: filepath.Join(root, "open.txt"), Op: fsnotify.Remove})
	assert.Equal(t, 1, w.Pending())
}

func TestWatcher_ReportsExternalWrites(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	target := filepath.Join(root, "src", "main.go")
	require.NoError(t, os.WriteFile(target, []byte("package main\n"), 0o644))

	checker := &fakeChecker{}
	w := New(root, checker, Options{Window: 20 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(target, []byte("package main\n\nfunc main() {}\n"), 0o644))

	require.Eventually(t, func() bool {
		for _, p := range checker.checked() {
			if p == "src/main.go" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	checker := &fakeChecker{}
	w := New(root, checker, Options{Window: 20 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	dir := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(dir, 0o755))

	// The directory is registered asynchronously; keep writing until seen.
	target := filepath.Join(dir, "a.go")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(target, []byte(time.Now().String()), 0o644)
		for _, p := range checker.checked() {
			if p == "pkg/a.go" {
				return true
			}
		}
		return false
	}, 2*time.Second, 50*time.Millisecond)
}

func TestWatcher_StopDropsPending(t *testing.T) {
	root := t.TempDir()
	mock := clock.NewMock()
	checker := &fakeChecker{}
	w := New(root, checker, Options{Clock: mock})
	require.NoError(t, w.Start(context.Background()))

	w.handle(fsnotify.Event{Name: filepath.Join(root, "a.txt"), Op: fsnotify.Write})
	assert.Equal(t, 1, w.Pending())

	w.Stop()
	w.Stop()
	assert.Zero(t, w.Pending())

	mock.Add(time.Second)
	assert.Empty(t, checker.checked())
}

func TestWatcher_StartMissingRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), &fakeChecker{}, Options{})
	assert.Error(t, w.Start(context.Background()))
}
