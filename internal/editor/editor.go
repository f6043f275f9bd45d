// Package editor ties the tab store, the save scheduler and the file service
// into one editing session.
//
// Edits go to the store first; a dirty result is enqueued on the scheduler
// under the tab's current version token. The editor observes the scheduler's
// dispatches and moves tabs through saving, saved, dirty and conflict. A tab
// in conflict is never saved implicitly; it waits for ResolveVersionConflict.
package editor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/mergeconflict"
	"github.com/pseudocoder/filesync/internal/savequeue"
	"github.com/pseudocoder/filesync/internal/tabs"
)

// DefaultSavedDisplay is how long a tab shows "saved" before settling to clean.
const DefaultSavedDisplay = 2 * time.Second

// Options configures an Editor.
type Options struct {
	Clock        clock.Clock
	SavedDisplay time.Duration
	Logger       *zap.Logger

	// Sessions and SessionID enable layout persistence. Both are optional.
	Sessions  SessionStore
	SessionID string
}

// Editor is one editing session over a file service.
type Editor struct {
	store    *tabs.Store
	sched    *savequeue.Scheduler
	files    fileservice.Service
	clock    clock.Clock
	display  time.Duration
	logger   *zap.Logger
	sessions SessionStore
	session  string

	mu        sync.Mutex
	settle    map[string]*clock.Timer
	restoring bool

	unsubscribe func()
}

// New creates an editor and registers it as sched's observer, so it must be
// called before sched.Start.
func New(store *tabs.Store, sched *savequeue.Scheduler, files fileservice.Service, opts Options) *Editor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SavedDisplay <= 0 {
		opts.SavedDisplay = DefaultSavedDisplay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := &Editor{
		store:    store,
		sched:    sched,
		files:    files,
		clock:    opts.Clock,
		display:  opts.SavedDisplay,
		logger:   opts.Logger.Named("editor"),
		sessions: opts.Sessions,
		session:  opts.SessionID,
		settle:   make(map[string]*clock.Timer),
	}
	sched.SetObserver(e)
	if e.sessions != nil && e.session != "" {
		e.unsubscribe = store.Subscribe(e.onStoreEvent)
	}
	return e
}

// Store returns the underlying tab store.
func (e *Editor) Store() *tabs.Store {
	return e.store
}

// Open reads path and opens it as a clean tab, or activates the existing tab.
func (e *Editor) Open(ctx context.Context, path string) (tabs.EditorTab, error) {
	canon, err := fileservice.CanonicalPath(path)
	if err != nil {
		return tabs.EditorTab{}, err
	}
	if _, ok := e.store.Get(canon); ok {
		return e.store.SetActive(canon)
	}

	res, err := e.files.Read(ctx, canon)
	if err != nil {
		return tabs.EditorTab{}, err
	}

	tab, created := e.store.Open(res)
	if created {
		e.logger.Debug("opened", zap.String("path", tab.Path()), zap.Stringer("etag", tab.Token))
	}
	return e.refreshGitConflict(tab), nil
}

// Edit replaces a tab's content and schedules a debounced save when the
// result is dirty. Returning to the last persisted content cancels the pending
// save. A tab in conflict is updated but never enqueued.
func (e *Editor) Edit(path, content string) (tabs.EditorTab, error) {
	tab, err := e.store.Edit(path, content)
	if err != nil {
		return tab, err
	}

	if tab.GitConflict != nil {
		tab = e.refreshGitConflict(tab)
	}

	switch {
	case tab.InConflict():
	case !tab.Dirty:
		e.sched.Cancel(path)
	default:
		e.sched.Enqueue(path, tab.Content, tab.Encoding, tab.Token)
	}
	return tab, nil
}

// Save writes the tab now, bypassing the quiet period, and waits for the
// outcome. A clean tab is returned as is. A conflict outcome is returned as a
// *fileservice.ConflictError alongside the tab in conflict.
func (e *Editor) Save(ctx context.Context, path string) (tabs.EditorTab, error) {
	tab, ok := e.store.Get(path)
	if !ok {
		return tab, apperrors.TabNotFound(path)
	}
	if tab.InConflict() {
		return tab, apperrors.TabInConflict(path)
	}
	if !tab.Dirty && !e.sched.IsPending(path) {
		return tab, nil
	}

	res, err := e.sched.ForceDispatch(path, tab.Content, tab.Encoding, tab.Token).Wait(ctx)
	if err != nil {
		return tab, err
	}
	tab, _ = e.store.Get(path)

	switch res.Outcome {
	case savequeue.OutcomeSaved:
		return tab, nil
	case savequeue.OutcomeConflict:
		return tab, res.Conflict
	case savequeue.OutcomeFailed:
		return tab, res.Err
	default:
		return tab, apperrors.New(apperrors.CodeFileWriteFailed, "save was "+string(res.Outcome))
	}
}

// Close removes the tab. A save already queued for it still completes.
func (e *Editor) Close(path string) (tabs.EditorTab, error) {
	tab, err := e.store.Close(path)
	if err != nil {
		return tab, err
	}
	e.stopSettle(path)
	return tab, nil
}

// Activate makes path the active tab.
func (e *Editor) Activate(path string) (tabs.EditorTab, error) {
	return e.store.SetActive(path)
}

// SaveStarted implements savequeue.Observer.
func (e *Editor) SaveStarted(path string) {
	if _, err := e.store.BeginSave(path); err != nil {
		// Closed tabs and conflict resolutions write without a saving state.
		e.logger.Debug("save started without saving state", zap.String("path", path), zap.Error(err))
	}
}

// SaveResolved implements savequeue.Observer.
func (e *Editor) SaveResolved(res savequeue.Result) {
	var (
		tab tabs.EditorTab
		err error
	)

	switch res.Outcome {
	case savequeue.OutcomeSaved:
		tab, err = e.store.MarkSaved(res.Path, res.Content, res.Token)
		switch {
		case err != nil:
		case tab.SaveState == tabs.StateSaved:
			e.armSettle(res.Path)
		case tab.Dirty && !tab.InConflict() && !e.sched.IsPending(res.Path):
			// An edit back to the previous content during the write cancelled
			// the queued save, but the server now holds the written content.
			e.sched.Enqueue(res.Path, tab.Content, tab.Encoding, tab.Token)
		}

	case savequeue.OutcomeConflict:
		e.sched.Cancel(res.Path)
		tab, err = e.store.MarkConflict(res.Path, conflictInfo(res.Conflict))
		if err == nil {
			e.logger.Info("tab in conflict",
				zap.String("path", res.Path),
				zap.String("reason", string(res.Conflict.Reason)))
		}

	case savequeue.OutcomeFailed:
		_, err = e.store.MarkSaveFailed(res.Path)
	}

	if err != nil && !errors.Is(err, tabs.ErrTabNotFound) {
		e.logger.Warn("apply save result", zap.String("path", res.Path), zap.Error(err))
	}
}

func conflictInfo(c *fileservice.ConflictError) tabs.ConflictInfo {
	return tabs.ConflictInfo{
		Reason:         c.Reason,
		Message:        c.Message,
		ServerContent:  c.CurrentContent,
		ServerEncoding: c.CurrentEncoding,
		ServerToken:    c.CurrentToken,
	}
}

func (e *Editor) armSettle(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.settle[path]; ok {
		old.Stop()
	}
	var timer *clock.Timer
	timer = e.clock.AfterFunc(e.display, func() {
		e.mu.Lock()
		if e.settle[path] == timer {
			delete(e.settle, path)
		}
		e.mu.Unlock()
		_, _ = e.store.Settle(path)
	})
	e.settle[path] = timer
}

func (e *Editor) stopSettle(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.settle[path]; ok {
		t.Stop()
		delete(e.settle, path)
	}
}

// refreshGitConflict recomputes the merge-marker payload for a text tab.
func (e *Editor) refreshGitConflict(tab tabs.EditorTab) tabs.EditorTab {
	if tab.Encoding != fileservice.EncodingUTF8 {
		return tab
	}

	var gc *tabs.GitConflict
	if regions := mergeconflict.Parse(tab.Content); len(regions) > 0 {
		current, incoming, err := mergeconflict.Sides(tab.Content)
		if err != nil {
			e.logger.Warn("split merge sides", zap.String("path", tab.Path()), zap.Error(err))
			return tab
		}
		gc = &tabs.GitConflict{CurrentContent: current, IncomingContent: incoming, Regions: len(regions)}
	}

	next, err := e.store.SetGitConflict(tab.Path(), gc)
	if err != nil {
		return tab
	}
	return next
}
