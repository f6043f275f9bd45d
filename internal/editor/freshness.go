package editor

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/tabs"
)

// CheckFreshness compares a tab with the server copy. A changed server copy
// is adopted silently when the tab has no unsaved edits; with unsaved edits
// the tab enters conflict and its pending save is dropped. Tabs that are
// saving or already in conflict are left alone.
func (e *Editor) CheckFreshness(ctx context.Context, path string) (tabs.EditorTab, error) {
	before, ok := e.store.Get(path)
	if !ok {
		return before, apperrors.TabNotFound(path)
	}
	if before.InConflict() || before.SaveState == tabs.StateSaving {
		return before, nil
	}

	res, readErr := e.files.Read(ctx, path)
	if readErr != nil && !fileservice.IsNotFound(readErr) {
		return before, readErr
	}

	tab, ok := e.store.Get(path)
	if !ok {
		return tab, apperrors.TabNotFound(path)
	}
	// A save or resolution that landed during the read makes the result stale.
	if tab.InConflict() || tab.SaveState == tabs.StateSaving || !tab.Token.Equal(before.Token) {
		return tab, nil
	}

	if readErr != nil {
		if !tab.Dirty {
			e.logger.Info("open file vanished", zap.String("path", path))
			return tab, nil
		}
		e.sched.Cancel(path)
		return e.store.MarkConflict(path, tabs.ConflictInfo{
			Reason:  fileservice.ReasonPathNotFound,
			Message: "file was deleted on the server",
		})
	}

	if res.Token.Equal(tab.Token) {
		return tab, nil
	}

	if !tab.Dirty {
		e.logger.Debug("adopting server copy",
			zap.String("path", path),
			zap.Stringer("etag", res.Token))
		next, err := e.store.AdoptServer(path, res.Content, res.Encoding, res.Token)
		if err != nil {
			return next, err
		}
		return e.refreshGitConflict(next), nil
	}

	e.sched.Cancel(path)
	e.logger.Info("server copy changed under local edits", zap.String("path", path))
	return e.store.MarkConflict(path, tabs.ConflictInfo{
		Reason:         fileservice.ReasonContentChanged,
		Message:        "file changed on the server",
		ServerContent:  res.Content,
		ServerEncoding: res.Encoding,
		ServerToken:    res.Token,
	})
}

// CheckAll runs CheckFreshness over every open tab, as on regaining focus.
func (e *Editor) CheckAll(ctx context.Context) error {
	var errs []error
	for _, tab := range e.store.Tabs() {
		if _, err := e.CheckFreshness(ctx, tab.Path()); err != nil && !errors.Is(err, tabs.ErrTabNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rename moves a file or folder and rewrites the paths of affected tabs.
// Queued saves for the old paths are re-enqueued under the new ones.
func (e *Editor) Rename(ctx context.Context, oldPath, newPath string) ([]tabs.EditorTab, error) {
	oldCanon, err := fileservice.CanonicalPath(oldPath)
	if err != nil {
		return nil, err
	}
	newCanon, err := fileservice.CanonicalPath(newPath)
	if err != nil {
		return nil, err
	}

	affected := e.tabsUnder(oldCanon)
	for _, tab := range affected {
		e.sched.Cancel(tab.Path())
		e.stopSettle(tab.Path())
	}

	if err := e.files.Rename(ctx, oldCanon, newCanon); err != nil {
		e.requeue(affected)
		return nil, err
	}

	renamed := e.store.RenamePath(oldCanon, newCanon)
	e.requeue(renamed)
	e.logger.Info("renamed", zap.String("from", oldCanon), zap.String("to", newCanon), zap.Int("tabs", len(renamed)))
	return renamed, nil
}

// Delete removes a file or folder and closes every tab under it.
func (e *Editor) Delete(ctx context.Context, path string) ([]string, error) {
	canon, err := fileservice.CanonicalPath(path)
	if err != nil {
		return nil, err
	}

	affected := e.tabsUnder(canon)
	for _, tab := range affected {
		e.sched.Cancel(tab.Path())
	}

	if err := e.files.Delete(ctx, canon); err != nil {
		e.requeue(affected)
		return nil, err
	}

	closed := e.store.RemovePath(canon)
	for _, p := range closed {
		e.stopSettle(p)
	}
	return closed, nil
}

func (e *Editor) tabsUnder(prefix string) []tabs.EditorTab {
	var out []tabs.EditorTab
	for _, tab := range e.store.Tabs() {
		if p := tab.Path(); p == prefix || strings.HasPrefix(p, prefix+"/") {
			out = append(out, tab)
		}
	}
	return out
}

// requeue schedules saves for dirty tabs that are not blocked by a conflict.
func (e *Editor) requeue(list []tabs.EditorTab) {
	for _, tab := range list {
		if tab.Dirty && !tab.InConflict() {
			e.sched.Enqueue(tab.Path(), tab.Content, tab.Encoding, tab.Token)
		}
	}
}
