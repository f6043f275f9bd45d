package editor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/mergeconflict"
	"github.com/pseudocoder/filesync/internal/savequeue"
	"github.com/pseudocoder/filesync/internal/tabs"
	"github.com/pseudocoder/filesync/internal/version"
)

// Action is a user's answer to a version conflict.
type Action string

const (
	// ActionKeepMine overwrites the server copy with local content.
	ActionKeepMine Action = "keep_mine"
	// ActionUseServer discards local edits and adopts the server copy.
	ActionUseServer Action = "use_server"
	// ActionRecreate writes local content as a new file at the vanished path.
	ActionRecreate Action = "recreate"
	// ActionClose discards the tab.
	ActionClose Action = "close"
)

// ParseAction validates a wire action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionKeepMine, ActionUseServer, ActionRecreate, ActionClose:
		return a, nil
	}
	return "", apperrors.New(apperrors.CodeTabInvalidResolution, fmt.Sprintf("unknown resolution %q", s))
}

// validFor reports whether a fits reason.
func (a Action) validFor(reason fileservice.ConflictReason) bool {
	switch a {
	case ActionKeepMine, ActionUseServer:
		return reason == fileservice.ReasonContentChanged
	case ActionRecreate, ActionClose:
		return reason == fileservice.ReasonPathNotFound
	}
	return false
}

// ResolveVersionConflict applies action to a tab in conflict. On success the
// tab has left conflict with a fresh token, or has been closed. On failure
// the tab stays in conflict.
func (e *Editor) ResolveVersionConflict(ctx context.Context, path string, action Action) (tabs.EditorTab, error) {
	tab, ok := e.store.Get(path)
	if !ok {
		return tab, apperrors.TabNotFound(path)
	}
	if !tab.InConflict() {
		return tab, apperrors.New(apperrors.CodeTabInvalidResolution, path+" is not in conflict")
	}
	if !action.validFor(tab.Conflict.Reason) {
		return tab, apperrors.InvalidResolution(string(action), string(tab.Conflict.Reason))
	}

	e.logger.Info("resolving conflict",
		zap.String("path", path),
		zap.String("reason", string(tab.Conflict.Reason)),
		zap.String("action", string(action)))

	switch action {
	case ActionKeepMine, ActionRecreate:
		return e.forceLocal(ctx, tab)
	case ActionUseServer:
		return e.useServer(ctx, tab)
	default:
		e.sched.Cancel(path)
		return e.Close(path)
	}
}

// forceLocal writes the tab's content without a version condition. For a
// vanished path this creates the file.
func (e *Editor) forceLocal(ctx context.Context, tab tabs.EditorTab) (tabs.EditorTab, error) {
	path := tab.Path()
	e.sched.Cancel(path)

	res, err := e.sched.ForceDispatch(path, tab.Content, tab.Encoding, version.Unsynced()).Wait(ctx)
	if err != nil {
		return tab, err
	}

	switch res.Outcome {
	case savequeue.OutcomeSaved:
		next, err := e.store.ResolveKeepMine(path, res.Content, res.Token)
		if err != nil {
			return next, err
		}
		switch {
		case next.SaveState == tabs.StateSaved:
			e.armSettle(path)
		case next.Dirty:
			// Edits made during the resolution write were never enqueued.
			e.sched.Enqueue(path, next.Content, next.Encoding, next.Token)
		}
		return next, nil
	case savequeue.OutcomeFailed:
		return tab, res.Err
	case savequeue.OutcomeConflict:
		return tab, res.Conflict
	default:
		return tab, apperrors.New(apperrors.CodeFileWriteFailed, "resolution write was "+string(res.Outcome))
	}
}

// useServer re-reads the file and adopts it. If the file vanished since the
// conflict was raised the conflict becomes path_not_found. Whatever this read
// returns wins; a change landing after it is caught by the next check.
func (e *Editor) useServer(ctx context.Context, tab tabs.EditorTab) (tabs.EditorTab, error) {
	path := tab.Path()
	e.sched.Cancel(path)

	res, err := e.files.Read(ctx, path)
	if fileservice.IsNotFound(err) {
		next, merr := e.store.MarkConflict(path, tabs.ConflictInfo{
			Reason:  fileservice.ReasonPathNotFound,
			Message: "file was deleted on the server",
		})
		if merr != nil {
			return next, merr
		}
		return next, err
	}
	if err != nil {
		return tab, err
	}

	next, err := e.store.AdoptServer(path, res.Content, res.Encoding, res.Token)
	if err != nil {
		return next, err
	}
	return e.refreshGitConflict(next), nil
}

// DetectMergeConflicts parses the tab's content for merge markers and records
// the result on the tab.
func (e *Editor) DetectMergeConflicts(path string) (tabs.EditorTab, []mergeconflict.Region, error) {
	tab, ok := e.store.Get(path)
	if !ok {
		return tab, nil, apperrors.TabNotFound(path)
	}
	if tab.Encoding != fileservice.EncodingUTF8 {
		return tab, nil, nil
	}
	tab = e.refreshGitConflict(tab)
	return tab, mergeconflict.Parse(tab.Content), nil
}

// ResolveMergeConflict resolves every merge region with choice. The result is
// an ordinary edit and saves through the normal path.
func (e *Editor) ResolveMergeConflict(path string, choice mergeconflict.Choice) (tabs.EditorTab, error) {
	return e.rewriteMerge(path, func(content string) (string, error) {
		return mergeconflict.ResolveAll(content, choice)
	})
}

// ResolveMergeRegion resolves the index-th merge region with choice.
func (e *Editor) ResolveMergeRegion(path string, index int, choice mergeconflict.Choice) (tabs.EditorTab, error) {
	return e.rewriteMerge(path, func(content string) (string, error) {
		return mergeconflict.ResolveAt(content, index, choice)
	})
}

func (e *Editor) rewriteMerge(path string, rewrite func(string) (string, error)) (tabs.EditorTab, error) {
	tab, ok := e.store.Get(path)
	if !ok {
		return tab, apperrors.TabNotFound(path)
	}
	if tab.Encoding != fileservice.EncodingUTF8 {
		return tab, apperrors.New(apperrors.CodeTabInvalidResolution, "binary files have no merge markers")
	}

	out, err := rewrite(tab.Content)
	if err != nil {
		return tab, apperrors.Wrap(apperrors.CodeTabInvalidResolution, "resolve merge markers", err)
	}

	next, err := e.Edit(path, out)
	if err != nil {
		return next, err
	}
	return e.refreshGitConflict(next), nil
}
