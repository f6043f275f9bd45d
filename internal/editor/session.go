package editor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/storage"
	"github.com/pseudocoder/filesync/internal/tabs"
)

// SessionStore persists the tab layout of a session. storage.SQLiteStore
// implements it.
type SessionStore interface {
	SaveTabs(sessionID string, records []storage.TabRecord, active string) error
	LoadTabs(sessionID string) ([]storage.TabRecord, string, error)
}

// onStoreEvent persists the layout after structural changes. Content edits
// do not touch the database.
func (e *Editor) onStoreEvent(ev tabs.Event) {
	switch ev.Kind {
	case tabs.EventOpened, tabs.EventClosed, tabs.EventRenamed, tabs.EventActivated, tabs.EventCleared:
	default:
		return
	}

	e.mu.Lock()
	restoring := e.restoring
	e.mu.Unlock()
	if restoring {
		return
	}
	e.persistLayout()
}

func (e *Editor) persistLayout() {
	if e.sessions == nil || e.session == "" {
		return
	}

	snap := e.store.Snapshot()
	records := make([]storage.TabRecord, 0, len(snap.Tabs))
	for _, tab := range snap.Tabs {
		records = append(records, storage.TabRecord{
			Path:         tab.Path(),
			Name:         tab.File.Name,
			Kind:         string(tab.File.Kind),
			Language:     tab.Language,
			CursorLine:   tab.Cursor.Line,
			CursorColumn: tab.Cursor.Column,
		})
	}

	if err := e.sessions.SaveTabs(e.session, records, snap.Active); err != nil {
		e.logger.Warn("persist tab layout", zap.Error(err))
	}
}

// RestoreSession reopens the tabs of the configured session. Every tab is
// re-read from the file service and starts clean; paths that no longer
// exist are skipped. It returns the number of tabs restored.
func (e *Editor) RestoreSession(ctx context.Context) (int, error) {
	if e.sessions == nil || e.session == "" {
		return 0, nil
	}

	records, active, err := e.sessions.LoadTabs(e.session)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.restoring = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.restoring = false
		e.mu.Unlock()
		e.persistLayout()
	}()

	restored := 0
	for _, rec := range records {
		res, err := e.files.Read(ctx, rec.Path)
		if err != nil {
			if ctx.Err() != nil {
				return restored, ctx.Err()
			}
			level := zap.WarnLevel
			if fileservice.IsNotFound(err) {
				level = zap.InfoLevel
			}
			e.logger.Check(level, "skipping saved tab").Write(zap.String("path", rec.Path), zap.Error(err))
			continue
		}

		tab, _ := e.store.Open(res)
		if rec.Language != "" {
			tab, _ = e.store.SetLanguage(tab.Path(), rec.Language)
		}
		_, _ = e.store.SetCursor(tab.Path(), tabs.Cursor{Line: rec.CursorLine, Column: rec.CursorColumn})
		e.refreshGitConflict(tab)
		restored++
	}

	if active != "" {
		if _, ok := e.store.Get(active); ok {
			_, _ = e.store.SetActive(active)
		}
	}

	e.logger.Info("session restored", zap.Int("tabs", restored), zap.Int("saved", len(records)))
	return restored, nil
}

// Shutdown makes every debounced save eligible, waits for the queue to empty
// and persists the final layout.
func (e *Editor) Shutdown(ctx context.Context) error {
	e.sched.Flush()
	err := e.sched.Drain(ctx)

	e.mu.Lock()
	for path, t := range e.settle {
		t.Stop()
		delete(e.settle, path)
	}
	e.mu.Unlock()

	e.persistLayout()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	return err
}
