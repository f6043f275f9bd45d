package tabs

import (
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/version"
)

// Transitions take a tab by value and return the next value plus whether
// anything changed. They never touch the Store.

func applyEdit(t EditorTab, content string) (EditorTab, bool) {
	if content == t.Content {
		return t, false
	}
	t.Content = content
	t.Dirty = content != t.persisted

	switch t.SaveState {
	case StateConflict, StateSaving:
		// conflict exits only through a resolution; saving settles in markSaved.
	default:
		if t.Dirty {
			t.SaveState = StateDirty
		} else {
			t.SaveState = StateClean
		}
	}
	return t, true
}

func applyBeginSave(t EditorTab) (EditorTab, bool, error) {
	if t.InConflict() {
		return t, false, ErrTabInConflict
	}
	if t.SaveState == StateSaving {
		return t, false, nil
	}
	t.SaveState = StateSaving
	return t, true, nil
}

// applySaved records a successful write of written under token. Edits made
// while the write was in flight keep the tab dirty.
func applySaved(t EditorTab, written string, token version.Token) (EditorTab, bool) {
	if t.InConflict() {
		return t, false
	}
	t.Token = token
	t.persisted = written
	t.Dirty = t.Content != written
	if t.Dirty {
		t.SaveState = StateDirty
	} else {
		t.SaveState = StateSaved
	}
	return t, true
}

func applySaveFailed(t EditorTab) (EditorTab, bool) {
	if t.InConflict() {
		return t, false
	}
	next := StateClean
	if t.Dirty {
		next = StateDirty
	}
	if next == t.SaveState {
		return t, false
	}
	t.SaveState = next
	return t, true
}

func applyConflict(t EditorTab, info ConflictInfo) (EditorTab, bool) {
	t.SaveState = StateConflict
	t.Conflict = &info
	return t, true
}

func applySettle(t EditorTab) (EditorTab, bool) {
	if t.SaveState != StateSaved {
		return t, false
	}
	t.SaveState = StateClean
	return t, true
}

// applyAdopt replaces local content with the server's copy and clears any
// conflict.
func applyAdopt(t EditorTab, content string, enc fileservice.Encoding, token version.Token) (EditorTab, bool) {
	if !t.InConflict() && !t.Dirty && t.Content == content && t.Token.Equal(token) {
		return t, false
	}
	t.Content = content
	t.Encoding = enc
	t.Token = token
	t.persisted = content
	t.Dirty = false
	t.Conflict = nil
	t.SaveState = StateClean
	return t, true
}

// applyKeepMine records an unconditional write of written that resolved a
// conflict.
func applyKeepMine(t EditorTab, written string, token version.Token) (EditorTab, bool) {
	t.Conflict = nil
	t.SaveState = StateSaving
	return applySaved(t, written, token)
}

func applyGitConflict(t EditorTab, gc *GitConflict) (EditorTab, bool) {
	if gc == nil && t.GitConflict == nil {
		return t, false
	}
	if gc != nil && t.GitConflict != nil && *gc == *t.GitConflict {
		return t, false
	}
	if gc != nil {
		copied := *gc
		gc = &copied
	}
	t.GitConflict = gc
	return t, true
}

func applyCursor(t EditorTab, c Cursor) (EditorTab, bool) {
	if t.Cursor == c {
		return t, false
	}
	t.Cursor = c
	return t, true
}

func applyLanguage(t EditorTab, lang string) (EditorTab, bool) {
	if t.Language == lang {
		return t, false
	}
	t.Language = lang
	return t, true
}
