package tabs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/version"
)

func readResult(p, content string) *fileservice.ReadResult {
	return &fileservice.ReadResult{
		Content:  content,
		Encoding: fileservice.EncodingUTF8,
		Token:    version.ForContent([]byte(content)),
		File:     withPath(fileservice.FileInfo{Kind: fileservice.KindFile}, p),
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func TestStore_OpenIsUniquePerPath(t *testing.T) {
	s := NewStore()

	first, created := s.Open(readResult("src/main.go", "package main\n"))
	assert.True(t, created)
	assert.Equal(t, StateClean, first.SaveState)
	assert.Equal(t, "go", first.Language)
	assert.Equal(t, "main.go", first.File.Name)

	_, err := s.Edit("src/main.go", "package main\n\nfunc main() {}\n")
	require.NoError(t, err)

	again, created := s.Open(readResult("src/main.go", "something else"))
	assert.False(t, created)
	assert.True(t, again.Dirty, "re-opening must not clobber local edits")
	assert.Equal(t, 1, s.Len())
}

func TestStore_EditLifecycle(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "one"))

	tab, err := s.Edit("a.txt", "two")
	require.NoError(t, err)
	assert.True(t, tab.Dirty)
	assert.Equal(t, StateDirty, tab.SaveState)

	tab, err = s.BeginSave("a.txt")
	require.NoError(t, err)
	assert.Equal(t, StateSaving, tab.SaveState)

	token := version.ForContent([]byte("two"))
	tab, err = s.MarkSaved("a.txt", "two", token)
	require.NoError(t, err)
	assert.False(t, tab.Dirty)
	assert.Equal(t, StateSaved, tab.SaveState)
	assert.Equal(t, token, tab.Token)

	tab, err = s.Settle("a.txt")
	require.NoError(t, err)
	assert.Equal(t, StateClean, tab.SaveState)
}

func TestStore_EditBackToPersistedIsClean(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "one"))

	_, err := s.Edit("a.txt", "two")
	require.NoError(t, err)
	tab, err := s.Edit("a.txt", "one")
	require.NoError(t, err)
	assert.False(t, tab.Dirty)
	assert.Equal(t, StateClean, tab.SaveState)
}

func TestStore_EditDuringSave(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "one"))
	_, _ = s.Edit("a.txt", "two")
	_, _ = s.BeginSave("a.txt")

	tab, err := s.Edit("a.txt", "three")
	require.NoError(t, err)
	assert.Equal(t, StateSaving, tab.SaveState)

	tab, err = s.MarkSaved("a.txt", "two", version.ForContent([]byte("two")))
	require.NoError(t, err)
	assert.True(t, tab.Dirty)
	assert.Equal(t, StateDirty, tab.SaveState)
	assert.Equal(t, "three", tab.Content)
}

func TestStore_SaveFailedStaysDirty(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "one"))
	_, _ = s.Edit("a.txt", "two")
	_, _ = s.BeginSave("a.txt")

	tab, err := s.MarkSaveFailed("a.txt")
	require.NoError(t, err)
	assert.True(t, tab.Dirty)
	assert.Equal(t, StateDirty, tab.SaveState)
	assert.Equal(t, version.ForContent([]byte("one")), tab.Token)
}

func TestStore_ConflictNeverSelfExits(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "one"))
	_, _ = s.Edit("a.txt", "mine")
	_, _ = s.BeginSave("a.txt")

	info := ConflictInfo{
		Reason:        fileservice.ReasonContentChanged,
		ServerContent: "theirs",
		ServerToken:   version.ForContent([]byte("theirs")),
	}
	tab, err := s.MarkConflict("a.txt", info)
	require.NoError(t, err)
	assert.True(t, tab.InConflict())
	require.NotNil(t, tab.Conflict)

	// None of the save signals move a conflicting tab.
	tab, _ = s.MarkSaved("a.txt", "mine", version.ForContent([]byte("mine")))
	assert.Equal(t, StateConflict, tab.SaveState)
	tab, _ = s.MarkSaveFailed("a.txt")
	assert.Equal(t, StateConflict, tab.SaveState)
	tab, _ = s.Settle("a.txt")
	assert.Equal(t, StateConflict, tab.SaveState)
	tab, _ = s.Edit("a.txt", "mine again")
	assert.Equal(t, StateConflict, tab.SaveState)

	_, err = s.BeginSave("a.txt")
	assert.ErrorIs(t, err, ErrTabInConflict)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeTabInConflict))
}

func TestStore_AdoptServerClearsConflict(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "one"))
	_, _ = s.Edit("a.txt", "mine")
	_, _ = s.MarkConflict("a.txt", ConflictInfo{Reason: fileservice.ReasonContentChanged})

	serverToken := version.ForContent([]byte("theirs"))
	tab, err := s.AdoptServer("a.txt", "theirs", fileservice.EncodingUTF8, serverToken)
	require.NoError(t, err)
	assert.False(t, tab.Dirty)
	assert.Nil(t, tab.Conflict)
	assert.Equal(t, StateClean, tab.SaveState)
	assert.Equal(t, "theirs", tab.Content)
	assert.Equal(t, serverToken, tab.Token)

	// The adopted content is the new baseline.
	tab, _ = s.Edit("a.txt", "theirs")
	assert.False(t, tab.Dirty)
}

func TestStore_ResolveKeepMine(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "one"))
	_, _ = s.Edit("a.txt", "mine")
	_, _ = s.MarkConflict("a.txt", ConflictInfo{Reason: fileservice.ReasonContentChanged})

	fresh := version.ForContent([]byte("mine"))
	tab, err := s.ResolveKeepMine("a.txt", "mine", fresh)
	require.NoError(t, err)
	assert.False(t, tab.Dirty)
	assert.Nil(t, tab.Conflict)
	assert.Equal(t, StateSaved, tab.SaveState)
	assert.Equal(t, fresh, tab.Token)
}

func TestStore_NotFound(t *testing.T) {
	s := NewStore()

	_, err := s.Edit("missing.txt", "x")
	assert.ErrorIs(t, err, ErrTabNotFound)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeTabNotFound))

	_, err = s.Close("missing.txt")
	assert.ErrorIs(t, err, ErrTabNotFound)

	_, err = s.SetActive("missing.txt")
	assert.ErrorIs(t, err, ErrTabNotFound)
}

func TestStore_CloseActivatesNeighbour(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "a"))
	s.Open(readResult("b.txt", "b"))
	s.Open(readResult("c.txt", "c"))

	_, err := s.SetActive("b.txt")
	require.NoError(t, err)

	_, err = s.Close("b.txt")
	require.NoError(t, err)
	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "c.txt", active.Path())

	_, _ = s.Close("c.txt")
	active, _ = s.Active()
	assert.Equal(t, "a.txt", active.Path())

	_, _ = s.Close("a.txt")
	_, ok = s.Active()
	assert.False(t, ok)
}

func TestStore_RenamePath(t *testing.T) {
	s := NewStore()
	s.Open(readResult("src/a.go", "a"))
	s.Open(readResult("src/sub/b.go", "b"))
	s.Open(readResult("srcfile.go", "c"))

	renamed := s.RenamePath("src", "lib")
	require.Len(t, renamed, 2)

	paths := make([]string, 0, s.Len())
	for _, tab := range s.Tabs() {
		paths = append(paths, tab.Path())
	}
	assert.Equal(t, []string{"lib/a.go", "lib/sub/b.go", "srcfile.go"}, paths)

	tab, ok := s.Get("lib/sub/b.go")
	require.True(t, ok)
	assert.Equal(t, "b.go", tab.File.Name)

	active, _ := s.Active()
	assert.Equal(t, "srcfile.go", active.Path())

	renamed = s.RenamePath("srcfile.go", "main.rs")
	require.Len(t, renamed, 1)
	assert.Equal(t, "rs", renamed[0].File.Extension)
	active, _ = s.Active()
	assert.Equal(t, "main.rs", active.Path())
}

func TestStore_RenameOntoOpenTab(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "a"))
	s.Open(readResult("b.txt", "b"))

	s.RenamePath("a.txt", "b.txt")
	require.Equal(t, 1, s.Len())
	tab, ok := s.Get("b.txt")
	require.True(t, ok)
	assert.Equal(t, "a", tab.Content)
}

func TestStore_RemovePath(t *testing.T) {
	s := NewStore()
	s.Open(readResult("docs/a.md", "a"))
	s.Open(readResult("docs/deep/b.md", "b"))
	s.Open(readResult("docs.md", "c"))

	closed := s.RemovePath("docs")
	assert.ElementsMatch(t, []string{"docs/a.md", "docs/deep/b.md"}, closed)
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("docs.md")
	assert.True(t, ok)
}

func TestStore_Events(t *testing.T) {
	s := NewStore()
	log := &eventLog{}
	unsubscribe := s.Subscribe(log.record)

	s.Open(readResult("a.txt", "a"))
	_, _ = s.Edit("a.txt", "b")
	_, _ = s.Edit("a.txt", "b") // unchanged: no event
	s.RenamePath("a.txt", "c.txt")
	_, _ = s.Close("c.txt")
	s.Clear()

	assert.Equal(t, []EventKind{
		EventOpened,
		EventActivated,
		EventUpdated,
		EventRenamed,
		EventClosed,
		EventCleared,
	}, log.kinds())

	unsubscribe()
	s.Open(readResult("d.txt", "d"))
	assert.Len(t, log.kinds(), 6)
}

func TestStore_SubscriberMayCallBack(t *testing.T) {
	s := NewStore()
	var seen []SaveState
	s.Subscribe(func(ev Event) {
		if ev.Kind != EventUpdated {
			return
		}
		seen = append(seen, ev.Tab.SaveState)
		if ev.Tab.SaveState == StateSaved {
			_, _ = s.Settle(ev.Path)
		}
	})

	s.Open(readResult("a.txt", "a"))
	_, _ = s.Edit("a.txt", "b")
	_, _ = s.MarkSaved("a.txt", "b", version.ForContent([]byte("b")))

	tab, _ := s.Get("a.txt")
	assert.Equal(t, StateClean, tab.SaveState)
	assert.Equal(t, []SaveState{StateDirty, StateSaved, StateClean}, seen)
}

func TestStore_ReadersGetValues(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "a"))
	_, _ = s.MarkConflict("a.txt", ConflictInfo{Reason: fileservice.ReasonPathNotFound})

	tab, _ := s.Get("a.txt")
	tab.Conflict.Reason = fileservice.ReasonContentChanged
	tab.Content = "mutated"

	again, _ := s.Get("a.txt")
	assert.Equal(t, fileservice.ReasonPathNotFound, again.Conflict.Reason)
	assert.Equal(t, "a", again.Content)
}

func TestStore_SetGitConflict(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "a"))

	gc := &GitConflict{CurrentContent: "x", IncomingContent: "y", Regions: 1}
	tab, err := s.SetGitConflict("a.txt", gc)
	require.NoError(t, err)
	require.NotNil(t, tab.GitConflict)
	assert.Equal(t, 1, tab.GitConflict.Regions)

	tab, err = s.SetGitConflict("a.txt", nil)
	require.NoError(t, err)
	assert.Nil(t, tab.GitConflict)
}

func TestStore_Snapshot(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "a"))
	s.Open(readResult("b.txt", "b"))
	_, _ = s.SetCursor("a.txt", Cursor{Line: 3, Column: 1})
	_, _ = s.SetLanguage("b.txt", "markdown")

	snap := s.Snapshot()
	require.Len(t, snap.Tabs, 2)
	assert.Equal(t, "b.txt", snap.Active)
	assert.Equal(t, Cursor{Line: 3, Column: 1}, snap.Tabs[0].Cursor)
	assert.Equal(t, "markdown", snap.Tabs[1].Language)
}

func TestStore_ConcurrentMutation(t *testing.T) {
	s := NewStore()
	s.Open(readResult("a.txt", "a"))
	s.Open(readResult("b.txt", "b"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Edit("a.txt", "x")
			_, _ = s.Edit("a.txt", "a")
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
			_, _ = s.SetActive("b.txt")
		}()
	}
	wg.Wait()

	tab, _ := s.Get("a.txt")
	assert.Contains(t, []string{"a", "x"}, tab.Content)
}
