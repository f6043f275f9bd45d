package tabs

import (
	"sync"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/version"
)

// EventKind names a store change.
type EventKind string

const (
	EventOpened    EventKind = "opened"
	EventUpdated   EventKind = "updated"
	EventClosed    EventKind = "closed"
	EventRenamed   EventKind = "renamed"
	EventActivated EventKind = "activated"
	EventCleared   EventKind = "cleared"
)

// Event is delivered to subscribers after every change. Tab is the new value
// for opened, updated, renamed and activated; Path alone is set for closed.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
	Tab     EditorTab
}

// Snapshot is a consistent view of the whole session.
type Snapshot struct {
	Tabs   []EditorTab `json:"tabs"`
	Active string      `json:"active,omitempty"`
}

type subscriber struct {
	id int
	fn func(Event)
}

// Store is the single owner of open tabs. All methods are safe for
// concurrent use and never block on I/O.
type Store struct {
	mu     sync.Mutex
	tabs   map[string]*EditorTab
	order  []string
	active string

	subs       []subscriber
	nextSub    int
	queue      []Event
	delivering bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tabs: make(map[string]*EditorTab)}
}

// Subscribe registers fn for every subsequent event. Events are delivered
// outside the store lock, in mutation order, one at a time. The returned
// function unsubscribes.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Open adds a clean tab for res and makes it active. If the path is already
// open the existing tab is activated and returned with created false.
func (s *Store) Open(res *fileservice.ReadResult) (tab EditorTab, created bool) {
	s.mu.Lock()
	p := res.File.Path
	if cur, ok := s.tabs[p]; ok {
		s.activateLocked(p)
		tab = cur.clone()
		s.mu.Unlock()
		s.deliver()
		return tab, false
	}

	t := FromRead(res)
	s.tabs[p] = &t
	s.order = append(s.order, p)
	s.publishLocked(Event{Kind: EventOpened, Path: p, Tab: t})
	s.activateLocked(p)
	s.mu.Unlock()
	s.deliver()
	return t, true
}

// Get returns the tab for path.
func (s *Store) Get(path string) (EditorTab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[path]
	if !ok {
		return EditorTab{}, false
	}
	return t.clone(), true
}

// Tabs returns every open tab in open order.
func (s *Store) Tabs() []EditorTab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabsLocked()
}

// Len returns the number of open tabs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Active returns the active tab, if any.
func (s *Store) Active() (EditorTab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return EditorTab{}, false
	}
	return s.tabs[s.active].clone(), true
}

// SetActive makes path the active tab.
func (s *Store) SetActive(path string) (EditorTab, error) {
	s.mu.Lock()
	t, ok := s.tabs[path]
	if !ok {
		s.mu.Unlock()
		return EditorTab{}, notFound(path)
	}
	s.activateLocked(path)
	tab := t.clone()
	s.mu.Unlock()
	s.deliver()
	return tab, nil
}

// Snapshot returns every tab and the active path under one lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Tabs: s.tabsLocked(), Active: s.active}
}

// Edit replaces the tab's content. Returning to the persisted content makes
// the tab clean again. A tab in conflict keeps its conflict.
func (s *Store) Edit(path, content string) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applyEdit(t, content)
		return next, changed, nil
	})
}

// SetCursor records the caret position.
func (s *Store) SetCursor(path string, c Cursor) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applyCursor(t, c)
		return next, changed, nil
	})
}

// SetLanguage records the selected syntax mode.
func (s *Store) SetLanguage(path, lang string) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applyLanguage(t, lang)
		return next, changed, nil
	})
}

// BeginSave moves the tab to saving. It fails for a tab in conflict.
func (s *Store) BeginSave(path string) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed, err := applyBeginSave(t)
		if err != nil {
			return t, false, inConflict(path)
		}
		return next, changed, nil
	})
}

// MarkSaved records that written is now stored under token. The tab becomes
// saved, or stays dirty if it was edited during the write. No-op in conflict.
func (s *Store) MarkSaved(path, written string, token version.Token) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applySaved(t, written, token)
		return next, changed, nil
	})
}

// MarkSaveFailed returns a saving tab to dirty (or clean if the edits were
// undone meanwhile). No-op in conflict.
func (s *Store) MarkSaveFailed(path string) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applySaveFailed(t)
		return next, changed, nil
	})
}

// MarkConflict puts the tab into conflict.
func (s *Store) MarkConflict(path string, info ConflictInfo) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applyConflict(t, info)
		return next, changed, nil
	})
}

// Settle moves a saved tab to clean. Other states are left alone.
func (s *Store) Settle(path string) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applySettle(t)
		return next, changed, nil
	})
}

// AdoptServer replaces local content with the server copy, discarding edits
// and any conflict.
func (s *Store) AdoptServer(path, content string, enc fileservice.Encoding, token version.Token) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applyAdopt(t, content, enc, token)
		return next, changed, nil
	})
}

// ResolveKeepMine clears a conflict after written was stored under token.
func (s *Store) ResolveKeepMine(path, written string, token version.Token) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applyKeepMine(t, written, token)
		return next, changed, nil
	})
}

// SetGitConflict sets or clears (gc == nil) the merge-marker payload.
func (s *Store) SetGitConflict(path string, gc *GitConflict) (EditorTab, error) {
	return s.update(path, func(t EditorTab) (EditorTab, bool, error) {
		next, changed := applyGitConflict(t, gc)
		return next, changed, nil
	})
}

// Close removes the tab. If it was active, a neighbouring tab becomes active.
func (s *Store) Close(path string) (EditorTab, error) {
	s.mu.Lock()
	t, ok := s.tabs[path]
	if !ok {
		s.mu.Unlock()
		return EditorTab{}, notFound(path)
	}
	closed := t.clone()
	s.removeLocked(path)
	s.mu.Unlock()
	s.deliver()
	return closed, nil
}

// Clear closes every tab.
func (s *Store) Clear() {
	s.mu.Lock()
	s.tabs = make(map[string]*EditorTab)
	s.order = nil
	s.active = ""
	s.publishLocked(Event{Kind: EventCleared})
	s.mu.Unlock()
	s.deliver()
}

// RenamePath rewrites the path of the tab at oldPath and of every tab under
// it when oldPath is a folder. It returns the renamed tabs.
func (s *Store) RenamePath(oldPath, newPath string) []EditorTab {
	s.mu.Lock()
	type move struct{ from, to string }
	var moves []move
	moving := make(map[string]bool)
	for _, p := range s.order {
		if np, ok := movedPath(p, oldPath, newPath); ok {
			moves = append(moves, move{p, np})
			moving[p] = true
		}
	}

	// A tab already open at a destination is displaced.
	for _, m := range moves {
		if _, taken := s.tabs[m.to]; taken && !moving[m.to] {
			s.removeLocked(m.to)
		}
	}

	renamed := make([]EditorTab, 0, len(moves))
	for _, m := range moves {
		next := s.tabs[m.from].clone()
		next.File = withPath(next.File, m.to)
		delete(s.tabs, m.from)
		s.tabs[m.to] = &next
		for i, p := range s.order {
			if p == m.from {
				s.order[i] = m.to
				break
			}
		}
		if s.active == m.from {
			s.active = m.to
		}
		renamed = append(renamed, next)
		s.publishLocked(Event{Kind: EventRenamed, Path: m.to, OldPath: m.from, Tab: next})
	}
	s.mu.Unlock()
	s.deliver()
	return renamed
}

// RemovePath closes the tab at path and every tab under it. It returns the
// closed paths.
func (s *Store) RemovePath(path string) []string {
	s.mu.Lock()
	var doomed []string
	for _, p := range s.order {
		if within(p, path) {
			doomed = append(doomed, p)
		}
	}
	for _, p := range doomed {
		s.removeLocked(p)
	}
	s.mu.Unlock()
	s.deliver()
	return doomed
}

// update applies fn to a copy of the tab and swaps the result in.
func (s *Store) update(path string, fn func(EditorTab) (EditorTab, bool, error)) (EditorTab, error) {
	s.mu.Lock()
	cur, ok := s.tabs[path]
	if !ok {
		s.mu.Unlock()
		return EditorTab{}, notFound(path)
	}

	next, changed, err := fn(cur.clone())
	if err != nil {
		s.mu.Unlock()
		return cur.clone(), err
	}
	if !changed {
		s.mu.Unlock()
		return cur.clone(), nil
	}

	s.tabs[path] = &next
	s.publishLocked(Event{Kind: EventUpdated, Path: path, Tab: next})
	s.mu.Unlock()
	s.deliver()
	return next, nil
}

func (s *Store) tabsLocked() []EditorTab {
	out := make([]EditorTab, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.tabs[p].clone())
	}
	return out
}

func (s *Store) activateLocked(path string) {
	if s.active == path {
		return
	}
	s.active = path
	s.publishLocked(Event{Kind: EventActivated, Path: path, Tab: s.tabs[path].clone()})
}

func (s *Store) removeLocked(path string) {
	idx := -1
	for i, p := range s.order {
		if p == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	delete(s.tabs, path)
	s.order = append(s.order[:idx], s.order[idx+1:]...)
	s.publishLocked(Event{Kind: EventClosed, Path: path})

	if s.active != path {
		return
	}
	s.active = ""
	if len(s.order) == 0 {
		return
	}
	if idx >= len(s.order) {
		idx = len(s.order) - 1
	}
	s.activateLocked(s.order[idx])
}

func (s *Store) publishLocked(ev Event) {
	s.queue = append(s.queue, ev)
}

// deliver drains queued events to subscribers. Only one goroutine delivers at
// a time; others leave their events for it, which keeps delivery in mutation
// order and lets subscribers call back into the store.
func (s *Store) deliver() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true

	for len(s.queue) > 0 {
		batch := s.queue
		s.queue = nil
		subs := append([]subscriber(nil), s.subs...)
		s.mu.Unlock()

		for _, ev := range batch {
			for _, sub := range subs {
				sub.fn(ev)
			}
		}

		s.mu.Lock()
	}

	s.delivering = false
	s.mu.Unlock()
}

func notFound(path string) error {
	err := apperrors.TabNotFound(path)
	err.Cause = ErrTabNotFound
	return err
}

func inConflict(path string) error {
	err := apperrors.TabInConflict(path)
	err.Cause = ErrTabInConflict
	return err
}
