package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pseudocoder/filesync/internal/editor"
	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/savequeue"
	"github.com/pseudocoder/filesync/internal/storage"
	"github.com/pseudocoder/filesync/internal/tabs"
)

const merged = "a\n<<<<<<< HEAD\nfoo\n=======\nbar\n>>>>>>> branch\nb\n"

type testHost struct {
	t     *testing.T
	root  string
	srv   *Server
	http  *httptest.Server
	clock *clock.Mock
}

func newTestHost(t *testing.T, opts Options) *testHost {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# Hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "merge.txt"), []byte(merged), 0o644))

	files := fileservice.NewLocal(root, 1<<20, nil)
	mock := clock.NewMock()
	reg := prometheus.NewRegistry()
	sched := savequeue.New(files, savequeue.Config{
		QuietPeriod: time.Second,
		Clock:       mock,
		Metrics:     savequeue.NewMetrics(reg),
	})
	ed := editor.New(tabs.NewStore(), sched, files, editor.Options{Clock: mock})
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	opts.Files = fileservice.NewHandler(files, nil)
	opts.Gatherer = reg
	srv := NewServer("127.0.0.1:0", ed, opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		hs.Close()
	})

	return &testHost{t: t, root: root, srv: srv, http: hs, clock: mock}
}

type wireMessage struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type wireTab struct {
	Tab struct {
		File struct {
			Path string `json:"path"`
		} `json:"file"`
		Content   string `json:"content"`
		Dirty     bool   `json:"dirty"`
		SaveState string `json:"save_state"`
		Conflict  *struct {
			Reason        string `json:"reason"`
			ServerContent string `json:"server_content"`
		} `json:"conflict"`
	} `json:"tab"`
	OldPath string `json:"old_path"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *testHost) dial() *wsClient {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })
	return &wsClient{t: h.t, conn: conn}
}

func (c *wsClient) send(typ MessageType, id string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(Message{Type: typ, ID: id, Payload: payload}))
}

// next reads messages until one matches typ and accept.
func (c *wsClient) next(typ MessageType, accept func(wireMessage) bool) wireMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg wireMessage
		require.NoError(c.t, c.conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ && (accept == nil || accept(msg)) {
			return msg
		}
	}
}

// tabWhere waits for a tab message of typ whose state satisfies accept.
func (c *wsClient) tabWhere(typ MessageType, accept func(wireTab) bool) wireTab {
	c.t.Helper()
	var out wireTab
	c.next(typ, func(msg wireMessage) bool {
		var tab wireTab
		require.NoError(c.t, json.Unmarshal(msg.Payload, &tab))
		if accept != nil && !accept(tab) {
			return false
		}
		out = tab
		return true
	})
	return out
}

func (c *wsClient) errorFor(id string) ErrorPayload {
	c.t.Helper()
	msg := c.next(MessageTypeError, func(m wireMessage) bool { return m.ID == id })
	var p ErrorPayload
	require.NoError(c.t, json.Unmarshal(msg.Payload, &p))
	return p
}

func (h *testHost) disk(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.root, rel))
	require.NoError(h.t, err)
	return string(data)
}

func TestServer_SnapshotOnConnect(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	msg := c.next(MessageTypeSessionSnapshot, nil)
	var snap SessionSnapshotPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	assert.NotEmpty(t, snap.ClientID)
	assert.Empty(t, snap.Tabs)

	require.Eventually(t, func() bool { return h.srv.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_OpenBroadcastsToEveryClient(t *testing.T) {
	h := newTestHost(t, Options{})
	a := h.dial()
	b := h.dial()
	a.next(MessageTypeSessionSnapshot, nil)
	b.next(MessageTypeSessionSnapshot, nil)

	a.send(MessageTypeFileOpen, "1", PathPayload{Path: "README.md"})

	for _, c := range []*wsClient{a, b} {
		tab := c.tabWhere(MessageTypeTabOpened, nil)
		assert.Equal(t, "README.md", tab.Tab.File.Path)
		assert.Equal(t, "# Hello\n", tab.Tab.Content)
		assert.Equal(t, "clean", tab.Tab.SaveState)
	}

	// A late client sees the tab in its snapshot.
	late := h.dial()
	msg := late.next(MessageTypeSessionSnapshot, nil)
	var snap SessionSnapshotPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	require.Len(t, snap.Tabs, 1)
	assert.Equal(t, "README.md", snap.Active)
}

func TestServer_EditAndExplicitSave(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	c.send(MessageTypeFileOpen, "1", PathPayload{Path: "README.md"})
	c.tabWhere(MessageTypeTabOpened, nil)

	c.send(MessageTypeFileEdit, "2", FileEditPayload{Path: "README.md", Content: "# Changed\n"})
	dirty := c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.Dirty })
	assert.Equal(t, "dirty", dirty.Tab.SaveState)

	c.send(MessageTypeFileSave, "3", PathPayload{Path: "README.md"})
	saved := c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.SaveState == "saved" })
	assert.False(t, saved.Tab.Dirty)
	assert.Equal(t, "# Changed\n", h.disk("README.md"))
}

func TestServer_CommandPathsAreCanonical(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	c.send(MessageTypeFileOpen, "1", PathPayload{Path: "/README.md"})
	opened := c.tabWhere(MessageTypeTabOpened, nil)
	assert.Equal(t, "README.md", opened.Tab.File.Path)

	c.send(MessageTypeFileEdit, "2", FileEditPayload{Path: "/README.md", Content: "# Slash\n"})
	dirty := c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.Dirty })
	assert.Equal(t, "README.md", dirty.Tab.File.Path)

	c.send(MessageTypeTabCursor, "3", TabCursorPayload{Path: "./README.md", Line: 1, Column: 4})
	c.send(MessageTypeFileSave, "4", PathPayload{Path: "/./README.md"})
	c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.SaveState == "saved" })
	assert.Equal(t, "# Slash\n", h.disk("README.md"))

	cursor, ok := h.srv.editor.Store().Get("README.md")
	require.True(t, ok)
	assert.Equal(t, tabs.Cursor{Line: 1, Column: 4}, cursor.Cursor)
}

func TestServer_FocusRaisesConflictAndResolve(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	c.send(MessageTypeFileOpen, "1", PathPayload{Path: "README.md"})
	c.tabWhere(MessageTypeTabOpened, nil)

	c.send(MessageTypeFileEdit, "2", FileEditPayload{Path: "README.md", Content: "mine\n"})
	c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.Dirty })

	require.NoError(t, os.WriteFile(filepath.Join(h.root, "README.md"), []byte("theirs\n"), 0o644))
	c.send(MessageTypeEditorFocus, "3", struct{}{})

	conflict := c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.SaveState == "conflict" })
	require.NotNil(t, conflict.Tab.Conflict)
	assert.Equal(t, "content_changed", conflict.Tab.Conflict.Reason)
	assert.Equal(t, "theirs\n", conflict.Tab.Conflict.ServerContent)

	// A resolution that does not fit the conflict is refused.
	c.send(MessageTypeConflictResolve, "4", ConflictResolvePayload{Path: "README.md", Action: "recreate"})
	assert.Equal(t, apperrors.CodeTabInvalidResolution, c.errorFor("4").Code)

	c.send(MessageTypeConflictResolve, "5", ConflictResolvePayload{Path: "README.md", Action: "keep_mine"})
	kept := c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.SaveState == "saved" })
	assert.Equal(t, "mine\n", kept.Tab.Content)
	assert.Equal(t, "mine\n", h.disk("README.md"))
}

func TestServer_MergeDetectAndResolve(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	c.send(MessageTypeFileOpen, "1", PathPayload{Path: "merge.txt"})
	c.tabWhere(MessageTypeTabOpened, nil)

	c.send(MessageTypeMergeDetect, "2", PathPayload{Path: "merge.txt"})
	msg := c.next(MessageTypeMergeRegions, func(m wireMessage) bool { return m.ID == "2" })
	var regions MergeRegionsPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &regions))
	require.Len(t, regions.Regions, 1)
	assert.Equal(t, 2, regions.Regions[0].StartLine)
	assert.Equal(t, "HEAD", regions.Regions[0].CurrentLabel)

	c.send(MessageTypeMergeResolve, "3", MergeResolvePayload{Path: "merge.txt", Choice: "sideways"})
	assert.Equal(t, apperrors.CodeTabInvalidResolution, c.errorFor("3").Code)

	c.send(MessageTypeMergeResolve, "4", MergeResolvePayload{Path: "merge.txt", Choice: "current"})
	tab := c.tabWhere(MessageTypeTabUpdated, func(t wireTab) bool { return t.Tab.Dirty })
	assert.Equal(t, "a\nfoo\nb\n", tab.Tab.Content)
}

func TestServer_RenameAndDelete(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	c.send(MessageTypeFileOpen, "1", PathPayload{Path: "README.md"})
	c.tabWhere(MessageTypeTabOpened, nil)

	c.send(MessageTypeFileRename, "2", FileRenamePayload{From: "README.md", To: "docs.md"})
	renamed := c.tabWhere(MessageTypeTabRenamed, nil)
	assert.Equal(t, "README.md", renamed.OldPath)
	assert.Equal(t, "docs.md", renamed.Tab.File.Path)

	c.send(MessageTypeFileDelete, "3", PathPayload{Path: "docs.md"})
	msg := c.next(MessageTypeTabClosed, nil)
	var closed TabClosedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &closed))
	assert.Equal(t, "docs.md", closed.Path)

	_, err := os.Stat(filepath.Join(h.root, "docs.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestServer_CommandErrors(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	tests := []struct {
		name    string
		typ     MessageType
		payload any
		code    string
	}{
		{"unknown type", "file.explode", PathPayload{Path: "x"}, apperrors.CodeServerHandlerMissing},
		{"missing path", MessageTypeFileOpen, PathPayload{}, apperrors.CodeServerInvalidMessage},
		{"no payload", MessageTypeFileSave, nil, apperrors.CodeServerInvalidMessage},
		{"file missing", MessageTypeFileOpen, PathPayload{Path: "nope.txt"}, apperrors.CodeFileNotFound},
		{"escaping path", MessageTypeFileOpen, PathPayload{Path: "../etc/passwd"}, apperrors.CodeFileInvalidPath},
		{"edit closed tab", MessageTypeFileEdit, FileEditPayload{Path: "README.md", Content: "x"}, apperrors.CodeTabNotFound},
		{"bad action", MessageTypeConflictResolve, ConflictResolvePayload{Path: "README.md", Action: "shrug"}, apperrors.CodeTabInvalidResolution},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := string(rune('a' + i))
			c.send(tt.typ, id, tt.payload)
			assert.Equal(t, tt.code, c.errorFor(id).Code)
		})
	}

	// Malformed frames are answered without an id.
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, apperrors.CodeServerInvalidMessage, c.errorFor("").Code)
}

func TestServer_Preferences(t *testing.T) {
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "prefs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.SetPreference("theme", "dark"))

	h := newTestHost(t, Options{Preferences: db})
	a := h.dial()

	prefsOf := func(msg wireMessage) map[string]string {
		var prefs map[string]string
		require.NoError(t, json.Unmarshal(msg.Payload, &prefs))
		return prefs
	}

	assert.Equal(t, map[string]string{"theme": "dark"}, prefsOf(a.next(MessageTypePreferences, nil)))

	width := "240"
	a.send(MessageTypePreferenceSet, "1", PreferencePayload{Key: "sidebar_width", Value: &width})
	got := prefsOf(a.next(MessageTypePreferences, nil))
	assert.Equal(t, "240", got["sidebar_width"])
	assert.Equal(t, "dark", got["theme"])

	a.send(MessageTypePreferenceSet, "2", PreferencePayload{Key: "theme"})
	assert.NotContains(t, prefsOf(a.next(MessageTypePreferences, nil)), "theme")

	a.send(MessageTypePreferenceSet, "3", PreferencePayload{Value: &width})
	assert.Equal(t, apperrors.CodeServerInvalidMessage, a.errorFor("3").Code)

	b := h.dial()
	assert.Equal(t, map[string]string{"sidebar_width": "240"}, prefsOf(b.next(MessageTypePreferences, nil)))
}

func TestServer_PreferencesNotConfigured(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()

	value := "dark"
	c.send(MessageTypePreferenceSet, "p", PreferencePayload{Key: "theme", Value: &value})
	assert.Equal(t, apperrors.CodeServerHandlerMissing, c.errorFor("p").Code)
}

func TestServer_RateLimitsCommands(t *testing.T) {
	h := newTestHost(t, Options{CommandRate: 0.001, CommandBurst: 1})
	c := h.dial()

	c.send(MessageTypeFileOpen, "1", PathPayload{Path: "README.md"})
	c.tabWhere(MessageTypeTabOpened, nil)

	c.send(MessageTypeFileOpen, "2", PathPayload{Path: "merge.txt"})
	assert.Equal(t, apperrors.CodeServerRateLimited, c.errorFor("2").Code)
}

func TestServer_HTTPRoutes(t *testing.T) {
	h := newTestHost(t, Options{})

	get := func(path string) (int, string) {
		resp, err := http.Get(h.http.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "filesync_save_queue_depth")

	status, body = get("/api/files/content?path=README.md")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "# Hello")
}

func TestServer_StopClosesClients(t *testing.T) {
	h := newTestHost(t, Options{})
	c := h.dial()
	c.next(MessageTypeSessionSnapshot, nil)

	require.NoError(t, h.srv.Stop(context.Background()))
	require.NoError(t, h.srv.Stop(context.Background()))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Zero(t, h.srv.ClientCount())

	// Broadcasting after Stop is a no-op.
	h.srv.Broadcast(Message{Type: MessageTypeTabClosed})
}
