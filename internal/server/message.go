// Package server carries editor commands and tab events between the host and
// editor clients over WebSocket, and serves the file API over HTTP.
package server

import (
	"encoding/json"

	"github.com/pseudocoder/filesync/internal/mergeconflict"
	"github.com/pseudocoder/filesync/internal/tabs"
)

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

// Client to host.
const (
	// MessageTypeFileOpen opens a tab, or activates it if already open.
	// Payload: PathPayload
	MessageTypeFileOpen MessageType = "file.open"

	// MessageTypeFileEdit replaces a tab's content.
	// Payload: FileEditPayload
	MessageTypeFileEdit MessageType = "file.edit"

	// MessageTypeFileSave dispatches a tab's pending save immediately.
	// Payload: PathPayload
	MessageTypeFileSave MessageType = "file.save"

	// MessageTypeFileClose closes a tab.
	// Payload: PathPayload
	MessageTypeFileClose MessageType = "file.close"

	// MessageTypeFileRename moves a file or folder.
	// Payload: FileRenamePayload
	MessageTypeFileRename MessageType = "file.rename"

	// MessageTypeFileDelete deletes a file or folder and closes its tabs.
	// Payload: PathPayload
	MessageTypeFileDelete MessageType = "file.delete"

	// MessageTypeTabActivate makes a tab the active one.
	// Payload: PathPayload
	MessageTypeTabActivate MessageType = "tab.activate"

	// MessageTypeTabCursor records a tab's caret position.
	// Payload: TabCursorPayload
	MessageTypeTabCursor MessageType = "tab.cursor"

	// MessageTypeEditorFocus reports that the editor regained focus; every
	// open tab is checked against the server copy.
	// Payload: none
	MessageTypeEditorFocus MessageType = "editor.focus"

	// MessageTypeConflictResolve answers a version conflict.
	// Payload: ConflictResolvePayload
	MessageTypeConflictResolve MessageType = "conflict.resolve"

	// MessageTypeMergeDetect asks for the merge regions of a tab.
	// Payload: PathPayload
	MessageTypeMergeDetect MessageType = "merge.detect"

	// MessageTypeMergeResolve resolves one or all merge regions of a tab.
	// Payload: MergeResolvePayload
	MessageTypeMergeResolve MessageType = "merge.resolve"

	// MessageTypePreferenceSet stores or clears a layout preference.
	// Payload: PreferencePayload
	MessageTypePreferenceSet MessageType = "preference.set"
)

// Host to client.
const (
	// MessageTypeSessionSnapshot carries every open tab. Sent on connect and
	// after the tab set is cleared.
	// Payload: SessionSnapshotPayload
	MessageTypeSessionSnapshot MessageType = "session.snapshot"

	MessageTypeTabOpened    MessageType = "tab.opened"
	MessageTypeTabUpdated   MessageType = "tab.updated"
	MessageTypeTabRenamed   MessageType = "tab.renamed"
	MessageTypeTabActivated MessageType = "tab.activated"

	// MessageTypeTabClosed carries only the path of the closed tab.
	// Payload: TabClosedPayload
	MessageTypeTabClosed MessageType = "tab.closed"

	// MessageTypeMergeRegions answers merge.detect.
	// Payload: MergeRegionsPayload
	MessageTypeMergeRegions MessageType = "merge.regions"

	// MessageTypePreferences carries every layout preference. Sent on
	// connect and after each change.
	// Payload: map of key to value
	MessageTypePreferences MessageType = "preferences"

	// MessageTypeError reports a failed command to the client that sent it.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for every WebSocket frame.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation. Errors echo the
	// ID of the command that caused them.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	Payload interface{} `json:"payload"`
}

// inbound is a client frame with the payload left raw until the type is known.
type inbound struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// PathPayload names a single path.
type PathPayload struct {
	Path string `json:"path"`
}

// FileEditPayload carries a tab's complete new content.
type FileEditPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileRenamePayload moves From to To.
type FileRenamePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TabCursorPayload records a caret position.
type TabCursorPayload struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ConflictResolvePayload answers a version conflict with keep_mine,
// use_server, recreate or close.
type ConflictResolvePayload struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

// MergeResolvePayload resolves merge regions. A nil Region resolves all of them.
type MergeResolvePayload struct {
	Path   string `json:"path"`
	Choice string `json:"choice"`
	Region *int   `json:"region,omitempty"`
}

// PreferencePayload sets Key to Value. A null Value deletes the key.
type PreferencePayload struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// TabPayload carries a tab's full state. OldPath is set for tab.renamed.
type TabPayload struct {
	Tab     tabs.EditorTab `json:"tab"`
	OldPath string         `json:"old_path,omitempty"`
}

// TabClosedPayload names a closed tab.
type TabClosedPayload struct {
	Path string `json:"path"`
}

// SessionSnapshotPayload is every open tab plus the active path.
type SessionSnapshotPayload struct {
	ClientID string           `json:"client_id,omitempty"`
	Tabs     []tabs.EditorTab `json:"tabs"`
	Active   string           `json:"active,omitempty"`
}

// RegionInfo is one merge region with one-based line numbers for display.
type RegionInfo struct {
	Index         int    `json:"index"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	CurrentLabel  string `json:"current_label,omitempty"`
	IncomingLabel string `json:"incoming_label,omitempty"`
	HasAncestor   bool   `json:"has_ancestor"`
	Current       string `json:"current"`
	Incoming      string `json:"incoming"`
}

// MergeRegionsPayload answers merge.detect.
type MergeRegionsPayload struct {
	Path    string       `json:"path"`
	Regions []RegionInfo `json:"regions"`
}

// ErrorPayload carries error information to clients.
type ErrorPayload struct {
	// Code is a stable error code for programmatic handling.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Path is the tab the failed command targeted, when there is one.
	Path string `json:"path,omitempty"`
}

// NewErrorMessage creates an error message answering the command with id.
func NewErrorMessage(id, code, message, path string) Message {
	return Message{
		Type: MessageTypeError,
		ID:   id,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
			Path:    path,
		},
	}
}

// NewSnapshotMessage creates a session.snapshot message.
func NewSnapshotMessage(clientID string, snap tabs.Snapshot) Message {
	list := snap.Tabs
	if list == nil {
		list = []tabs.EditorTab{}
	}
	return Message{
		Type: MessageTypeSessionSnapshot,
		Payload: SessionSnapshotPayload{
			ClientID: clientID,
			Tabs:     list,
			Active:   snap.Active,
		},
	}
}

// NewPreferencesMessage creates a preferences message.
func NewPreferencesMessage(prefs map[string]string) Message {
	if prefs == nil {
		prefs = map[string]string{}
	}
	return Message{Type: MessageTypePreferences, Payload: prefs}
}

// NewMergeRegionsMessage creates a merge.regions reply.
func NewMergeRegionsMessage(id, path string, regions []mergeconflict.Region) Message {
	infos := make([]RegionInfo, 0, len(regions))
	for i, r := range regions {
		infos = append(infos, RegionInfo{
			Index:         i,
			StartLine:     r.Start + 1,
			EndLine:       r.End + 1,
			CurrentLabel:  r.CurrentLabel,
			IncomingLabel: r.IncomingLabel,
			HasAncestor:   r.HasAncestor(),
			Current:       r.Current,
			Incoming:      r.Incoming,
		})
	}
	return Message{
		Type:    MessageTypeMergeRegions,
		ID:      id,
		Payload: MergeRegionsPayload{Path: path, Regions: infos},
	}
}

// messageForEvent maps a tab store event to the host message clients see.
// The second result is false for events with no wire form.
func messageForEvent(ev tabs.Event, snap func() tabs.Snapshot) (Message, bool) {
	switch ev.Kind {
	case tabs.EventOpened:
		return Message{Type: MessageTypeTabOpened, Payload: TabPayload{Tab: ev.Tab}}, true
	case tabs.EventUpdated:
		return Message{Type: MessageTypeTabUpdated, Payload: TabPayload{Tab: ev.Tab}}, true
	case tabs.EventRenamed:
		return Message{Type: MessageTypeTabRenamed, Payload: TabPayload{Tab: ev.Tab, OldPath: ev.OldPath}}, true
	case tabs.EventActivated:
		return Message{Type: MessageTypeTabActivated, Payload: TabPayload{Tab: ev.Tab}}, true
	case tabs.EventClosed:
		return Message{Type: MessageTypeTabClosed, Payload: TabClosedPayload{Path: ev.Path}}, true
	case tabs.EventCleared:
		return NewSnapshotMessage("", snap()), true
	}
	return Message{}, false
}
