// Package tabs holds the open editor tabs and the save-state machine that
// drives them.
//
// A tab moves through SaveState values:
//
//	clean -> dirty -> saving -> saved -> clean
//	dirty | saving -> conflict -> clean | saved   (explicit resolution only)
//
// The Store owns every tab. Each mutation builds a new EditorTab from the old
// one and swaps it in whole, so readers only ever see complete values.
package tabs

import (
	"errors"
	"path"
	"strings"

	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/version"
)

// SaveState is the tab's position in the save lifecycle.
type SaveState string

const (
	StateClean    SaveState = "clean"
	StateDirty    SaveState = "dirty"
	StateSaving   SaveState = "saving"
	StateSaved    SaveState = "saved"
	StateConflict SaveState = "conflict"
)

var (
	// ErrTabNotFound is wrapped by errors for paths with no open tab.
	ErrTabNotFound = errors.New("tab not found")

	// ErrTabInConflict is wrapped by errors for operations blocked by an
	// unresolved version conflict.
	ErrTabInConflict = errors.New("tab in conflict")
)

// Cursor is the caret position, zero-based.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ConflictInfo describes why a tab is in StateConflict.
type ConflictInfo struct {
	Reason         fileservice.ConflictReason `json:"reason"`
	Message        string                     `json:"message,omitempty"`
	ServerContent  string                     `json:"server_content,omitempty"`
	ServerEncoding fileservice.Encoding       `json:"server_encoding,omitempty"`
	ServerToken    version.Token              `json:"server_etag"`
}

// GitConflict is set when the tab's content carries merge markers.
type GitConflict struct {
	CurrentContent  string `json:"current_content"`
	IncomingContent string `json:"incoming_content"`
	Regions         int    `json:"regions"`
}

// EditorTab is one open file.
type EditorTab struct {
	File        fileservice.FileInfo `json:"file"`
	Content     string               `json:"content"`
	Encoding    fileservice.Encoding `json:"encoding"`
	Token       version.Token        `json:"etag"`
	Dirty       bool                 `json:"dirty"`
	SaveState   SaveState            `json:"save_state"`
	Conflict    *ConflictInfo        `json:"conflict,omitempty"`
	GitConflict *GitConflict         `json:"git_conflict,omitempty"`
	Cursor      Cursor               `json:"cursor"`
	Language    string               `json:"language,omitempty"`

	// persisted is the content last read from or written to the service.
	persisted string
}

// Path returns the tab's identity.
func (t EditorTab) Path() string {
	return t.File.Path
}

// InConflict reports whether the tab is waiting for a resolution.
func (t EditorTab) InConflict() bool {
	return t.SaveState == StateConflict
}

func (t EditorTab) clone() EditorTab {
	c := t
	if t.Conflict != nil {
		info := *t.Conflict
		c.Conflict = &info
	}
	if t.GitConflict != nil {
		gc := *t.GitConflict
		c.GitConflict = &gc
	}
	return c
}

// FromRead builds a clean tab from a read result.
func FromRead(res *fileservice.ReadResult) EditorTab {
	return EditorTab{
		File:      res.File,
		Content:   res.Content,
		Encoding:  res.Encoding,
		Token:     res.Token,
		SaveState: StateClean,
		Language:  languageFor(res.File.Extension),
		persisted: res.Content,
	}
}

// movedPath maps p under a rename of oldPrefix to newPrefix. ok is false when
// p is neither oldPrefix nor inside it.
func movedPath(p, oldPrefix, newPrefix string) (string, bool) {
	if p == oldPrefix {
		return newPrefix, true
	}
	if strings.HasPrefix(p, oldPrefix+"/") {
		return newPrefix + p[len(oldPrefix):], true
	}
	return "", false
}

func within(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func withPath(info fileservice.FileInfo, p string) fileservice.FileInfo {
	info.Path = p
	info.Name = path.Base(p)
	info.Extension = strings.TrimPrefix(path.Ext(p), ".")
	return info
}

var languages = map[string]string{
	"go":   "go",
	"js":   "javascript",
	"jsx":  "javascript",
	"ts":   "typescript",
	"tsx":  "typescript",
	"py":   "python",
	"rb":   "ruby",
	"rs":   "rust",
	"java": "java",
	"json": "json",
	"yaml": "yaml",
	"yml":  "yaml",
	"toml": "toml",
	"md":   "markdown",
	"html": "html",
	"css":  "css",
	"sh":   "shell",
	"sql":  "sql",
}

func languageFor(ext string) string {
	if lang, ok := languages[strings.ToLower(ext)]; ok {
		return lang
	}
	return "plaintext"
}
