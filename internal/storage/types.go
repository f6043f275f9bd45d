package storage

import "time"

// Session is one host run against a root directory.
type Session struct {
	ID         string
	Root       string
	StartedAt  time.Time
	LastSeen   time.Time
	ActivePath string
}

// TabRecord is the persisted shape of an open tab. It deliberately has no
// content, encoding or version token.
type TabRecord struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	Kind         string `json:"type"`
	Language     string `json:"language,omitempty"`
	CursorLine   int    `json:"cursor_line"`
	CursorColumn int    `json:"cursor_column"`
}
