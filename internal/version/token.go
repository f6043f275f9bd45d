// Package version models the optimistic-concurrency token a file carries.
//
// A Token is either Unsynced (the editor never saw a server copy, so a write
// with it is unconditional) or Known (an etag matching one exact stored state).
package version

import (
	"crypto/sha256"
	"encoding/hex"
)

// Token is a file version token. The zero value is Unsynced.
type Token struct {
	etag string
}

// Unsynced returns the token of a file that was never synchronized.
func Unsynced() Token {
	return Token{}
}

// Known returns a token for the given etag. An empty etag yields Unsynced.
func Known(etag string) Token {
	return Token{etag: etag}
}

// ForContent returns the content-derived token for stored bytes.
func ForContent(data []byte) Token {
	h := sha256.Sum256(data)
	return Token{etag: "sha256:" + hex.EncodeToString(h[:])}
}

// IsKnown reports whether t carries an etag.
func (t Token) IsKnown() bool {
	return t.etag != ""
}

// Value returns the etag and whether the token is known.
func (t Token) Value() (string, bool) {
	return t.etag, t.etag != ""
}

// Equal reports whether both tokens describe the same stored state.
// Two Unsynced tokens are equal.
func (t Token) Equal(other Token) bool {
	return t.etag == other.etag
}

func (t Token) String() string {
	if t.etag == "" {
		return "unsynced"
	}
	return t.etag
}

// MarshalText encodes the etag; Unsynced encodes as an empty string.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.etag), nil
}

// UnmarshalText decodes an etag; an empty string decodes as Unsynced.
func (t *Token) UnmarshalText(data []byte) error {
	t.etag = string(data)
	return nil
}
