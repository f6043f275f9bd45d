// Package fileservice defines the remote file service the editor saves through
// and provides a local filesystem implementation, an HTTP handler exposing it,
// and an HTTP client consuming it.
//
// Writes are conditioned on a version.Token. A Known token that no longer
// matches the stored file yields a *ConflictError instead of overwriting it;
// an Unsynced token forces an unconditional write.
package fileservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/version"
)

// Encoding describes how FileContent strings carry file bytes.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingBase64 Encoding = "base64"
)

// Kind distinguishes files from folders in listings.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// FileInfo is the metadata an editor tab keeps about its file.
type FileInfo struct {
	Path           string    `json:"path"`
	Name           string    `json:"name"`
	Kind           Kind      `json:"type"`
	Size           int64     `json:"size"`
	Extension      string    `json:"extension,omitempty"`
	ModifiedAt     time.Time `json:"modified_at"`
	ReadOnly       bool      `json:"read_only,omitempty"`
	ReadOnlyReason string    `json:"read_only_reason,omitempty"`
}

// ReadResult is the outcome of a successful Read.
type ReadResult struct {
	Content  string        `json:"content"`
	Encoding Encoding      `json:"encoding"`
	Token    version.Token `json:"etag"`
	File     FileInfo      `json:"file"`
}

// WriteResult is the outcome of a successful Write.
type WriteResult struct {
	Token version.Token `json:"etag"`
}

// Service is the remote file service consumed by the save pipeline and the
// surrounding file tree.
type Service interface {
	Read(ctx context.Context, path string) (*ReadResult, error)
	Write(ctx context.Context, path, content string, enc Encoding, expected version.Token) (*WriteResult, error)
	List(ctx context.Context, path string) ([]FileInfo, error)
	CreateFolder(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// ConflictReason classifies a version-token conflict.
type ConflictReason string

const (
	// ReasonContentChanged means the path exists but its token moved on.
	ReasonContentChanged ConflictReason = "content_changed"

	// ReasonPathNotFound means the path vanished under a conditional write.
	ReasonPathNotFound ConflictReason = "path_not_found"
)

// ConflictError is returned by Write when the expected token is stale or the
// path no longer exists. It is an expected outcome, not a transport failure.
type ConflictError struct {
	Path    string
	Reason  ConflictReason
	Message string

	// CurrentContent and CurrentToken describe the stored file when the
	// reason is ReasonContentChanged.
	CurrentContent  string
	CurrentEncoding Encoding
	CurrentToken    version.Token
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

// Code returns the stable error code for the conflict reason.
func (e *ConflictError) Code() string {
	if e.Reason == ReasonPathNotFound {
		return apperrors.CodeConflictPathNotFound
	}
	return apperrors.CodeConflictContentChanged
}

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// IsNotFound reports whether err is a plain not-found error (never a conflict).
func IsNotFound(err error) bool {
	return apperrors.IsCode(err, apperrors.CodeFileNotFound)
}
