// Package errors provides standardized error codes for the filesync host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (file, conflict, tab, server, storage)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by editor clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// File domain - remote file service errors
	CodeFileNotFound      = "file.not_found"      // Path does not exist
	CodeFileInvalidPath   = "file.invalid_path"   // Absolute, empty or escaping path
	CodeFileIsDirectory   = "file.is_directory"   // File operation on a folder
	CodeFileAlreadyExists = "file.already_exists" // Create or rename target exists
	CodeFileTooLarge      = "file.too_large"      // File exceeds the configured size cap
	CodeFileReadFailed    = "file.read_failed"    // Transport or disk failure on read
	CodeFileWriteFailed   = "file.write_failed"   // Transport or disk failure on write

	// Conflict domain - optimistic concurrency signals
	CodeConflictContentChanged = "conflict.content_changed" // Stored token no longer matches
	CodeConflictPathNotFound   = "conflict.path_not_found"  // Path vanished under a conditional write

	// Tab domain - editor session state
	CodeTabNotFound          = "tab.not_found"          // No open tab for the path
	CodeTabInConflict        = "tab.in_conflict"        // Tab is blocked until the conflict is resolved
	CodeTabInvalidResolution = "tab.invalid_resolution" // Resolution action does not fit the conflict

	// Server domain - WebSocket and HTTP transport errors
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerHandlerMissing = "server.handler_missing" // No handler for message type
	CodeServerRateLimited    = "server.rate_limited"    // Too many commands per second

	// Storage domain - session persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Record not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "file.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// coder is implemented by error types outside this package that carry a
// stable code of their own (for example fileservice.ConflictError).
type coder interface {
	Code() string
}

// GetCode extracts the error code from an error.
// CodedErrors and errors implementing Code() string report their own code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	return GetCode(err), GetMessage(err)
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// NotFound creates a "file.not_found" error.
func NotFound(path string) *CodedError {
	return New(CodeFileNotFound, fmt.Sprintf("file not found: %s", path))
}

// InvalidPath creates a "file.invalid_path" error.
func InvalidPath(reason string) *CodedError {
	return New(CodeFileInvalidPath, reason)
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// TabNotFound creates a "tab.not_found" error.
func TabNotFound(path string) *CodedError {
	return New(CodeTabNotFound, fmt.Sprintf("no open tab for %s", path))
}

// TabInConflict creates a "tab.in_conflict" error.
// Saving is blocked for the tab until the user picks a resolution.
func TabInConflict(path string) *CodedError {
	return New(CodeTabInConflict, fmt.Sprintf("%s has an unresolved conflict", path))
}

// InvalidResolution creates a "tab.invalid_resolution" error.
func InvalidResolution(action, reason string) *CodedError {
	return New(CodeTabInvalidResolution, fmt.Sprintf("action %q cannot resolve a %s conflict", action, reason))
}

// RateLimited creates a "server.rate_limited" error.
func RateLimited() *CodedError {
	return New(CodeServerRateLimited, "too many commands, slow down")
}
