package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codedStub struct{}

func (codedStub) Error() string { return "stub" }
func (codedStub) Code() string  { return CodeConflictContentChanged }

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeFileNotFound, "file not found: a.txt"),
			expected: "file.not_found: file not found: a.txt",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeFileWriteFailed, "write failed", errors.New("disk full")),
			expected: "file.write_failed: write failed (disk full)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)
	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))

	assert.Nil(t, New(CodeFileNotFound, "not found").Unwrap())
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"CodedError", NotFound("a.go"), CodeFileNotFound},
		{"wrapped CodedError", fmt.Errorf("open: %w", TabNotFound("a.go")), CodeTabNotFound},
		{"foreign coder", codedStub{}, CodeConflictContentChanged},
		{"wrapped foreign coder", fmt.Errorf("save: %w", codedStub{}), CodeConflictContentChanged},
		{"plain error", errors.New("some error"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetCode(tt.err))
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	code, msg := ToCodeAndMessage(InvalidResolution("recreate", "content_changed"))
	assert.Equal(t, CodeTabInvalidResolution, code)
	assert.Equal(t, `action "recreate" cannot resolve a content_changed conflict`, msg)

	code, msg = ToCodeAndMessage(errors.New("boom"))
	assert.Equal(t, CodeUnknown, code)
	assert.Equal(t, "boom", msg)

	code, msg = ToCodeAndMessage(nil)
	assert.Empty(t, code)
	assert.Empty(t, msg)
}

func TestIsCode(t *testing.T) {
	assert.True(t, IsCode(TabInConflict("x"), CodeTabInConflict))
	assert.False(t, IsCode(TabInConflict("x"), CodeTabNotFound))
	assert.True(t, IsCode(RateLimited(), CodeServerRateLimited))
}
