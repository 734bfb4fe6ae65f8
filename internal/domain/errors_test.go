package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewBuildErrorWithCause(ErrCodeCacheCorrupt, "cache write failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeCacheCorrupt, ErrorCode(err))

	wrapped := fmt.Errorf("build aborted: %w", err)
	assert.Equal(t, ErrCodeCacheCorrupt, ErrorCode(wrapped))
}

func TestErrorCodeFallback(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, ErrorCode(errors.New("plain")))
}

func TestAtIndex(t *testing.T) {
	base := NewBuildError(ErrCodeParse, "bad directive")
	pinned := base.AtIndex(3)

	assert.Equal(t, -1, base.Index)
	assert.Equal(t, 3, pinned.Index)
	assert.Contains(t, pinned.Error(), "directive 3")
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))

	tests := map[string]int{
		ErrCodeBaseNotFound:        2,
		ErrCodeNoBaseSelected:      3,
		ErrCodeContextFileNotFound: 4,
		ErrCodePathEscapesContext:  5,
		ErrCodeCommandFailed:       6,
		ErrCodeUnknownUser:         7,
		ErrCodeCacheCorrupt:        8,
		ErrCodeParse:               9,
	}
	for code, want := range tests {
		assert.Equal(t, want, ExitCode(NewBuildError(code, "x")), code)
	}

	// Every code maps to a distinct exit status.
	seen := map[int]string{}
	for code := range tests {
		got := ExitCode(NewBuildError(code, "x"))
		prev, dup := seen[got]
		assert.Falsef(t, dup, "exit code %d shared by %s and %s", got, prev, code)
		seen[got] = code
	}
}
