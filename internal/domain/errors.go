package domain

import (
	"errors"
	"fmt"
)

// Error codes for the build pipeline
const (
	ErrCodeBaseNotFound        = "BASE_NOT_FOUND"
	ErrCodeNoBaseSelected      = "NO_BASE_SELECTED"
	ErrCodeContextFileNotFound = "CONTEXT_FILE_NOT_FOUND"
	ErrCodePathEscapesContext  = "PATH_ESCAPES_CONTEXT"
	ErrCodeCommandFailed       = "COMMAND_FAILED"
	ErrCodeUnknownUser         = "UNKNOWN_USER"
	ErrCodeCacheCorrupt        = "CACHE_CORRUPT"
	ErrCodeParse               = "PARSE_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// BuildError is the typed error every directive failure surfaces.
// Index is the zero-based position of the failing directive in the
// source file, or -1 when the failure is not tied to one directive.
type BuildError struct {
	Code     string
	Message  string
	Index    int
	ExitCode int
	Timeout  bool
	Stdout   string
	Stderr   string
	Err      error
}

func (e *BuildError) Error() string {
	if e.Index >= 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: directive %d: %s: %v", e.Code, e.Index, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: directive %d: %s", e.Code, e.Index, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError creates a build error not tied to a directive.
func NewBuildError(code, message string) *BuildError {
	return &BuildError{Code: code, Message: message, Index: -1}
}

// NewBuildErrorWithCause creates a build error wrapping a cause.
func NewBuildErrorWithCause(code, message string, err error) *BuildError {
	return &BuildError{Code: code, Message: message, Index: -1, Err: err}
}

// AtIndex returns a copy of the error pinned to a directive index.
func (e *BuildError) AtIndex(i int) *BuildError {
	c := *e
	c.Index = i
	return &c
}

// ErrorCode extracts the build error code from err, or ErrCodeInternal
// when err is not a BuildError.
func ErrorCode(err error) string {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrCodeInternal
}

// Exit codes for CLI wrappers, one per error kind.
var exitCodes = map[string]int{
	ErrCodeBaseNotFound:        2,
	ErrCodeNoBaseSelected:      3,
	ErrCodeContextFileNotFound: 4,
	ErrCodePathEscapesContext:  5,
	ErrCodeCommandFailed:       6,
	ErrCodeUnknownUser:         7,
	ErrCodeCacheCorrupt:        8,
	ErrCodeParse:               9,
}

// ExitCode maps an error to the process exit status a CLI should use.
// Success is 0, unclassified failures are 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[ErrorCode(err)]; ok {
		return code
	}
	return 1
}
