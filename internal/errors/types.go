// Package errors defines the error taxonomy of the build engine.
//
// Errors are recovered at the narrowest scope that can continue: per file
// for build and template failures, per client for network failures, per
// path for watch failures. Only watcher initialisation and listener bind
// failures are fatal to the process.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeWatch    ErrorType = "watch"
	ErrorTypeBuild    ErrorType = "build"
	ErrorTypeTemplate ErrorType = "template"
	ErrorTypeNetwork  ErrorType = "network"
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeInternal ErrorType = "internal"
)

// Error is a structured error carrying its category and the path or client
// it is scoped to.
type Error struct {
	Type        ErrorType
	Code        string
	Message     string
	Path        string
	Plugin      string
	Cause       error
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Plugin != "" {
		parts = append(parts, "plugin:"+e.Plugin)
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors with the same type and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithPlugin records which plugin produced the error.
func (e *Error) WithPlugin(name string) *Error {
	e.Plugin = name

	return e
}

// NewWatchError reports an OS watch setup or read failure for one path.
func NewWatchError(code, path string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeWatch,
		Code:        code,
		Message:     "watch failed",
		Path:        path,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewBuildError reports a transform failure for a single file.
func NewBuildError(code, path string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     "build failed",
		Path:        path,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewTemplateError reports a malformed layout or include.
func NewTemplateError(path string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeTemplate,
		Code:        "TEMPLATE_INVALID",
		Message:     "template failed, falling back to minimal output",
		Path:        path,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewNetworkError reports a failed send to one WebSocket client.
func NewNetworkError(clientID string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeNetwork,
		Code:        "WS_SEND",
		Message:     "client send failed",
		Path:        clientID,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *Error {
	return &Error{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}

	return false
}

// HasType reports whether err is an *Error of the given type.
func HasType(err error, errType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errType
	}

	return false
}

// IsWatchError checks if an error is a watch error.
func IsWatchError(err error) bool { return HasType(err, ErrorTypeWatch) }

// IsBuildError checks if an error is build-related.
func IsBuildError(err error) bool { return HasType(err, ErrorTypeBuild) }

// IsTemplateError checks if an error is a template error.
func IsTemplateError(err error) bool { return HasType(err, ErrorTypeTemplate) }

// IsNetworkError checks if an error is a network error.
func IsNetworkError(err error) bool { return HasType(err, ErrorTypeNetwork) }

// PathOf returns the path an error is scoped to, if any.
func PathOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Path
	}

	return ""
}
