package graph

import (
	"errors"
	"fmt"
)

// ErrorCode classifies graph build and execution failures.
type ErrorCode string

const (
	// ErrCodeConfiguration marks an invalid graph definition or executor
	// setup: unknown entry point, edge to a missing node, resume without
	// a checkpoint store.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"
	// ErrCodeNotFound marks a missing node, checkpoint, or run.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeBoundExceeded marks an execution that hit its step ceiling.
	ErrCodeBoundExceeded ErrorCode = "BOUND_EXCEEDED"
	// ErrCodeNodeFailure marks a node function that returned an error.
	ErrCodeNodeFailure ErrorCode = "NODE_FAILURE"
	// ErrCodeCheckpoint marks a checkpoint write that did not complete.
	ErrCodeCheckpoint ErrorCode = "CHECKPOINT"
	// ErrCodeCancelled marks an execution aborted by its context.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

// Error is a structured graph error carrying a code, the node it occurred
// at when known, and the underlying cause.
type Error struct {
	Code    ErrorCode `json:"code"`
	Node    string    `json:"node,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Node != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] node %q: %s: %v", e.Code, e.Node, e.Message, e.Cause)
	case e.Node != "":
		return fmt.Sprintf("[%s] node %q: %s", e.Code, e.Node, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithNode attaches the node name the error occurred at.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// CodeOf extracts the error code from err or any error it wraps. Returns
// the empty code when no graph Error is present.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsCode reports whether err carries the given graph error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func configErrorf(format string, args ...any) *Error {
	return NewError(ErrCodeConfiguration, fmt.Sprintf(format, args...))
}
