// Package domain defines core types, interfaces, and errors for the analytics query core.
package domain

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers. Codes never carry engine detail.
const (
	CodeValidation      = "validation_error"
	CodeCompile         = "compile_error"
	CodeEngine          = "engine_error"
	CodeTimeout         = "timeout"
	CodeCache           = "cache_error"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeAccessDenied    = "access_denied"
	CodeAlreadyTerminal = "already_terminal"
	CodeInternal        = "internal_error"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates the caller may not act on the requested tenant.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates a malformed or unknown query or filter shape.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// Compile error reasons.
const (
	CompileTableNotFound       = "table_not_found"
	CompileCyclicView          = "cyclic_view"
	CompileAmbiguousReference  = "ambiguous_reference"
	CompileUnsupportedRollup   = "unsupported_rollup"
	CompileUnsupportedQuery    = "unsupported_query"
	CompileForbiddenReference  = "forbidden_reference"
	CompileUnresolvedReference = "unresolved_reference"
)

// CompileError indicates a query could not be turned into a physical plan.
type CompileError struct {
	Reason  string
	Message string
}

func (e *CompileError) Error() string { return e.Message }

// EngineError wraps a failure of the execution engine. Transient errors are
// eligible for bounded retry.
type EngineError struct {
	Message   string
	Transient bool
	Err       error
}

func (e *EngineError) Error() string { return e.Message }

func (e *EngineError) Unwrap() error { return e.Err }

// TimeoutError indicates a synchronous compute or an async pickup exceeded its bound.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// CacheError indicates the cache store is unavailable.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }

func (e *CacheError) Unwrap() error { return e.Err }

// AlreadyTerminalError is returned when cancelling a completed or failed status.
type AlreadyTerminalError struct {
	Message string
}

func (e *AlreadyTerminalError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrCompile creates a CompileError with a reason and formatted message.
func ErrCompile(reason, format string, args ...interface{}) *CompileError {
	return &CompileError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ErrTimeout creates a TimeoutError with a formatted message.
func ErrTimeout(format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{Message: fmt.Sprintf(format, args...)}
}

// ErrAlreadyTerminal creates an AlreadyTerminalError with a formatted message.
func ErrAlreadyTerminal(format string, args ...interface{}) *AlreadyTerminalError {
	return &AlreadyTerminalError{Message: fmt.Sprintf(format, args...)}
}

// ErrorCode maps an error to its stable code.
func ErrorCode(err error) string {
	var (
		notFound   *NotFoundError
		denied     *AccessDeniedError
		validation *ValidationError
		conflict   *ConflictError
		compile    *CompileError
		engine     *EngineError
		timeout    *TimeoutError
		cacheErr   *CacheError
		terminal   *AlreadyTerminalError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &compile):
		return CodeCompile
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &engine):
		return CodeEngine
	case errors.As(err, &cacheErr):
		return CodeCache
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &conflict):
		return CodeConflict
	case errors.As(err, &denied):
		return CodeAccessDenied
	case errors.As(err, &terminal):
		return CodeAlreadyTerminal
	default:
		return CodeInternal
	}
}

// PublicMessage returns a caller-safe message for err. Engine and internal
// failures are reduced to a generic message.
func PublicMessage(err error) string {
	switch ErrorCode(err) {
	case CodeEngine:
		return "query execution failed"
	case CodeInternal:
		return "internal error"
	case CodeCache:
		return "cache unavailable"
	default:
		return err.Error()
	}
}
