// Package errors provides structured error types for the Starforge pipeline.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryEnvelope ErrorCategory = "ENVELOPE"
	ErrCategoryRouting  ErrorCategory = "ROUTING"
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryCache    ErrorCategory = "CACHE"
	ErrCategorySink     ErrorCategory = "SINK"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Envelope codes
	CodeMalformedPosition = "MALFORMED_POSITION"
	CodeMissingMetadata   = "MISSING_METADATA"
	CodeMalformedEnvelope = "MALFORMED_ENVELOPE"

	// Routing codes
	CodeUnknownEntityKind = "UNKNOWN_ENTITY_KIND"

	// Schema codes
	CodeHandlerRejected = "HANDLER_REJECTED"
	CodeInvalidEntity   = "INVALID_ENTITY"

	// Cache codes
	CodeCacheRefreshFailure = "CACHE_REFRESH_FAILURE"

	// Sink codes
	CodeSinkUnavailable = "SINK_UNAVAILABLE"
	CodeAppendFailed    = "APPEND_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
// Per-event errors are terminal for that event (they dead-letter); only
// resource-level failures are worth retrying.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryCache && code == CodeCacheRefreshFailure:
		return true
	case category == ErrCategorySink && code == CodeSinkUnavailable:
		return true
	case category == ErrCategorySink && code == CodeAppendFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewEnvelopeError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryEnvelope, code, message, cause)
}

func NewRoutingError(code, message string) *PipelineError {
	return New(ErrCategoryRouting, code, message)
}

func NewSchemaError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategorySchema, code, message, cause)
}

func NewCacheError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryCache, CodeCacheRefreshFailure, message, cause)
}

func NewSinkError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategorySink, code, message, cause)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
