// Package errors provides the structured error types used by cachew.
// Every error carries a category, a code, a message and an optional cause so
// the orchestrator can decide between propagating a failure and falling back
// to an uncached call.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the stage that produced them.
type ErrorCategory string

const (
	// ErrCategorySchema marks a type that cannot be represented as rows.
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	// ErrCategoryEncode marks a value that does not conform to its schema.
	ErrCategoryEncode   ErrorCategory = "ENCODE"
	// ErrCategoryDecode marks a stored row that is inconsistent with the schema.
	ErrCategoryDecode   ErrorCategory = "DECODE"
	// ErrCategoryStorage marks I/O or transactional failures.
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeRecursiveType   = "RECURSIVE_TYPE"
	CodeInvalidUnion    = "INVALID_UNION"
	CodeInvalidName     = "INVALID_NAME"

	// Encode codes
	CodeNonConforming = "NON_CONFORMING"
	CodeOverflow      = "OVERFLOW"

	// Decode codes
	CodeRowWidth           = "ROW_WIDTH"
	CodeBadDiscriminator   = "BAD_DISCRIMINATOR"
	CodeNullLeaf           = "NULL_LEAF"
	CodeCellType           = "CELL_TYPE"
	CodeCorruptionDetected = "CORRUPTION_DETECTED"

	// Storage codes
	CodeOpenFailed   = "OPEN_FAILED"
	CodeWriteFailed  = "WRITE_FAILED"
	CodeReadFailed   = "READ_FAILED"
	CodeCommitFailed = "COMMIT_FAILED"
	CodeNotReadable  = "NOT_READABLE"
	CodeHandleClosed = "HANDLE_CLOSED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CacheError is the structured error type used throughout cachew.
type CacheError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
// A target with an empty code matches every error of the same category.
func (e *CacheError) Is(target error) bool {
	var t *CacheError
	if errors.As(target, &t) {
		if t.Code == "" {
			return e.Category == t.Category
		}
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CacheError.
func New(category ErrorCategory, code, message string) *CacheError {
	return &CacheError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CacheError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CacheError {
	return &CacheError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CacheError) WithDetails(details map[string]interface{}) *CacheError {
	cp := *e
	cp.Details = details
	return &cp
}

// Sentinels usable with errors.Is to test for a whole category.
var (
	ErrSchema   = &CacheError{Category: ErrCategorySchema}
	ErrEncode   = &CacheError{Category: ErrCategoryEncode}
	ErrDecode   = &CacheError{Category: ErrCategoryDecode}
	ErrStorage  = &CacheError{Category: ErrCategoryStorage}
	ErrInternal = &CacheError{Category: ErrCategoryInternal}
)

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CacheError.
func GetCategory(err error) ErrorCategory {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CacheError.
func GetCode(err error) string {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCacheFailure reports whether err was produced by the caching layer itself
// (encode, decode or storage) as opposed to the wrapped producer.
func IsCacheFailure(err error) bool {
	switch GetCategory(err) {
	case ErrCategoryEncode, ErrCategoryDecode, ErrCategoryStorage, ErrCategoryInternal:
		return true
	default:
		return false
	}
}

// isRetryable determines if an error code is retryable.
// Lock contention on the database file clears up on its own; nothing else does.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeCommitFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *CacheError {
	return New(ErrCategorySchema, code, message)
}

func NewEncodeError(code, message string) *CacheError {
	return New(ErrCategoryEncode, code, message)
}

func NewDecodeError(code, message string) *CacheError {
	return New(ErrCategoryDecode, code, message)
}

func NewStorageError(code, message string, cause error) *CacheError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *CacheError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
