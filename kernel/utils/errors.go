package utils

import (
	"errors"
	"fmt"
)

// NewError creates a new error with a message
func NewError(msg string) error {
	return fmt.Errorf("%s", msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Error codes for driver operations
const (
	// Resource errors
	ErrCodeOutOfMemory = "OUT_OF_MEMORY"
	ErrCodeNoSpace     = "NO_SPACE"

	// Mapping state errors
	ErrCodeAlreadyMapped = "ALREADY_MAPPED"
	ErrCodeNotMapped     = "NOT_MAPPED"
	ErrCodeNoGPUVA       = "NO_GPU_VA"

	// Address space errors
	ErrCodeOutOfRange = "OUT_OF_RANGE"
	ErrCodePermission = "PERMISSION"

	// Logic errors
	ErrCodeInvariantViolation = "INVARIANT_VIOLATION"
)

// DriverError is a coded error carrying context for the caller.
// Two DriverErrors match under errors.Is when their codes match, so callers
// test against the sentinels below.
type DriverError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *DriverError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DriverError) Unwrap() error {
	return e.Cause
}

// Is matches any DriverError with the same code.
func (e *DriverError) Is(target error) bool {
	var t *DriverError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *DriverError) WithContext(key string, value interface{}) *DriverError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDriverError creates a new driver error
func NewDriverError(code, message string) *DriverError {
	return &DriverError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapDriverError wraps an existing error with a driver error code
func WrapDriverError(code, message string, cause error) *DriverError {
	return &DriverError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is
var (
	ErrOutOfMemory        = NewDriverError(ErrCodeOutOfMemory, "out of memory")
	ErrNoSpace            = NewDriverError(ErrCodeNoSpace, "no space")
	ErrAlreadyMapped      = NewDriverError(ErrCodeAlreadyMapped, "already mapped")
	ErrNotMapped          = NewDriverError(ErrCodeNotMapped, "not mapped")
	ErrNoGPUVA            = NewDriverError(ErrCodeNoGPUVA, "no GPU VA reserved")
	ErrOutOfRange         = NewDriverError(ErrCodeOutOfRange, "address out of range")
	ErrPermission         = NewDriverError(ErrCodePermission, "permission denied")
	ErrInvariantViolation = NewDriverError(ErrCodeInvariantViolation, "invariant violation")
)

// Common error constructors

func ErrPoolsExhausted(capacity uint) *DriverError {
	return NewDriverError(ErrCodeNoSpace, "semaphore sea has no free pages").
		WithContext("capacity", capacity)
}

func ErrSlotsExhausted(page uint, capacity uint) *DriverError {
	return NewDriverError(ErrCodeNoSpace, "semaphore pool has no free slots").
		WithContext("page", page).
		WithContext("capacity", capacity)
}

func ErrInvariant(message string) *DriverError {
	return NewDriverError(ErrCodeInvariantViolation, message)
}

// IsCode reports whether err is a DriverError with the given code.
func IsCode(err error, code string) bool {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
