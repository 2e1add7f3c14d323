// Package errors provides structured error types for the storefront data layer.
// Errors carry a code and a message that is safe to show to end users, while
// the wrapped cause stays available for logs and errors.Is/As.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Error codes for categorizing failures at the service boundary
//   - Error wrapping with context preservation
//   - ForUser, which degrades capacity and backend failures to a
//     "service temporarily unavailable" message
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors. The numbering follows JSON-RPC 2.0
// where a standard code exists; application codes live in -32000 to -32099.
const (
	CodeInvalidParams = -32602 // Invalid parameters
	CodeInternal      = -32603 // Internal error

	CodeNotFound    = -32003 // Resource not found
	CodeTimeout     = -32005 // Operation timeout
	CodeConflict    = -32006 // Resource conflict
	CodeUnavailable = -32007 // Service unavailable
	CodeValidation  = -32008 // Validation failed
	CodeConnection  = -32009 // Connection error
	CodeState       = -32010 // Invalid state
)

// UnavailableMessage is the message shown to users when the data layer is
// out of capacity or cannot reach the database.
const UnavailableMessage = "service temporarily unavailable"

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Pool errors
var (
	// ErrPoolExhausted indicates the acquire deadline expired while the pool
	// was at capacity with nothing available.
	ErrPoolExhausted = fmt.Errorf("pool: exhausted: %w", ErrTimeout)

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrPoolCreate indicates the factory could not produce a connection.
	ErrPoolCreate = fmt.Errorf("pool: create: %w", ErrConnection)

	// ErrPoolInvalidConfig indicates the pool configuration is unusable.
	ErrPoolInvalidConfig = fmt.Errorf("pool: %w", ErrConfiguration)
)

// SQL connection errors
var (
	// ErrSQLUnsupportedDriver indicates an unknown database driver name.
	ErrSQLUnsupportedDriver = fmt.Errorf("sqlconn: unsupported driver: %w", ErrConfiguration)

	// ErrSQLNotConnected indicates the connection was closed or never opened.
	ErrSQLNotConnected = fmt.Errorf("sqlconn: %w", ErrClosed)
)

// Error is a structured error with a code and safe message.
// It implements the error interface and provides methods for
// error handling and response generation.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
// The message should be safe to return to clients.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an internal error with a generic message.
// Use this when the original error contains sensitive information.
func WrapInternal(err error) *Error {
	if err != nil {
		log.WithError(err).Debug("wrapping internal error")
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	code := codeFromError(err)
	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     err,
	}
}

// ForUser converts a data-layer failure into an error that can be shown to
// an end user. Capacity, shutdown, connectivity and circuit breaker failures
// all become CodeUnavailable with UnavailableMessage; anything else is
// treated as internal. Structured errors pass through unchanged.
func ForUser(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if IsUnavailable(err) {
		log.WithError(err).Debug("degrading to service unavailable")
		return &Error{
			Code:    CodeUnavailable,
			Message: UnavailableMessage,
			Err:     err,
		}
	}
	return WrapInternal(err)
}

// codeFromError maps sentinel errors to error codes.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrCircuitOpen):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrClosed):
		return CodeState
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrConfiguration):
		return CodeValidation
	default:
		return CodeInternal
	}
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error means the backing service cannot
// take the request right now: the pool is exhausted or closed, a connection
// could not be created, or a circuit breaker is open.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrPoolClosed) ||
		errors.Is(err, ErrPoolCreate) ||
		errors.Is(err, ErrCircuitOpen)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
