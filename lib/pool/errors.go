package pool

import (
	"errors"
	"fmt"

	apperrors "github.com/storefront/dbpool/lib/errors"
)

// Pool errors, aliased from the central definitions in lib/errors.
var (
	// ErrPoolClosed is returned by Acquire and Release after Close.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrPoolExhausted is returned when the acquire deadline expires while
	// the pool is at capacity. The context error is wrapped alongside it.
	ErrPoolExhausted = apperrors.ErrPoolExhausted
	// ErrCreate is wrapped by every CreationError.
	ErrCreate = apperrors.ErrPoolCreate
	// ErrInvalidConfig is returned by New for unusable configurations.
	ErrInvalidConfig = apperrors.ErrPoolInvalidConfig
	// ErrCircuitOpen is returned by a creation attempt rejected by the
	// configured Breaker.
	ErrCircuitOpen = apperrors.ErrCircuitOpen

	errNilConnection = errors.New("factory returned a nil connection")
)

// CreationError reports that the factory could not produce a connection
// within the retry policy. It matches ErrCreate and unwraps to the last
// factory error.
type CreationError struct {
	// Attempts is the number of factory calls made by the failed Acquire.
	Attempts int
	// Err is the error returned by the last attempt.
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s): %v", ErrCreate, e.Attempts, e.Err)
}

// Unwrap exposes both ErrCreate and the factory error to errors.Is/As.
func (e *CreationError) Unwrap() []error {
	return []error{ErrCreate, e.Err}
}

// brokenError marks an error returned from a unit of work as fatal for the
// connection it ran on.
type brokenError struct {
	err error
}

func (e *brokenError) Error() string { return e.err.Error() }
func (e *brokenError) Unwrap() error { return e.err }

// MarkBroken wraps err so that Do discards the connection instead of
// returning it to the pool. MarkBroken(nil) returns nil.
func MarkBroken(err error) error {
	if err == nil {
		return nil
	}
	return &brokenError{err: err}
}

// IsBroken reports whether err was marked with MarkBroken.
func IsBroken(err error) bool {
	var b *brokenError
	return errors.As(err, &b)
}
