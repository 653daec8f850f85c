package keepsafe

import "errors"

var errMissingCause = errors.New("failure reported without a cause")

// Result is the outcome of every operation in this package. It holds either
// an error or a value, never both. Read it with Get, which follows the usual
// (value, error) convention.
type Result[T any] struct {
	err   error
	value T
}

// Succeed returns a successful Result carrying value.
func Succeed[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Fail returns a failed Result carrying err. A nil err is replaced with a
// PropagatedFailure so that a failed Result can never look successful.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = newError(PropagatedFailure, "", errMissingCause)
	}
	return Result[T]{err: err}
}

// Ok reports whether the Result is a success.
func (r Result[T]) Ok() bool {
	return r.err == nil
}

// Err returns the failure, or nil on success.
func (r Result[T]) Err() error {
	return r.err
}

// Value returns the success value; it is the zero value of T on failure.
func (r Result[T]) Value() T {
	return r.value
}

// Get returns the value and the error of the Result.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

// Kind returns the Kind of the failure, or 0 on success.
func (r Result[T]) Kind() Kind {
	return KindOf(r.err)
}
