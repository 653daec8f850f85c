package keepsafe

import (
	"errors"
	"fmt"
)

// Kind classifies every failure reported by the protection subsystem.
type Kind int

const (
	// NullInput means a required input (slice, pointer or buffer) was nil.
	NullInput Kind = iota + 1
	// EmptyInput means an input was present but had zero length where data is required.
	EmptyInput
	// InvalidSalt means the salt was nil or carried no bytes.
	InvalidSalt
	// ProtectionFailure means the user-scoped protection primitive faulted:
	// wrong user, wrong salt, tampered payload or an internal failure.
	ProtectionFailure
	// PropagatedFailure means a delegated component failed and its error was forwarded.
	PropagatedFailure
)

func (k Kind) String() string {
	switch k {
	case NullInput:
		return "null input"
	case EmptyInput:
		return "empty input"
	case InvalidSalt:
		return "invalid salt"
	case ProtectionFailure:
		return "protection failure"
	case PropagatedFailure:
		return "propagated failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinel errors, one per Kind. Use errors.Is(err, ErrInvalidSalt) and friends
// to branch on the classification of a returned error.
var (
	ErrNullInput         = &Error{Kind: NullInput}
	ErrEmptyInput        = &Error{Kind: EmptyInput}
	ErrInvalidSalt       = &Error{Kind: InvalidSalt}
	ErrProtectionFailure = &Error{Kind: ProtectionFailure}
	ErrPropagatedFailure = &Error{Kind: PropagatedFailure}
)

// Error is the failure descriptor carried by a failed Result.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "protect_text".
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. A target with an
// empty Op, such as the package sentinels, matches any operation; otherwise
// the Op must match too.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the Kind of err. Errors that did not originate in this
// package are classified as PropagatedFailure; a nil error has kind 0.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return PropagatedFailure
}

func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}
