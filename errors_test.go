package keepsafe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	cause := errors.New("boom")
	err := newError(ProtectionFailure, opUnprotectBytes, cause)

	assert.ErrorIs(t, err, ErrProtectionFailure)
	assert.NotErrorIs(t, err, ErrInvalidSalt)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{Kind: ProtectionFailure, Op: opUnprotectBytes})
	assert.NotErrorIs(t, err, &Error{Kind: ProtectionFailure, Op: opProtectBytes})

	wrapped := fmt.Errorf("cli: %w", err)
	assert.Equal(t, ProtectionFailure, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrProtectionFailure)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(nil))
	assert.Equal(t, PropagatedFailure, KindOf(errors.New("foreign")))
	assert.Equal(t, EmptyInput, KindOf(ErrEmptyInput))
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: NullInput}, "null input"},
		{&Error{Kind: InvalidSalt, Op: "protect_text"}, "protect_text: invalid salt"},
		{&Error{Kind: PropagatedFailure, Err: errors.New("io")}, "propagated failure: io"},
		{&Error{Kind: ProtectionFailure, Op: "unprotect_bytes", Err: errors.New("bad tag")}, "unprotect_bytes: protection failure: bad tag"},
		{&Error{Kind: Kind(42)}, "kind(42)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
