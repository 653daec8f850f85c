package keepsafe

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"golang.org/x/text/encoding/unicode"
)

// utf16LE is the fixed text encoding for every string that crosses the
// protection boundary. Changing it breaks payloads written by older builds.
var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

var (
	errOddLength   = errors.New("utf-16 payload has an odd number of bytes")
	errInvalidUTF8 = errors.New("text is not valid UTF-8")
)

// EncodeText returns the UTF-16LE encoding of s, without a byte order mark.
// s must be valid UTF-8.
func EncodeText(s string) ([]byte, error) {
	return encodeUTF16([]byte(s))
}

// DecodeText decodes UTF-16LE bytes into a string.
func DecodeText(b []byte) (string, error) {
	raw, err := decodeUTF16(b)
	if err != nil {
		return "", err
	}
	text := string(raw)
	memguard.WipeBytes(raw)
	return text, nil
}

// encodeUTF16 takes UTF-8 bytes so that revealed secrets never have to be
// copied into a string before encoding. Invalid UTF-8 is rejected: the
// encoder would otherwise substitute U+FFFD and the round trip would not
// return the original bytes.
func encodeUTF16(text []byte) ([]byte, error) {
	if !utf8.Valid(text) {
		return nil, errInvalidUTF8
	}
	out, err := utf16LE.NewEncoder().Bytes(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text: %w", err)
	}
	return out, nil
}

// decodeUTF16 returns UTF-8 bytes so that callers holding secrets can wipe
// them instead of materialising an immutable string.
func decodeUTF16(b []byte) ([]byte, error) {
	if len(b)%2 != 0 {
		return nil, errOddLength
	}
	out, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode text: %w", err)
	}
	return out, nil
}

// ToBase64 encodes data with standard padded base64.
func ToBase64(data []byte) Result[string] {
	if data == nil {
		return Fail[string](newError(NullInput, "to_base64", nil))
	}
	return Succeed(base64.StdEncoding.EncodeToString(data))
}

// FromBase64 decodes standard padded base64. The empty string is rejected
// with EmptyInput rather than decoded to an empty slice.
func FromBase64(text string) Result[[]byte] {
	if len(text) == 0 {
		return Fail[[]byte](newError(EmptyInput, "from_base64", nil))
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return Fail[[]byte](newError(PropagatedFailure, "from_base64", err))
	}
	return Succeed(data)
}
