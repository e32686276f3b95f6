package native

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrInvalidEncoding = errors.New("invalid string encoding")

// CString is a strict UTF-8, NUL-terminated byte string as handed to the
// credential constructors. A nil CString marks an absent value.
type CString []byte

type EncodingError struct {
	Offset int
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s at byte %d", e.Reason, e.Offset)
}

func (e *EncodingError) Is(target error) bool {
	return target == ErrInvalidEncoding
}

func Encode(s string) (CString, error) {
	if err := validate(s); err != nil {
		return nil, err
	}

	buf := make(CString, len(s)+1)
	copy(buf, s)
	return buf, nil
}

func EncodeOptional(s *string) (CString, error) {
	if s == nil {
		return nil, nil
	}
	return Encode(*s)
}

func (c CString) Absent() bool {
	return c == nil
}

// Decode returns the string up to the terminating NUL. It fails for absent
// strings and for byte sequences that Encode would not have produced.
func (c CString) Decode() (string, error) {
	if c == nil {
		return "", errors.New("absent string")
	}
	if len(c) == 0 || c[len(c)-1] != 0 {
		return "", &EncodingError{Offset: len(c), Reason: "missing NUL terminator"}
	}

	s := string(c[:len(c)-1])
	if err := validate(s); err != nil {
		return "", err
	}
	return s, nil
}

func validate(s string) error {
	for i := 0; i < len(s); {
		if s[i] == 0 {
			return &EncodingError{Offset: i, Reason: "embedded NUL byte"}
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			return &EncodingError{Offset: i, Reason: "invalid UTF-8 sequence"}
		}
		i += size
	}
	return nil
}
