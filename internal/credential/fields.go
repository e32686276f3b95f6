package credential

import (
	"fmt"

	"github.com/hectorm/keybridge/internal/native"
)

type requirement bool

const (
	required requirement = true
	optional requirement = false
)

type field struct {
	name  string
	value *string
	req   requirement
}

func checkFields(credential string, fields []field) error {
	for _, f := range fields {
		if f.req == required && f.value == nil {
			return &PreconditionError{Credential: credential, Field: f.name}
		}
	}
	return nil
}

func encodeFields(fields []field) ([]native.CString, error) {
	encoded := make([]native.CString, len(fields))
	for i, f := range fields {
		cstr, err := native.EncodeOptional(f.value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		encoded[i] = cstr
	}
	return encoded, nil
}
