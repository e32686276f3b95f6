package credential

import (
	"github.com/hectorm/keybridge/internal/native"
)

// Credential is implemented by FileKeyCredential and InMemoryKeyCredential
// only.
//
// Acquire returns an error for a credential that was built with a missing
// required field, or whose fields cannot be encoded; no native call is made
// in either case. Otherwise the outcome of the native call is reported in the
// Result, and a successful Result carries exactly one new handle owned by the
// native subsystem.
type Credential interface {
	Acquire() (Result, error)

	sealed()
}

// String returns a pointer to s, for filling in credential fields.
func String(s string) *string {
	return &s
}

func bridgeOrDefault(bridge native.Bridge) native.Bridge {
	if bridge == nil {
		return native.Default()
	}
	return bridge
}
