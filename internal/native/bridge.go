package native

import "fmt"

type Status int

const (
	StatusOK          Status = 0
	StatusError       Status = -1
	StatusPassthrough Status = 1
)

func (s Status) String() string {
	switch {
	case s == StatusOK:
		return "ok"
	case s < 0:
		return fmt.Sprintf("error(%d)", int(s))
	default:
		return fmt.Sprintf("passthrough(%d)", int(s))
	}
}

// Handle references a credential owned by the subsystem that produced it.
// Any other subsystem rejects it. The zero Handle is invalid.
type Handle struct {
	owner uint64
	id    uint64
}

func (h Handle) Valid() bool {
	return h.owner != 0 && h.id != 0
}

func (h Handle) String() string {
	if !h.Valid() {
		return "handle(invalid)"
	}
	return fmt.Sprintf("handle(%d)", h.id)
}

// Bridge is the call contract of the credential constructors. A status of 0
// returns a valid handle; a negative status leaves error detail in LastError;
// a positive status means no credential was produced.
type Bridge interface {
	NewSSHKey(username, publicKey, privateKey, passphrase CString) (Status, Handle)
	NewSSHKeyMemory(username, publicKey, privateKey, passphrase CString) (Status, Handle)
	LastError() error
}
