package credential

import (
	"github.com/hectorm/keybridge/internal/native"
)

var _ Credential = (*InMemoryKeyCredential)(nil)

// InMemoryKeyCredential authenticates with key material held in memory. The
// public key may be left nil, in which case it is derived from the private
// key.
type InMemoryKeyCredential struct {
	Username   *string
	PublicKey  *string
	PrivateKey *string
	Passphrase *string

	Bridge native.Bridge
}

func (c *InMemoryKeyCredential) Acquire() (Result, error) {
	fields := []field{
		{name: "Username", value: c.Username, req: required},
		{name: "Passphrase", value: c.Passphrase, req: required},
		{name: "PublicKey", value: c.PublicKey, req: optional},
		{name: "PrivateKey", value: c.PrivateKey, req: required},
	}

	if err := checkFields("InMemoryKeyCredential", fields); err != nil {
		return Result{}, err
	}

	args, err := encodeFields(fields)
	if err != nil {
		return Result{}, err
	}
	username, passphrase, publicKey, privateKey := args[0], args[1], args[2], args[3]

	bridge := bridgeOrDefault(c.Bridge)
	status, handle := bridge.NewSSHKeyMemory(username, publicKey, privateKey, passphrase)

	return newResult(bridge, status, handle), nil
}

func (c *InMemoryKeyCredential) sealed() {}
