package credential

import (
	"github.com/hectorm/keybridge/internal/native"
)

var _ Credential = (*FileKeyCredential)(nil)

// FileKeyCredential authenticates with a key pair stored on disk. All fields
// are required; an empty Passphrase is allowed.
type FileKeyCredential struct {
	Username   *string
	PublicKey  *string
	PrivateKey *string
	Passphrase *string

	// Bridge defaults to native.Default().
	Bridge native.Bridge
}

func (c *FileKeyCredential) Acquire() (Result, error) {
	fields := []field{
		{name: "Username", value: c.Username, req: required},
		{name: "Passphrase", value: c.Passphrase, req: required},
		{name: "PublicKey", value: c.PublicKey, req: required},
		{name: "PrivateKey", value: c.PrivateKey, req: required},
	}

	if err := checkFields("FileKeyCredential", fields); err != nil {
		return Result{}, err
	}

	args, err := encodeFields(fields)
	if err != nil {
		return Result{}, err
	}
	username, passphrase, publicKey, privateKey := args[0], args[1], args[2], args[3]

	bridge := bridgeOrDefault(c.Bridge)
	status, handle := bridge.NewSSHKey(username, publicKey, privateKey, passphrase)

	return newResult(bridge, status, handle), nil
}

func (c *FileKeyCredential) sealed() {}
