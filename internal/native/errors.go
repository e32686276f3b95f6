package native

import "errors"

var (
	ErrInvalidHandle     = errors.New("invalid credential handle")
	ErrMissingUsername   = errors.New("username is required")
	ErrMissingPrivateKey = errors.New("private key is required")
	ErrKeyMismatch       = errors.New("public key does not match private key")
)
