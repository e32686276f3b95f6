package native

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

func parseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, err
		}
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}

	return signer, err
}

func checkPublicKey(signer ssh.Signer, authorizedKey []byte) error {
	if len(bytes.TrimSpace(authorizedKey)) == 0 {
		return nil
	}

	publicKey, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	if !bytes.Equal(publicKey.Marshal(), signer.PublicKey().Marshal()) {
		return fmt.Errorf("%w: %s", ErrKeyMismatch, ssh.FingerprintSHA256(publicKey))
	}

	return nil
}
