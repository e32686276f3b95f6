package native

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/hectorm/keybridge/internal/utils/disk"
)

var _ Bridge = (*Subsystem)(nil)

type credentialKind int

const (
	kindKeyFile credentialKind = iota + 1
	kindKeyMemory
)

func (k credentialKind) String() string {
	switch k {
	case kindKeyFile:
		return "ssh-key"
	case kindKeyMemory:
		return "ssh-key-memory"
	default:
		return "unknown"
	}
}

type storedCredential struct {
	kind       credentialKind
	username   string
	publicKey  *string
	privateKey string
	passphrase string
}

// Subsystem owns every credential it hands out. Handles stay valid until
// Free is called on them; a Subsystem is safe for concurrent use.
type Subsystem struct {
	id      uint64
	creds   map[uint64]*storedCredential
	nextID  uint64
	lastErr error
	keys    *keyCache
	watch   bool
	mu      sync.Mutex
}

var subsystemIDs atomic.Uint64

type Option func(*Subsystem) error

func WithoutKeyWatcher() Option {
	return func(s *Subsystem) error {
		s.watch = false
		return nil
	}
}

func NewSubsystem(opts ...Option) (*Subsystem, error) {
	s := &Subsystem{
		id:    subsystemIDs.Add(1),
		creds: make(map[uint64]*storedCredential),
		watch: true,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	keys, err := newKeyCache(s.watch)
	if err != nil {
		return nil, fmt.Errorf("key watcher: %w", err)
	}
	s.keys = keys

	return s, nil
}

var defaultSubsystem = sync.OnceValue(func() *Subsystem {
	s, err := NewSubsystem()
	if err != nil {
		slog.Warn("key files will not be cached", "error", err)
		s, _ = NewSubsystem(WithoutKeyWatcher())
	}
	return s
})

// Default returns the process-wide subsystem used by credentials that do not
// name a bridge of their own.
func Default() *Subsystem {
	return defaultSubsystem()
}

func (s *Subsystem) NewSSHKey(username, publicKey, privateKey, passphrase CString) (Status, Handle) {
	return s.newCredential(kindKeyFile, username, publicKey, privateKey, passphrase)
}

func (s *Subsystem) NewSSHKeyMemory(username, publicKey, privateKey, passphrase CString) (Status, Handle) {
	return s.newCredential(kindKeyMemory, username, publicKey, privateKey, passphrase)
}

func (s *Subsystem) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Resolve returns the username and an SSH auth method for the handle. Key
// material is loaded when the handshake asks for signers, and the returned
// values stay usable after the handle is freed.
func (s *Subsystem) Resolve(h Handle) (string, ssh.AuthMethod, error) {
	cred, err := s.lookup(h)
	if err != nil {
		return "", nil, err
	}

	auth := ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		signer, err := s.loadSigner(cred)
		if err != nil {
			slog.Debug("failed to load key", "kind", cred.kind, "user", cred.username, "error", err)
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	})

	return cred.username, auth, nil
}

// Signer loads the key material behind the handle right away.
func (s *Subsystem) Signer(h Handle) (ssh.Signer, error) {
	cred, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.loadSigner(cred)
}

// Free releases the handle. Handles issued by another subsystem are left
// alone.
func (s *Subsystem) Free(h Handle) {
	if h.owner != s.id {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, h.id)
}

// Len reports the number of live handles.
func (s *Subsystem) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creds)
}

func (s *Subsystem) Close() error {
	s.mu.Lock()
	clear(s.creds)
	s.mu.Unlock()

	return s.keys.Close()
}

func (s *Subsystem) newCredential(kind credentialKind, username, publicKey, privateKey, passphrase CString) (Status, Handle) {
	cred := &storedCredential{kind: kind}

	var err error
	if username.Absent() {
		return s.fail(kind, ErrMissingUsername)
	}
	if cred.username, err = username.Decode(); err != nil {
		return s.fail(kind, fmt.Errorf("username: %w", err))
	}

	if privateKey.Absent() {
		return s.fail(kind, ErrMissingPrivateKey)
	}
	if cred.privateKey, err = privateKey.Decode(); err != nil {
		return s.fail(kind, fmt.Errorf("private key: %w", err))
	}

	if !publicKey.Absent() {
		value, err := publicKey.Decode()
		if err != nil {
			return s.fail(kind, fmt.Errorf("public key: %w", err))
		}
		cred.publicKey = &value
	}

	if !passphrase.Absent() {
		if cred.passphrase, err = passphrase.Decode(); err != nil {
			return s.fail(kind, fmt.Errorf("passphrase: %w", err))
		}
	}

	switch kind {
	case kindKeyFile:
		if _, err := os.Stat(cred.privateKey); errors.Is(err, fs.ErrNotExist) {
			slog.Debug("private key file not found", "file", cred.privateKey)
			return StatusPassthrough, Handle{}
		} else if err != nil {
			return s.fail(kind, err)
		}
	case kindKeyMemory:
		if strings.TrimSpace(cred.privateKey) == "" {
			slog.Debug("private key content is empty")
			return StatusPassthrough, Handle{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.creds[s.nextID] = cred

	return StatusOK, Handle{owner: s.id, id: s.nextID}
}

func (s *Subsystem) fail(kind credentialKind, err error) (Status, Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = fmt.Errorf("%s: %w", kind, err)
	return StatusError, Handle{}
}

func (s *Subsystem) lookup(h Handle) (storedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[h.id]
	if !h.Valid() || h.owner != s.id || !ok {
		return storedCredential{}, ErrInvalidHandle
	}
	return *cred, nil
}

func (s *Subsystem) loadSigner(cred storedCredential) (ssh.Signer, error) {
	switch cred.kind {
	case kindKeyFile:
		signer, err := s.keys.Load(cred.privateKey, cred.passphrase)
		if err != nil {
			return nil, err
		}
		if cred.publicKey != nil && *cred.publicKey != "" {
			authorizedKey, err := disk.ReadFile(*cred.publicKey)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				slog.Debug("public key file not found, using the private key", "file", *cred.publicKey)
			case err != nil:
				return nil, err
			default:
				if err := checkPublicKey(signer, authorizedKey); err != nil {
					return nil, err
				}
			}
		}
		return signer, nil
	case kindKeyMemory:
		signer, err := parseSigner([]byte(cred.privateKey), cred.passphrase)
		if err != nil {
			return nil, err
		}
		if cred.publicKey != nil {
			if err := checkPublicKey(signer, []byte(*cred.publicKey)); err != nil {
				return nil, err
			}
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported credential kind %d", cred.kind)
	}
}
