package native

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

type testKey struct {
	privatePEM    []byte
	authorizedKey []byte
}

func generateKey(t testing.TB, passphrase string) *testKey {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	var pemBlock *pem.Block
	if passphrase != "" {
		pemBlock, err = ssh.MarshalPrivateKeyWithPassphrase(privateKey, "", []byte(passphrase))
	} else {
		pemBlock, err = ssh.MarshalPrivateKey(privateKey, "")
	}
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	return &testKey{
		privatePEM:    pem.EncodeToMemory(pemBlock),
		authorizedKey: ssh.MarshalAuthorizedKey(signer.PublicKey()),
	}
}

func (k *testKey) writeFiles(t testing.TB, dir string) (string, string) {
	t.Helper()

	privateKeyFile := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(privateKeyFile, k.privatePEM, 0600); err != nil {
		t.Fatalf("failed to write private key: %v", err)
	}

	publicKeyFile := privateKeyFile + ".pub"
	if err := os.WriteFile(publicKeyFile, k.authorizedKey, 0600); err != nil {
		t.Fatalf("failed to write public key: %v", err)
	}

	return publicKeyFile, privateKeyFile
}

func mustEncode(t testing.TB, s string) CString {
	t.Helper()

	cstr, err := Encode(s)
	if err != nil {
		t.Fatalf("failed to encode %q: %v", s, err)
	}
	return cstr
}

func setupSubsystem(t testing.TB, opts ...Option) *Subsystem {
	t.Helper()

	s, err := NewSubsystem(opts...)
	if err != nil {
		t.Fatalf("failed to create subsystem: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close subsystem: %v", err)
		}
	})
	return s
}

func TestSubsystem(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Run("file_key", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		key := generateKey(t, "")
		publicKeyFile, privateKeyFile := key.writeFiles(t, t.TempDir())

		status, handle := s.NewSSHKey(mustEncode(t, "git"), mustEncode(t, publicKeyFile), mustEncode(t, privateKeyFile), mustEncode(t, ""))
		if status != StatusOK || !handle.Valid() {
			t.Errorf("status = %v, handle = %v; want ok", status, handle)
			return
		}

		user, auth, err := s.Resolve(handle)
		if err != nil {
			t.Errorf("failed to resolve handle: %v", err)
			return
		}
		if user != "git" {
			t.Errorf("user = %q, want %q", user, "git")
		}
		if auth == nil {
			t.Error("expected an auth method")
		}

		signer, err := s.Signer(handle)
		if err != nil {
			t.Errorf("failed to load signer: %v", err)
			return
		}
		if got := ssh.MarshalAuthorizedKey(signer.PublicKey()); !bytes.Equal(got, key.authorizedKey) {
			t.Errorf("public key = %q, want %q", got, key.authorizedKey)
		}
	})

	t.Run("file_key_with_passphrase", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		key := generateKey(t, "correct horse")
		publicKeyFile, privateKeyFile := key.writeFiles(t, t.TempDir())

		_, handle := s.NewSSHKey(mustEncode(t, "git"), mustEncode(t, publicKeyFile), mustEncode(t, privateKeyFile), mustEncode(t, "correct horse"))
		if _, err := s.Signer(handle); err != nil {
			t.Errorf("failed to load signer: %v", err)
		}

		_, handle = s.NewSSHKey(mustEncode(t, "git"), mustEncode(t, publicKeyFile), mustEncode(t, privateKeyFile), mustEncode(t, ""))
		var missing *ssh.PassphraseMissingError
		if _, err := s.Signer(handle); !errors.As(err, &missing) {
			t.Errorf("expected *ssh.PassphraseMissingError, got %v", err)
		}

		_, handle = s.NewSSHKey(mustEncode(t, "git"), mustEncode(t, publicKeyFile), mustEncode(t, privateKeyFile), mustEncode(t, "wrong"))
		if _, err := s.Signer(handle); err == nil {
			t.Error("expected a wrong passphrase to fail")
		}
	})

	t.Run("file_key_public_key_mismatch", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		dir := t.TempDir()
		_, privateKeyFile := generateKey(t, "").writeFiles(t, dir)
		other := generateKey(t, "")
		publicKeyFile := filepath.Join(dir, "other.pub")
		if err := os.WriteFile(publicKeyFile, other.authorizedKey, 0600); err != nil {
			t.Fatalf("failed to write public key: %v", err)
		}

		_, handle := s.NewSSHKey(mustEncode(t, "git"), mustEncode(t, publicKeyFile), mustEncode(t, privateKeyFile), mustEncode(t, ""))
		if _, err := s.Signer(handle); !errors.Is(err, ErrKeyMismatch) {
			t.Errorf("expected ErrKeyMismatch, got %v", err)
		}
	})

	t.Run("file_key_missing_public_key_file", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		publicKeyFile, privateKeyFile := generateKey(t, "").writeFiles(t, t.TempDir())
		if err := os.Remove(publicKeyFile); err != nil {
			t.Fatalf("failed to remove public key: %v", err)
		}

		_, handle := s.NewSSHKey(mustEncode(t, "git"), mustEncode(t, publicKeyFile), mustEncode(t, privateKeyFile), mustEncode(t, ""))
		if _, err := s.Signer(handle); err != nil {
			t.Errorf("expected the key to load without its public half, got %v", err)
		}
	})

	t.Run("file_key_missing_file", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		missing := filepath.Join(t.TempDir(), "missing")

		status, handle := s.NewSSHKey(mustEncode(t, "git"), mustEncode(t, missing+".pub"), mustEncode(t, missing), mustEncode(t, ""))
		if status != StatusPassthrough {
			t.Errorf("status = %v, want passthrough", status)
		}
		if handle.Valid() {
			t.Error("expected an invalid handle")
		}
		if n := s.Len(); n != 0 {
			t.Errorf("live handles = %d, want 0", n)
		}
	})

	t.Run("file_key_stat_error", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		tooLong := "/" + strings.Repeat("k", 8192)

		status, _ := s.NewSSHKey(mustEncode(t, "git"), nil, mustEncode(t, tooLong), nil)
		if status >= 0 {
			t.Errorf("status = %v, want negative", status)
		}
		if s.LastError() == nil {
			t.Error("expected error detail")
		}
	})

	t.Run("missing_username", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())

		status, handle := s.NewSSHKeyMemory(nil, nil, mustEncode(t, "key"), nil)
		if status != StatusError || handle.Valid() {
			t.Errorf("status = %v, handle = %v; want error", status, handle)
		}
		if !errors.Is(s.LastError(), ErrMissingUsername) {
			t.Errorf("expected ErrMissingUsername, got %v", s.LastError())
		}
	})

	t.Run("missing_private_key", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())

		status, _ := s.NewSSHKey(mustEncode(t, "git"), nil, nil, nil)
		if status != StatusError {
			t.Errorf("status = %v, want error", status)
		}
		if !errors.Is(s.LastError(), ErrMissingPrivateKey) {
			t.Errorf("expected ErrMissingPrivateKey, got %v", s.LastError())
		}
	})

	t.Run("malformed_cstring", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())

		status, _ := s.NewSSHKeyMemory(CString("git"), nil, mustEncode(t, "key"), nil)
		if status != StatusError {
			t.Errorf("status = %v, want error", status)
		}
		if !errors.Is(s.LastError(), ErrInvalidEncoding) {
			t.Errorf("expected ErrInvalidEncoding, got %v", s.LastError())
		}
	})

	t.Run("memory_key", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		key := generateKey(t, "")

		status, handle := s.NewSSHKeyMemory(mustEncode(t, "git"), mustEncode(t, string(key.authorizedKey)), mustEncode(t, string(key.privatePEM)), mustEncode(t, ""))
		if status != StatusOK {
			t.Errorf("status = %v, want ok", status)
			return
		}
		if _, err := s.Signer(handle); err != nil {
			t.Errorf("failed to load signer: %v", err)
		}
	})

	t.Run("memory_key_without_public_key", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		key := generateKey(t, "hunter2")

		status, handle := s.NewSSHKeyMemory(mustEncode(t, "git"), nil, mustEncode(t, string(key.privatePEM)), mustEncode(t, "hunter2"))
		if status != StatusOK {
			t.Errorf("status = %v, want ok", status)
			return
		}

		signer, err := s.Signer(handle)
		if err != nil {
			t.Errorf("failed to load signer: %v", err)
			return
		}
		if got := ssh.MarshalAuthorizedKey(signer.PublicKey()); !bytes.Equal(got, key.authorizedKey) {
			t.Errorf("public key = %q, want %q", got, key.authorizedKey)
		}
	})

	t.Run("memory_key_public_key_mismatch", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		key := generateKey(t, "")
		other := generateKey(t, "")

		_, handle := s.NewSSHKeyMemory(mustEncode(t, "git"), mustEncode(t, string(other.authorizedKey)), mustEncode(t, string(key.privatePEM)), mustEncode(t, ""))
		if _, err := s.Signer(handle); !errors.Is(err, ErrKeyMismatch) {
			t.Errorf("expected ErrKeyMismatch, got %v", err)
		}
	})

	t.Run("memory_key_empty", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())

		status, _ := s.NewSSHKeyMemory(mustEncode(t, "git"), nil, mustEncode(t, ""), mustEncode(t, ""))
		if status != StatusPassthrough {
			t.Errorf("status = %v, want passthrough", status)
		}
	})

	t.Run("free", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())

		_, handle := s.NewSSHKeyMemory(mustEncode(t, "git"), nil, mustEncode(t, "key"), nil)
		if n := s.Len(); n != 1 {
			t.Errorf("live handles = %d, want 1", n)
		}

		s.Free(handle)
		if n := s.Len(); n != 0 {
			t.Errorf("live handles = %d, want 0", n)
		}

		if _, _, err := s.Resolve(handle); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("expected ErrInvalidHandle, got %v", err)
		}

		s.Free(handle)
	})

	t.Run("resolve_survives_free", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())
		key := generateKey(t, "")

		_, handle := s.NewSSHKeyMemory(mustEncode(t, "git"), nil, mustEncode(t, string(key.privatePEM)), mustEncode(t, ""))
		_, auth, err := s.Resolve(handle)
		if err != nil {
			t.Errorf("failed to resolve handle: %v", err)
			return
		}
		s.Free(handle)

		if auth == nil {
			t.Error("expected an auth method")
		}
	})

	t.Run("foreign_handle", func(t *testing.T) {
		a := setupSubsystem(t, WithoutKeyWatcher())
		b := setupSubsystem(t, WithoutKeyWatcher())

		_, bobHandle := a.NewSSHKeyMemory(mustEncode(t, "bob"), nil, mustEncode(t, "key"), nil)
		_, aliceHandle := b.NewSSHKeyMemory(mustEncode(t, "alice"), nil, mustEncode(t, "key"), nil)

		if user, _, err := b.Resolve(bobHandle); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("expected ErrInvalidHandle, got user %q and %v", user, err)
		}
		if _, err := b.Signer(bobHandle); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("expected ErrInvalidHandle, got %v", err)
		}

		b.Free(bobHandle)
		if n := b.Len(); n != 1 {
			t.Errorf("live handles = %d, want 1", n)
		}

		user, _, err := b.Resolve(aliceHandle)
		if err != nil || user != "alice" {
			t.Errorf("user = %q, err = %v, want %q", user, err, "alice")
		}

		a.Free(bobHandle)
		if n := a.Len(); n != 0 {
			t.Errorf("live handles = %d, want 0", n)
		}
	})

	t.Run("zero_handle", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())

		if _, err := s.Signer(Handle{}); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("expected ErrInvalidHandle, got %v", err)
		}
	})

	t.Run("concurrent_handles", func(t *testing.T) {
		s := setupSubsystem(t, WithoutKeyWatcher())

		user, key := mustEncode(t, "git"), mustEncode(t, "key")

		var wg sync.WaitGroup
		handles := make([]Handle, 64)
		for i := range handles {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, handles[i] = s.NewSSHKeyMemory(user, nil, key, nil)
			}()
		}
		wg.Wait()

		seen := make(map[Handle]struct{}, len(handles))
		for _, h := range handles {
			if !h.Valid() {
				t.Error("expected a valid handle")
				continue
			}
			if _, ok := seen[h]; ok {
				t.Errorf("duplicate handle %v", h)
			}
			seen[h] = struct{}{}
		}

		if n := s.Len(); n != len(handles) {
			t.Errorf("live handles = %d, want %d", n, len(handles))
		}
	})

	t.Run("status_string", func(t *testing.T) {
		tests := map[Status]string{
			StatusOK:          "ok",
			StatusError:       "error(-1)",
			StatusPassthrough: "passthrough(1)",
		}
		for status, want := range tests {
			if got := status.String(); got != want {
				t.Errorf("String() = %q, want %q", got, want)
			}
		}
	})
}
