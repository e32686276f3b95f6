package mock

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func setupServer(t testing.TB, opts ...Option) (*Server, error) {
	t.Helper()

	srv, err := NewServer(opts...)
	if err != nil {
		return nil, err
	}

	if err := srv.Start(); err != nil {
		return nil, err
	}

	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop server: %v", err)
		}
	})

	return srv, nil
}

func setupClient(t testing.TB, user string) (*ssh.ClientConfig, ssh.PublicKey, error) {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	cli := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106
		Timeout:         5 * time.Second,
	}

	return cli, signer.PublicKey(), nil
}

func runCommand(t testing.TB, cli *ssh.ClientConfig, srv *Server, command string) (string, error) {
	t.Helper()

	conn, err := ssh.Dial("tcp", srv.Address().String(), cli)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	session, err := conn.NewSession()
	if err != nil {
		return "", err
	}
	defer func() { _ = session.Close() }()

	output, err := session.Output(command)
	return string(output), err
}

func TestMockSSHServer(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	cli, publicKey, err := setupClient(t, "git")
	if err != nil {
		t.Errorf("failed to setup client: %v", err)
		return
	}

	t.Run("connect", func(t *testing.T) {
		srv, err := setupServer(t, WithPublicKeyCallback(AlwaysAllowPublicKey))
		if err != nil {
			t.Errorf("failed to setup server: %v", err)
			return
		}

		if output, err := runCommand(t, cli, srv, "echo Hello, World!"); err != nil {
			t.Errorf("failed to execute command: %v", err)
			return
		} else if output != "Hello, World!\n" {
			t.Errorf("unexpected output: got %q, want %q", output, "Hello, World!\n")
		}
	})

	t.Run("deny_authentication", func(t *testing.T) {
		srv, err := setupServer(t, WithPublicKeyCallback(AlwaysDenyPublicKey))
		if err != nil {
			t.Errorf("failed to setup server: %v", err)
			return
		}

		if _, err := ssh.Dial("tcp", srv.Address().String(), cli); err == nil {
			t.Error("expected authentication to fail, but it succeeded")
			return
		} else if !strings.Contains(err.Error(), "unable to authenticate") {
			t.Errorf("expected authentication error, got: %v", err)
			return
		}

		if attempts := srv.AuthAttempts(); attempts == 0 {
			t.Error("expected at least one authentication attempt to be counted")
		}
	})

	t.Run("authorized_key", func(t *testing.T) {
		srv, err := setupServer(t, WithAuthorizedKey("git", publicKey))
		if err != nil {
			t.Errorf("failed to setup server: %v", err)
			return
		}

		if output, err := runCommand(t, cli, srv, "whoami"); err != nil {
			t.Errorf("failed to execute command: %v", err)
			return
		} else if output != "git\n" {
			t.Errorf("unexpected output: got %q, want %q", output, "git\n")
		}

		want := ssh.FingerprintSHA256(publicKey) + "\n"
		if output, err := runCommand(t, cli, srv, "fingerprint"); err != nil {
			t.Errorf("failed to execute command: %v", err)
			return
		} else if output != want {
			t.Errorf("unexpected output: got %q, want %q", output, want)
		}
	})

	t.Run("authorized_key_wrong_user", func(t *testing.T) {
		srv, err := setupServer(t, WithAuthorizedKey("alice", publicKey))
		if err != nil {
			t.Errorf("failed to setup server: %v", err)
			return
		}

		if _, err := ssh.Dial("tcp", srv.Address().String(), cli); err == nil {
			t.Error("expected authentication to fail, but it succeeded")
		}
	})

	t.Run("exit_status", func(t *testing.T) {
		srv, err := setupServer(t)
		if err != nil {
			t.Errorf("failed to setup server: %v", err)
			return
		}

		_, err = runCommand(t, cli, srv, "exit 3")
		exitErr, ok := err.(*ssh.ExitError)
		if !ok {
			t.Errorf("expected *ssh.ExitError, got %v", err)
			return
		}
		if exitErr.ExitStatus() != 3 {
			t.Errorf("exit status = %d, want %d", exitErr.ExitStatus(), 3)
		}
	})

	t.Run("unsupported_channel", func(t *testing.T) {
		srv, err := setupServer(t)
		if err != nil {
			t.Errorf("failed to setup server: %v", err)
			return
		}

		conn, err := ssh.Dial("tcp", srv.Address().String(), cli)
		if err != nil {
			t.Errorf("failed to connect to server: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		if _, _, err := conn.OpenChannel("unsupported", nil); err == nil {
			t.Error("expected unsupported channel to fail, but it succeeded")
		}
	})
}
