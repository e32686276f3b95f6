package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/hectorm/keybridge/internal/credential"
	"github.com/hectorm/keybridge/internal/native"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNoCredential      = errors.New("no credential was accepted")
	ErrAcquireCredential = errors.New("failed to acquire credential")
	ErrRejected          = errors.New("credential rejected by server")
	ErrNoHostKeyCallback = errors.New("host key callback is required")
)

// Dialer authenticates SSH connections with the first credential that both
// produces key material and is accepted by the server. Credentials must use
// the same subsystem as the Dialer.
type Dialer struct {
	subsystem       *native.Subsystem
	hostKeyCallback ssh.HostKeyCallback
	timeout         time.Duration
}

func NewDialer(subsystem *native.Subsystem, hostKeyCallback ssh.HostKeyCallback, timeout time.Duration) (*Dialer, error) {
	if hostKeyCallback == nil {
		return nil, ErrNoHostKeyCallback
	}
	if subsystem == nil {
		subsystem = native.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Dialer{
		subsystem:       subsystem,
		hostKeyCallback: hostKeyCallback,
		timeout:         timeout,
	}, nil
}

func (d *Dialer) Dial(ctx context.Context, network, addr string, creds ...credential.Credential) (*ssh.Client, error) {
	var lastErr error

	for i, cred := range creds {
		res, err := cred.Acquire()
		if err != nil {
			return nil, err
		}

		switch {
		case res.NoCredential():
			slog.Debug("credential does not apply", "index", i, "status", res.Status())
			continue
		case res.Failed():
			return nil, fmt.Errorf("%w: %w", ErrAcquireCredential, res.Err())
		}

		handle, ok := res.Handle()
		if !ok {
			return nil, fmt.Errorf("%w: %w", ErrAcquireCredential, native.ErrInvalidHandle)
		}

		client, err := d.dialWithHandle(ctx, network, addr, handle)
		if err == nil {
			slog.Debug("authenticated", "addr", addr, "index", i)
			return client, nil
		}
		if !errors.Is(err, ErrRejected) {
			return nil, err
		}

		slog.Debug("credential rejected", "addr", addr, "index", i, "error", err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCredential, lastErr)
	}
	return nil, ErrNoCredential
}

func (d *Dialer) dialWithHandle(ctx context.Context, network, addr string, handle native.Handle) (*ssh.Client, error) {
	user, auth, err := d.subsystem.Resolve(handle)
	d.subsystem.Free(handle)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	netDialer := &net.Dialer{}
	conn, err := netDialer.DialContext(ctx, network, addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return nil, err
	}

	if !stop() {
		_ = sshConn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}
