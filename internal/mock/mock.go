package mock

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// Server is an in-process SSH server that accepts public key authentication
// and answers a handful of exec commands. It backs handshake tests.
type Server struct {
	sshServerConfig   *ssh.ServerConfig
	signer            ssh.Signer
	publicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)
	address           string
	listener          net.Listener
	connMap           sync.Map
	authAttempts      atomic.Int64
	ctx               context.Context
	cancel            context.CancelFunc
	done              chan struct{}
	wg                sync.WaitGroup
}

type Option func(*Server) error

func NewServer(opts ...Option) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(srv); err != nil {
			cancel()
			return nil, err
		}
	}

	if srv.publicKeyCallback == nil {
		srv.publicKeyCallback = AlwaysAllowPublicKey
	}

	if srv.signer == nil {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			cancel()
			return nil, err
		}
		signer, err := ssh.NewSignerFromKey(privateKey)
		if err != nil {
			cancel()
			return nil, err
		}
		srv.signer = signer
	}

	srv.sshServerConfig = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			srv.authAttempts.Add(1)
			return srv.publicKeyCallback(conn, key)
		},
		MaxAuthTries: 6,
	}
	srv.sshServerConfig.AddHostKey(srv.signer)

	return srv, nil
}

func WithPublicKeyCallback(callback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)) Option {
	return func(srv *Server) error {
		srv.publicKeyCallback = callback
		return nil
	}
}

// WithAuthorizedKey only admits the given user with the given key.
func WithAuthorizedKey(user string, key ssh.PublicKey) Option {
	return func(srv *Server) error {
		want := key.Marshal()
		srv.publicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != user || !bytes.Equal(key.Marshal(), want) {
				return nil, fmt.Errorf("unknown public key for %q", conn.User())
			}
			return &ssh.Permissions{
				Extensions: map[string]string{"fingerprint": ssh.FingerprintSHA256(key)},
			}, nil
		}
		return nil
	}
}

// WithAddress listens on addr instead of a random loopback port.
func WithAddress(addr string) Option {
	return func(srv *Server) error {
		srv.address = addr
		return nil
	}
}

func WithSigner(signer ssh.Signer) Option {
	return func(srv *Server) error {
		srv.signer = signer
		return nil
	}
}

func (srv *Server) Start() error {
	slog.Info("starting server")

	var err error
	if srv.address != "" {
		if srv.listener, err = net.Listen("tcp", srv.address); err != nil {
			return err
		}
	} else if srv.listener, err = net.Listen("tcp", "[::1]:0"); err != nil {
		if srv.listener, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
			return err
		}
	}

	slog.Info("listening", "address", srv.Address())

	go func() {
		for {
			select {
			case <-srv.ctx.Done():
				return
			default:
			}

			conn, err := srv.listener.Accept()
			if err != nil {
				select {
				case <-srv.ctx.Done():
					return
				default:
					slog.Error("failed to accept incoming connection", "error", err)
					continue
				}
			}

			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				if err := srv.handleConnection(conn); err != nil {
					slog.Error("connection error", "remote_addr", conn.RemoteAddr(), "error", err)
				}
			}()
		}
	}()

	return nil
}

func (srv *Server) Stop() error {
	slog.Info("stopping server")

	srv.cancel()

	if srv.listener != nil {
		if err := srv.listener.Close(); err != nil {
			return err
		}
	}

	srv.connMap.Range(func(key, value any) bool {
		if conn, ok := key.(net.Conn); ok {
			_ = conn.Close()
			srv.connMap.Delete(conn)
		}
		return true
	})

	done := make(chan struct{}, 1)
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all connections closed gracefully")
	case <-time.After(10 * time.Second):
		slog.Warn("shutdown timeout, some connections may have been forcefully closed")
	}

	close(srv.done)
	return nil
}

func (srv *Server) Address() *net.TCPAddr {
	if srv.listener != nil {
		addr := srv.listener.Addr()
		if addr, ok := addr.(*net.TCPAddr); ok {
			return addr
		}
	}
	return &net.TCPAddr{}
}

func (srv *Server) Signer() ssh.Signer {
	return srv.signer
}

// AuthAttempts counts public keys offered to the server so far.
func (srv *Server) AuthAttempts() int64 {
	return srv.authAttempts.Load()
}

func (srv *Server) Done() <-chan struct{} {
	return srv.done
}

func (srv *Server) handleConnection(tcpConn net.Conn) error {
	srv.connMap.Store(tcpConn, struct{}{})
	defer func() {
		if _, loaded := srv.connMap.LoadAndDelete(tcpConn); loaded {
			_ = tcpConn.Close()
		}
	}()

	sshConn, channels, requests, err := ssh.NewServerConn(tcpConn, srv.sshServerConfig)
	if err != nil {
		if _, ok := err.(*ssh.ServerAuthError); !ok {
			return err
		}
		return nil
	}
	defer func() { _ = sshConn.Close() }()

	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		newChannel := newChannel
		if newChannel.ChannelType() != "session" {
			slog.Warn("unsupported channel type", "type", newChannel.ChannelType())
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go func() {
			if err := srv.handleSession(newChannel, sshConn); err != nil {
				slog.Error("session error", "error", err)
			}
		}()
	}

	return nil
}

func (srv *Server) handleSession(newChannel ssh.NewChannel, sshConn *ssh.ServerConn) error {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		return err
	}
	defer func() { _ = channel.Close() }()

	for req := range requests {
		ok := false
		switch req.Type {
		case "exec":
			var payload struct {
				Command string
			}
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				slog.Error("failed to parse exec payload", "error", err)
				break
			}
			go func() {
				time.Sleep(5 * time.Millisecond)
				_ = srv.handleSessionExec(channel, payload.Command, sshConn)
			}()
			ok = true
		default:
			slog.Warn("unsupported request type", "type", req.Type)
		}
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}

	return nil
}

func (srv *Server) handleSessionExec(channel ssh.Channel, command string, sshConn *ssh.ServerConn) error {
	defer func() { _ = channel.Close() }()

	exitStatus := ExecCommand(command, sshConn, channel)
	_, err := channel.SendRequest("exit-status", false, ssh.Marshal(struct{ ExitStatus uint32 }{uint32(exitStatus)}))

	return err
}

func AlwaysAllowPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	return &ssh.Permissions{}, nil
}

func AlwaysDenyPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	return nil, fmt.Errorf("authentication denied")
}

func ExecCommand(command string, sshConn *ssh.ServerConn, wri io.Writer) uint8 {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return 0
	}

	switch argv[0] {
	case "echo":
		_, _ = wri.Write([]byte(strings.Join(argv[1:], " ") + "\n"))
	case "whoami":
		_, _ = fmt.Fprintf(wri, "%s\n", sshConn.User())
	case "fingerprint":
		if sshConn.Permissions != nil {
			_, _ = fmt.Fprintf(wri, "%s\n", sshConn.Permissions.Extensions["fingerprint"])
		}
	case "exit":
		if len(argv) > 1 {
			if n, err := strconv.Atoi(argv[1]); err == nil && n >= 0 && n <= 255 {
				return uint8(n)
			}
			return 1
		}
	default:
		_, _ = fmt.Fprintf(wri, "mock: %s: command not found\n", argv[0])
		return 127
	}
	return 0
}
