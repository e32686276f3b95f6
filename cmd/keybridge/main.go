package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hectorm/keybridge/internal/config"
	"github.com/hectorm/keybridge/internal/credential"
	"github.com/hectorm/keybridge/internal/gitauth"
	"github.com/hectorm/keybridge/internal/native"
	"github.com/hectorm/keybridge/internal/transport"
	"github.com/hectorm/keybridge/internal/utils/disk"
)

func main() {
	cfg := config.NewConfig()

	if err := run(cfg); err != nil {
		slog.Error("failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var opts []native.Option
	if !cfg.WatchKeys {
		opts = append(opts, native.WithoutKeyWatcher())
	}

	subsystem, err := native.NewSubsystem(opts...)
	if err != nil {
		return fmt.Errorf("create subsystem: %w", err)
	}
	defer func() {
		if err := subsystem.Close(); err != nil {
			slog.Warn("failed to close subsystem", "error", err)
		}
	}()

	cred, err := newCredential(cfg, subsystem)
	if err != nil {
		return err
	}

	hostKeyCallback, err := newHostKeyCallback(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Host != "" {
		if err := checkHost(ctx, cfg, subsystem, cred, hostKeyCallback); err != nil {
			return err
		}
	}

	if cfg.Remote != "" {
		if err := listRemote(ctx, cfg, subsystem, cred, hostKeyCallback); err != nil {
			return err
		}
	}

	return nil
}

func newCredential(cfg *config.Config, subsystem *native.Subsystem) (credential.Credential, error) {
	passphrase, err := config.ResolveSecret(cfg.Passphrase, cfg.PassphraseFile, "passphrase")
	if err != nil {
		return nil, err
	}

	switch cfg.KeyStrategy {
	case "file":
		return &credential.FileKeyCredential{
			Username:   credential.String(cfg.User),
			PublicKey:  credential.String(cfg.PublicKeyFile),
			PrivateKey: credential.String(cfg.PrivateKeyFile),
			Passphrase: credential.String(passphrase),
			Bridge:     subsystem,
		}, nil
	case "memory":
		privateKey := cfg.PrivateKey
		if cfg.PrivateKeyFile != "" {
			data, err := disk.ReadFile(cfg.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("read private key file: %w", err)
			}
			privateKey = string(data)
		}

		var publicKey *string
		if cfg.PublicKey != "" {
			publicKey = credential.String(cfg.PublicKey)
		}

		return &credential.InMemoryKeyCredential{
			Username:   credential.String(cfg.User),
			PublicKey:  publicKey,
			PrivateKey: credential.String(privateKey),
			Passphrase: credential.String(passphrase),
			Bridge:     subsystem,
		}, nil
	default:
		return nil, fmt.Errorf("invalid key strategy: %s", cfg.KeyStrategy)
	}
}

func newHostKeyCallback(cfg *config.Config) (ssh.HostKeyCallback, error) {
	if cfg.HostKeyPolicy == "ignore" {
		slog.Warn("host key verification is disabled")
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106
	}

	callback, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return callback, nil
}

func checkHost(ctx context.Context, cfg *config.Config, subsystem *native.Subsystem, cred credential.Credential, hostKeyCallback ssh.HostKeyCallback) error {
	dialer, err := transport.NewDialer(subsystem, hostKeyCallback, cfg.Timeout)
	if err != nil {
		return err
	}

	client, err := dialer.Dial(ctx, "tcp", cfg.Host, cred)
	if err != nil {
		return fmt.Errorf("authenticate to %s: %w", cfg.Host, err)
	}
	defer func() { _ = client.Close() }()

	slog.Info("authenticated", "host", cfg.Host, "user", client.User(), "server_version", string(client.ServerVersion()))
	fmt.Printf("authenticated to %s as %s\n", cfg.Host, client.User())

	return nil
}

func listRemote(ctx context.Context, cfg *config.Config, subsystem *native.Subsystem, cred credential.Credential, hostKeyCallback ssh.HostKeyCallback) error {
	auth := &gitauth.PublicKeys{
		Credential: cred,
		Subsystem:  subsystem,
		HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
			HostKeyCallback: hostKeyCallback,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	refs, err := gitauth.ListRemote(ctx, cfg.Remote, auth)
	if err != nil {
		return fmt.Errorf("list %s: %w", cfg.Remote, err)
	}

	slog.Debug("listed remote", "remote", cfg.Remote, "refs", len(refs))
	for _, ref := range refs {
		fmt.Println(ref.String())
	}

	return nil
}
