package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/ssh"

	"github.com/hectorm/keybridge/internal/mock"
	"github.com/hectorm/keybridge/internal/utils/env"
)

func main() {
	listen := flag.String("listen", env.StringEnv("localhost:2222", "MOCK_LISTEN"), "address for the SSH server (env MOCK_LISTEN)")
	user := flag.String("user", env.StringEnv("git", "MOCK_USER"), "user admitted with the authorized key (env MOCK_USER)")
	authorizedKeyFile := flag.String("authorized-key-file", env.StringEnv("", "MOCK_AUTHORIZED_KEY_FILE"), "public key admitted for the user; any key is admitted if empty (env MOCK_AUTHORIZED_KEY_FILE)")
	flag.Parse()

	opts := []mock.Option{mock.WithAddress(*listen)}
	if *authorizedKeyFile != "" {
		key, err := readAuthorizedKey(*authorizedKeyFile)
		if err != nil {
			slog.Error("failed to read authorized key", "error", err)
			os.Exit(1)
		}
		opts = append(opts, mock.WithAuthorizedKey(*user, key))
	}

	srv, err := mock.NewServer(opts...)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	err = srv.Start()
	if err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s %s", srv.Address(), ssh.MarshalAuthorizedKey(srv.Signer().PublicKey()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	if err := srv.Stop(); err != nil {
		slog.Error("failed to stop server", "error", err)
		os.Exit(1)
	}
}

func readAuthorizedKey(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	return key, err
}
