package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hectorm/keybridge/internal/utils/env"
)

type Config struct {
	User           string
	KeyStrategy    string
	PrivateKeyFile string
	PublicKeyFile  string
	PrivateKey     string
	PublicKey      string
	Passphrase     string
	PassphraseFile string
	WatchKeys      bool
	Remote         string
	Host           string
	KnownHostsFile string
	HostKeyPolicy  string
	Timeout        time.Duration
	LogLevel       string
	ShowVersion    bool
}

var (
	Version    = "dev"
	Author     = "H\u00E9ctor Molinero Fern\u00E1ndez <hector@molinero.dev>"
	License    = "EUPL-v1.2-or-later, https://interoperable-europe.ec.europa.eu/collection/eupl"
	Repository = "https://github.com/hectorm/keybridge"
)

var ErrNoTarget = errors.New("either a remote or a host is required")

func NewConfig() *Config {
	config, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if config.ShowVersion {
		fmt.Print(VersionString())
		os.Exit(0)
	}

	slog.SetDefault(config.Logger(os.Stderr))

	return config
}

// Parse reads the configuration from args, taking defaults from the
// environment.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	config := &Config{}

	fs.StringVar(
		&config.User,
		"user",
		env.StringEnv("git", "KEYBRIDGE_USER"),
		"SSH username (env KEYBRIDGE_USER)",
	)

	fs.StringVar(
		&config.KeyStrategy,
		"key-strategy",
		env.StringEnv("file", "KEYBRIDGE_KEY_STRATEGY"),
		"key strategy: file, memory (env KEYBRIDGE_KEY_STRATEGY)",
	)

	fs.StringVar(
		&config.PrivateKeyFile,
		"private-key-file",
		env.StringEnv("", "KEYBRIDGE_PRIVATE_KEY_FILE"),
		"path to the private key; read into memory with the memory strategy (env KEYBRIDGE_PRIVATE_KEY_FILE)",
	)

	fs.StringVar(
		&config.PublicKeyFile,
		"public-key-file",
		env.StringEnv("", "KEYBRIDGE_PUBLIC_KEY_FILE"),
		"path to the public key; defaults to the private key path with a .pub suffix (env KEYBRIDGE_PUBLIC_KEY_FILE)",
	)

	fs.StringVar(
		&config.PrivateKey,
		"private-key",
		env.StringEnv("", "KEYBRIDGE_PRIVATE_KEY"),
		"private key content for the memory strategy (env KEYBRIDGE_PRIVATE_KEY)",
	)

	fs.StringVar(
		&config.PublicKey,
		"public-key",
		env.StringEnv("", "KEYBRIDGE_PUBLIC_KEY"),
		"public key content for the memory strategy; optional (env KEYBRIDGE_PUBLIC_KEY)",
	)

	fs.StringVar(
		&config.Passphrase,
		"passphrase",
		env.StringEnv("", "KEYBRIDGE_PASSPHRASE"),
		"passphrase for the private key (env KEYBRIDGE_PASSPHRASE)",
	)

	fs.StringVar(
		&config.PassphraseFile,
		"passphrase-file",
		env.StringEnv("", "KEYBRIDGE_PASSPHRASE_FILE"),
		"path to the file containing the private key passphrase (env KEYBRIDGE_PASSPHRASE_FILE)",
	)

	fs.BoolVar(
		&config.WatchKeys,
		"watch-keys",
		env.BoolEnv(true, "KEYBRIDGE_WATCH_KEYS"),
		"cache parsed key files and reload them when they change (env KEYBRIDGE_WATCH_KEYS)",
	)

	fs.StringVar(
		&config.Remote,
		"remote",
		env.StringEnv("", "KEYBRIDGE_REMOTE"),
		"git remote URL to list references from (env KEYBRIDGE_REMOTE)",
	)

	fs.StringVar(
		&config.Host,
		"host",
		env.StringEnv("", "KEYBRIDGE_HOST"),
		"SSH server address (host:port) to authenticate against (env KEYBRIDGE_HOST)",
	)

	fs.StringVar(
		&config.KnownHostsFile,
		"known-hosts-file",
		env.StringEnv(defaultKnownHostsFile(), "KEYBRIDGE_KNOWN_HOSTS_FILE"),
		"path to the known hosts file (env KEYBRIDGE_KNOWN_HOSTS_FILE)",
	)

	fs.StringVar(
		&config.HostKeyPolicy,
		"host-key-policy",
		env.StringEnv("strict", "KEYBRIDGE_HOST_KEY_POLICY"),
		"policy for host keys: strict (require a known hosts entry), ignore (accept any key) (env KEYBRIDGE_HOST_KEY_POLICY)",
	)

	fs.DurationVar(
		&config.Timeout,
		"timeout",
		env.DurationEnv(10*time.Second, "KEYBRIDGE_TIMEOUT"),
		"timeout for dialing and the SSH handshake (env KEYBRIDGE_TIMEOUT)",
	)

	fs.StringVar(
		&config.LogLevel,
		"log-level",
		env.StringEnv("info", "KEYBRIDGE_LOG_LEVEL"),
		"log level: debug, info, warn, error, quiet (env KEYBRIDGE_LOG_LEVEL)",
	)

	fs.BoolVar(
		&config.ShowVersion,
		"version",
		false,
		"show version and exit",
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if config.ShowVersion {
		return config, nil
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "quiet":
		// ok
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	switch c.KeyStrategy {
	case "file":
		if c.PrivateKeyFile == "" {
			return errors.New("file strategy requires a private key file")
		}
		if c.PublicKeyFile == "" {
			c.PublicKeyFile = c.PrivateKeyFile + ".pub"
		}
	case "memory":
		if c.PrivateKey != "" && c.PrivateKeyFile != "" {
			return errors.New("cannot specify both private key and private key file")
		}
	default:
		return fmt.Errorf("invalid key strategy: %s", c.KeyStrategy)
	}

	switch c.HostKeyPolicy {
	case "strict", "ignore":
		// ok
	default:
		return fmt.Errorf("invalid host key policy: %s", c.HostKeyPolicy)
	}

	if c.Remote == "" && c.Host == "" {
		return ErrNoTarget
	}

	return nil
}

func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "quiet":
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func VersionString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Keybridge %s\n", Version)
	fmt.Fprintf(&sb, "Author: %s\n", Author)
	fmt.Fprintf(&sb, "License: %s\n", License)
	fmt.Fprintf(&sb, "Repository: %s\n", Repository)
	return sb.String()
}

func defaultKnownHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func ResolveSecret(value, filePath, name string) (string, error) {
	if value != "" && filePath != "" {
		return "", fmt.Errorf("cannot specify both %s and %s file", name, name)
	}
	if filePath != "" {
		data, err := os.ReadFile(filepath.Clean(filePath))
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", name, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return value, nil
}
