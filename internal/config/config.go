// Package config holds the per-user settings file and the resolved client
// options.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"ttun/internal/tunnel"
)

// ErrNoHostname is returned when neither the settings file nor the command
// line names a tunnel server.
var ErrNoHostname = errors.New("no tunnel server hostname configured")

// Settings is the YAML settings file.
type Settings struct {
	Hostname string `yaml:"hostname"`
	UsingSSL bool   `yaml:"using_ssl"`
}

func DefaultSettings() Settings {
	return Settings{UsingSSL: true}
}

// DefaultPath returns $XDG_CONFIG_HOME/ttun/config.yaml or the platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ttun", "config.yaml")
}

// Load reads path. A missing file yields DefaultSettings and is written out
// so the user has something to edit.
func Load(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, s); err != nil {
			return s, err
		}
		return s, nil
	case err != nil:
		return s, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return s, nil
}

// Save writes s to path atomically.
func Save(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// ServerURL is the default tunnel server derived from the settings.
func (s Settings) ServerURL() (string, error) {
	host := strings.TrimSpace(s.Hostname)
	if host == "" {
		return "", ErrNoHostname
	}
	if s.UsingSSL {
		return "wss://" + host, nil
	}
	return "ws://" + host, nil
}

// Options is the fully resolved command line.
type Options struct {
	Port        int
	Server      string
	Subdomain   string
	To          string
	HTTPS       bool
	Headers     tunnel.Headers
	InspectHost string
	InspectPort int
	LogStore    string
	LogLevel    slog.Level
	Reconnect   bool
}

// Log store backends.
const (
	LogStoreMemory = "memory"
	LogStoreSQLite = "sqlite"
)

// Origin is the local target as scheme://host:port.
func (o Options) Origin() string {
	scheme := "http"
	if o.HTTPS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(o.To, strconv.Itoa(o.Port))
}

func (o Options) Validate() error {
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("invalid local port %d", o.Port)
	}
	if o.Server == "" {
		return ErrNoHostname
	}
	if o.To == "" {
		return errors.New("local host must not be empty")
	}
	if o.InspectPort < 1 || o.InspectPort > 65535 {
		return fmt.Errorf("invalid inspect port %d", o.InspectPort)
	}
	switch o.LogStore {
	case LogStoreMemory, LogStoreSQLite:
	default:
		return fmt.Errorf("unknown log store %q: want %s or %s", o.LogStore, LogStoreMemory, LogStoreSQLite)
	}
	return nil
}

// ParsePort parses the positional local port argument.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid local port %q", s)
	}
	return p, nil
}

// ParseHeader parses "Name: value".
func ParseHeader(s string) (tunnel.Header, error) {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, " \t") {
		return tunnel.Header{}, fmt.Errorf("invalid header %q: want \"Name: value\"", s)
	}
	return tunnel.Header{Name: name, Value: strings.TrimSpace(value)}, nil
}

func ParseHeaders(ss []string) (tunnel.Headers, error) {
	out := make(tunnel.Headers, 0, len(ss))
	for _, s := range ss {
		h, err := ParseHeader(s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}
