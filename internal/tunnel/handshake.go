package tunnel

import (
	"encoding/json"
	"fmt"
)

// Hello is the first frame the client sends on a fresh control connection.
type Hello struct {
	Subdomain *string `json:"subdomain"`
	Version   string  `json:"version"`
}

// NewHello builds a Hello; an empty subdomain is sent as null.
func NewHello(subdomain, version string) Hello {
	h := Hello{Version: version}
	if subdomain != "" {
		h.Subdomain = &subdomain
	}
	return h
}

// Config is assigned by the server in answer to Hello and never changes.
type Config struct {
	URL string `json:"url"`
}

// DecodeConfig parses the server's handshake answer.
func DecodeConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: handshake: %v", ErrProtocol, err)
	}
	if c.URL == "" {
		return Config{}, fmt.Errorf("%w: handshake: missing url", ErrProtocol)
	}
	return c, nil
}
