package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttun", "config.yaml")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != DefaultSettings() {
		t.Errorf("settings = %+v", s)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	var onDisk Settings
	if err := yaml.Unmarshal(data, &onDisk); err != nil || onDisk != DefaultSettings() {
		t.Errorf("on disk = %+v, %v", onDisk, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestLoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("hostname: ttun.example.com\nusing_ssl: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Hostname != "ttun.example.com" || s.UsingSSL {
		t.Errorf("settings = %+v", s)
	}
	u, err := s.ServerURL()
	if err != nil || u != "ws://ttun.example.com" {
		t.Errorf("ServerURL = %q, %v", u, err)
	}

	if err := os.WriteFile(path, []byte("hostname: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestServerURL(t *testing.T) {
	if _, err := DefaultSettings().ServerURL(); !errors.Is(err, ErrNoHostname) {
		t.Errorf("err = %v", err)
	}
	u, _ := Settings{Hostname: "t.example.com", UsingSSL: true}.ServerURL()
	if u != "wss://t.example.com" {
		t.Errorf("url = %q", u)
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		in        string
		name, val string
		wantErr   bool
	}{
		{in: "X-Token: abc", name: "X-Token", val: "abc"},
		{in: "Authorization:Bearer a:b", name: "Authorization", val: "Bearer a:b"},
		{in: "X-Empty:", name: "X-Empty", val: ""},
		{in: "no colon", wantErr: true},
		{in: ": value", wantErr: true},
		{in: "Bad Name: v", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, err := ParseHeader(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (h.Name != tt.name || h.Value != tt.val) {
				t.Errorf("header = %+v", h)
			}
		})
	}

	hs, err := ParseHeaders([]string{"A: 1", "A: 2"})
	if err != nil || len(hs) != 2 || hs[1].Value != "2" {
		t.Errorf("ParseHeaders = %v, %v", hs, err)
	}
}

func TestOptions(t *testing.T) {
	o := Options{
		Port:        8000,
		Server:      "wss://t.example.com",
		To:          "127.0.0.1",
		InspectPort: 4040,
		LogStore:    LogStoreMemory,
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if o.Origin() != "http://127.0.0.1:8000" {
		t.Errorf("origin = %q", o.Origin())
	}
	o.HTTPS, o.To = true, "::1"
	if o.Origin() != "https://[::1]:8000" {
		t.Errorf("origin = %q", o.Origin())
	}

	bad := o
	bad.LogStore = "redis"
	if bad.Validate() == nil {
		t.Error("unknown log store accepted")
	}
	bad = o
	bad.Server = ""
	if !errors.Is(bad.Validate(), ErrNoHostname) {
		t.Error("missing server accepted")
	}
}

func TestParsePortAndLevel(t *testing.T) {
	if p, err := ParsePort("8080"); err != nil || p != 8080 {
		t.Errorf("ParsePort = %d, %v", p, err)
	}
	for _, s := range []string{"0", "70000", "http"} {
		if _, err := ParsePort(s); err == nil {
			t.Errorf("ParsePort(%q) accepted", s)
		}
	}
	if l, err := ParseLevel("debug"); err != nil || l != slog.LevelDebug {
		t.Errorf("ParseLevel = %v, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel accepted junk")
	}
}
