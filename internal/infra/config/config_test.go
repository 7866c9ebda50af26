package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Download.OutDir != "./downloads" {
		t.Errorf("unexpected out_dir %q", cfg.Download.OutDir)
	}
	if cfg.Download.BufferSize != 32*1024 {
		t.Errorf("unexpected buffer size %d", cfg.Download.BufferSize)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("unexpected store driver %q", cfg.Store.Driver)
	}
	if cfg.Resolve.MaxDepth != 4 {
		t.Errorf("unexpected max depth %d", cfg.Resolve.MaxDepth)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
download:
  out_dir: /srv/downloads
  connect_timeout: 5s
  rate_limit: 1024
blocklist:
  - evil.example
credentials:
  - scheme: ftp
    host: ftp.example.com
    user: alice
    password: secret
proxies:
  - host: "*.internal"
    url: socks5://127.0.0.1:1080
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Download.OutDir != "/srv/downloads" {
		t.Errorf("unexpected out_dir %q", cfg.Download.OutDir)
	}
	if cfg.Download.ConnectTimeout != 5*time.Second {
		t.Errorf("unexpected connect timeout %s", cfg.Download.ConnectTimeout)
	}
	if cfg.Download.RateLimit != 1024 {
		t.Errorf("unexpected rate limit %d", cfg.Download.RateLimit)
	}
	if len(cfg.Blocklist) != 1 || cfg.Blocklist[0] != "evil.example" {
		t.Errorf("unexpected blocklist %v", cfg.Blocklist)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0].User != "alice" {
		t.Errorf("unexpected credentials %+v", cfg.Credentials)
	}
	if len(cfg.Proxies) != 1 || cfg.Proxies[0].URL != "socks5://127.0.0.1:1080" {
		t.Errorf("unexpected proxies %+v", cfg.Proxies)
	}
	// untouched defaults survive
	if cfg.Download.ReadTimeout != 60*time.Second {
		t.Errorf("unexpected read timeout %s", cfg.Download.ReadTimeout)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidateRejectsBadStore(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = ""
	if err := cfg.validate(); err == nil {
		t.Error("expected error for postgres without dsn")
	}

	cfg.Store.Driver = "mysql"
	if err := cfg.validate(); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := Default()
	cfg.Credentials = []CredentialConfig{{Scheme: "sftp"}}
	if err := cfg.validate(); err == nil {
		t.Error("expected error for credential without host")
	}
}
