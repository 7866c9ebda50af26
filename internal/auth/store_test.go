package auth

import (
	"testing"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/infra/config"
)

func TestFind(t *testing.T) {
	s := NewStore([]config.CredentialConfig{
		{Scheme: "ftp", Host: "FTP.example.com", User: "alice", Password: "a"},
		{Scheme: "sftp", Host: "ssh.example.com", User: "bob", Password: "b"},
		{Scheme: "sftp", Host: "ssh.example.com", User: "carol", Password: "c"},
		{Scheme: "http", Host: "web.example.com", User: "dave", Password: "d"},
	})

	if c, ok := s.Find("ftp", "ftp.example.com", ""); !ok || c.User != "alice" {
		t.Errorf("expected alice, got %+v ok=%v", c, ok)
	}
	if c, ok := s.Find("sftp", "ssh.example.com", "carol"); !ok || c.Password != "c" {
		t.Errorf("expected carol, got %+v ok=%v", c, ok)
	}
	if _, ok := s.Find("sftp", "ssh.example.com", "eve"); ok {
		t.Error("eve has no credential")
	}
	if _, ok := s.Find("ftp", "ssh.example.com", ""); ok {
		t.Error("scheme must match")
	}
	if c, ok := s.Find("https", "web.example.com", ""); !ok || c.User != "dave" {
		t.Errorf("https should fall back to http entries, got %+v", c)
	}
}

func TestPutReplaces(t *testing.T) {
	s := NewStore(nil)
	s.Put(domain.Credential{Scheme: "ftp", Host: "h", User: "u", Password: "old"})
	s.Put(domain.Credential{Scheme: "FTP", Host: "H", User: "u", Password: "new"})

	c, ok := s.Find("ftp", "h", "u")
	if !ok || c.Password != "new" {
		t.Errorf("expected replaced credential, got %+v", c)
	}
}
