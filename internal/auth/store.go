// Package auth resolves stored credentials for a scheme and host.
package auth

import (
	"strings"
	"sync"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/infra/config"
)

// Store is an in-memory credential store seeded from configuration.
// Secrets at rest are the caller's concern.
type Store struct {
	mu    sync.RWMutex
	creds []domain.Credential
}

func NewStore(entries []config.CredentialConfig) *Store {
	s := &Store{}
	for _, e := range entries {
		s.Put(domain.Credential{
			Scheme:     e.Scheme,
			Host:       e.Host,
			User:       e.User,
			Password:   e.Password,
			PrivateKey: e.PrivateKey,
		})
	}
	return s
}

// Put adds or replaces the credential for (scheme, host, user).
func (s *Store) Put(c domain.Credential) {
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, old := range s.creds {
		if old.Scheme == c.Scheme && old.Host == c.Host && old.User == c.User {
			s.creds[i] = c
			return
		}
	}
	s.creds = append(s.creds, c)
}

// Find returns the credential matching scheme and host. An empty user matches
// the first credential for the host. "https" falls back to "http" entries and
// vice versa.
func (s *Store) Find(scheme, host, user string) (domain.Credential, bool) {
	scheme = strings.ToLower(scheme)
	host = strings.ToLower(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.creds {
		if c.Host != host || !sameFamily(c.Scheme, scheme) {
			continue
		}
		if user == "" || c.User == user {
			return c, true
		}
	}
	return domain.Credential{}, false
}

func sameFamily(a, b string) bool {
	if a == b {
		return true
	}
	web := func(s string) bool { return s == "http" || s == "https" }
	return web(a) && web(b)
}
