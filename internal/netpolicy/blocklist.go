// Package netpolicy holds the per-host network policies the engine consults
// before dialing: the blocklist and proxy selection.
package netpolicy

import (
	"strings"
	"sync"
)

// Blocklist answers whether a host is known to be evil. A listed domain also
// blocks all of its subdomains.
type Blocklist struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

func NewBlocklist(hosts ...string) *Blocklist {
	b := &Blocklist{hosts: make(map[string]struct{})}
	for _, h := range hosts {
		b.Add(h)
	}
	return b
}

// Add blocks host and its subdomains.
func (b *Blocklist) Add(host string) {
	host = normalize(host)
	if host == "" {
		return
	}
	b.mu.Lock()
	b.hosts[host] = struct{}{}
	b.mu.Unlock()
}

// IsEvil reports whether host or one of its parent domains is listed.
func (b *Blocklist) IsEvil(host string) bool {
	host = normalize(host)
	if host == "" {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for {
		if _, ok := b.hosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}

func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hosts)
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
