// Package fetch contains the protocol downloaders. Each handler turns one
// Order into one Delivery and never returns an error past that boundary.
package fetch

import (
	"context"
	"net/url"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/infra/config"
	"github.com/datallboy/gowish/internal/infra/logger"
	"github.com/datallboy/gowish/internal/task"
)

// Handler retrieves orders for a set of URL schemes.
type Handler interface {
	Schemes() []string
	Fetch(t *task.Task, order domain.Order) domain.Delivery
}

// Ancestry is the durable file -> origin host ledger.
type Ancestry interface {
	RecordAncestry(ctx context.Context, path, host string) error
	AncestryHost(ctx context.Context, path string) (string, bool, error)
	ForgetAncestry(ctx context.Context, path string) error
}

// Credentials looks up a stored credential. user may be empty.
type Credentials interface {
	Find(scheme, host, user string) (domain.Credential, bool)
}

// ProxySelector returns the proxy for host, or nil for a direct connection.
type ProxySelector interface {
	Select(host string) *url.URL
}

var discard = logger.Discard()

// HostPolicy reports hosts that must never be contacted.
type HostPolicy interface {
	IsEvil(host string) bool
}

// Env bundles the collaborators and settings shared by all handlers.
type Env struct {
	Config      config.DownloadConfig
	Logger      *logger.Logger
	Ancestry    Ancestry
	Credentials Credentials
	Proxies     ProxySelector
	Blocklist   HostPolicy

	// FreeSpace reports available bytes on the volume holding dir.
	FreeSpace func(dir string) (uint64, error)
}

// log must not mutate e: workers share one Env.
func (e *Env) log() *logger.Logger {
	if e.Logger == nil {
		return discard
	}
	return e.Logger
}

// Blocked reports whether host is on the blocklist.
func (e *Env) Blocked(host string) bool {
	return e.Blocklist != nil && e.Blocklist.IsEvil(host)
}

func (e *Env) bufferSize() int {
	if e.Config.BufferSize > 0 {
		return e.Config.BufferSize
	}
	return 32 * 1024
}

func (e *Env) findCredential(scheme, host, user string) (domain.Credential, bool) {
	if e.Credentials == nil {
		return domain.Credential{}, false
	}
	return e.Credentials.Find(scheme, host, user)
}

func (e *Env) selectProxy(host string) *url.URL {
	if e.Proxies == nil {
		return nil
	}
	return e.Proxies.Select(host)
}

// hasSpace reports whether need bytes fit into dir. Probe failures are
// treated as enough space.
func (e *Env) hasSpace(dir string, need int64) bool {
	if need <= 0 {
		return true
	}
	probe := e.FreeSpace
	if probe == nil {
		probe = FreeSpace
	}
	free, err := probe(dir)
	if err != nil {
		e.log().Debug("free space probe failed for %s: %v", dir, err)
		return true
	}
	return uint64(need) <= free
}
