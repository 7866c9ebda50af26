package netpolicy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/datallboy/gowish/internal/infra/config"
)

type proxyRule struct {
	pattern string
	proxy   *url.URL
}

// ProxySelector picks a proxy per host. Rules are tried in configuration
// order; the first match wins. No match means a direct connection.
type ProxySelector struct {
	rules []proxyRule
}

// NewProxySelector validates rules. Supported proxy schemes are http, https
// and socks5.
func NewProxySelector(rules []config.ProxyConfig) (*ProxySelector, error) {
	ps := &ProxySelector{}
	for _, r := range rules {
		u, err := url.Parse(r.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", r.URL, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
		ps.rules = append(ps.rules, proxyRule{pattern: normalize(r.Host), proxy: u})
	}
	return ps, nil
}

// Select returns the proxy for host, or nil for a direct connection.
func (ps *ProxySelector) Select(host string) *url.URL {
	if ps == nil {
		return nil
	}
	host = normalize(host)
	for _, r := range ps.rules {
		if matchHost(r.pattern, host) {
			return r.proxy
		}
	}
	return nil
}

func matchHost(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:]
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	default:
		return pattern == host
	}
}
