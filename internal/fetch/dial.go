package fetch

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// dialer returns a dial function for host that goes through the configured
// proxy. SOCKS proxies are used directly; http and https proxies are
// tunnelled with CONNECT.
func (e *Env) dialer(host string) dialFunc {
	direct := &net.Dialer{Timeout: e.Config.ConnectTimeout, KeepAlive: 30 * time.Second}
	p := e.selectProxy(host)
	if p == nil {
		return direct.DialContext
	}

	switch p.Scheme {
	case "socks5", "socks5h":
		d, err := proxy.FromURL(p, direct)
		if err != nil {
			e.log().Warn("unusable proxy %s: %v; connecting directly", p.Redacted(), err)
			return direct.DialContext
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext
		}
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}
	default:
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return connectTunnel(ctx, direct, p, addr)
		}
	}
}

// connectTunnel opens a CONNECT tunnel to addr through an http(s) proxy.
func connectTunnel(ctx context.Context, d *net.Dialer, p *url.URL, addr string) (net.Conn, error) {
	proxyAddr := p.Host
	if p.Port() == "" {
		port := "80"
		if p.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(p.Hostname(), port)
	}

	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}
	if p.Scheme == "https" {
		conn = tls.Client(conn, &tls.Config{ServerName: p.Hostname()})
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := p.User; u != nil {
		pass, _ := u.Password()
		token := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy %s refused tunnel to %s: %s", p.Host, addr, resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
