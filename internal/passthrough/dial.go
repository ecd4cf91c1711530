// Package passthrough dispatches a parsed Request to its upstream
// destination — direct or through a forward proxy, with DNS overrides,
// a per-upstream TLS trust pool, declarative/imperative transform
// hooks, and HTTP version translation — and relays the response back
// as a Response (spec.md §4.5).
//
// Grounded on the pack's odac-run-odac reverse proxy (custom
// net.Dialer + http.Transport tuning, ModifyResponse-style response
// hooks) generalized to hand-rolled wire I/O so the raw header order
// invariant internal/httpwire guarantees survives the round trip — a
// net/http.Transport would re-canonicalize headers and silently defeat
// it, so dialing and the request/response write are done directly
// against the TCP/TLS connection instead of through net/http.
package passthrough

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/relaymock/relay/internal/rules"
)

// dialUpstream opens a plain TCP (or forward-proxied) connection to
// host:port, honoring opts.LookupOptions and opts.ProxyConfig.
func dialUpstream(ctx context.Context, host string, port int, opts rules.PassthroughOptions) (net.Conn, error) {
	if proxyAddr := selectProxy(host, port, opts.ProxyConfig); proxyAddr != "" {
		return dialViaHTTPProxy(ctx, proxyAddr, host, port)
	}

	ip, err := resolveHost(ctx, host, opts.LookupOptions)
	if err != nil {
		return nil, fmt.Errorf("passthrough: resolving %s: %w", host, err)
	}

	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
}

// resolveHost implements spec.md §4.5's DNS override: if
// LookupOptions.Servers is set, the first of them is queried with a
// timeout; on empty result or timeout, fall back to the system resolver
// when Fallback is set. The address is picked by happyEyeballs, which
// prefers IPv6.
func resolveHost(ctx context.Context, host string, opts rules.LookupOptions) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if len(opts.Servers) > 0 {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		resolver := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: timeout}
				return d.DialContext(ctx, network, opts.Servers[0])
			},
		}
		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ip, err := happyEyeballs(lookupCtx, resolver, host)
		if err == nil {
			return ip, nil
		}
		if !opts.Fallback {
			return "", err
		}
	}

	return happyEyeballs(ctx, net.DefaultResolver, host)
}

// happyEyeballsResult carries one address family's resolution outcome.
type happyEyeballsResult struct {
	ip  string
	err error
}

// happyEyeballs runs a single lookup for host and picks one address from
// it: the first IPv6 address at once, or, when the host has none, the
// first IPv4 address after a 250ms delay. It does not dial either
// address, so an unreachable IPv6 address is not replaced by IPv4.
func happyEyeballs(ctx context.Context, resolver *net.Resolver, host string) (string, error) {
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses found for %s", host)
	}

	var v4, v6 net.IP
	for _, a := range ips {
		if v4 == nil && a.IP.To4() != nil {
			v4 = a.IP
		}
		if v6 == nil && a.IP.To4() == nil {
			v6 = a.IP
		}
	}

	resultCh := make(chan happyEyeballsResult, 2)
	race := func(ip net.IP, delay time.Duration) {
		if ip == nil {
			return
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			resultCh <- happyEyeballsResult{err: ctx.Err()}
			return
		}
		resultCh <- happyEyeballsResult{ip: ip.String()}
	}

	attempts := 0
	if v6 != nil {
		attempts++
		go race(v6, 0)
	}
	if v4 != nil {
		attempts++
		go race(v4, 250*time.Millisecond)
	}
	if attempts == 0 {
		return "", fmt.Errorf("no usable addresses found for %s", host)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		res := <-resultCh
		if res.err == nil {
			return res.ip, nil
		}
		lastErr = res.err
	}
	return "", lastErr
}

// selectProxy returns the forward-proxy address to dial through for
// host:port, or "" for a direct connection — noProxy entries match by
// hostname suffix and, if a port is specified in the entry, by exact
// port too; an implicit port (80/443) is expanded before comparing.
func selectProxy(host string, port int, cfg rules.ProxyConfig) string {
	if cfg.ProxyURL == "" {
		return cfg.ProxyURL
	}
	for _, entry := range cfg.NoProxy {
		entryHost, entryPort, hasPort := strings.Cut(entry, ":")
		if hasPort {
			p, err := strconv.Atoi(entryPort)
			if err == nil && p != port {
				continue
			}
		}
		if strings.HasSuffix(host, entryHost) {
			return ""
		}
	}
	return cfg.ProxyURL
}

func dialViaHTTPProxy(ctx context.Context, proxyAddr, targetHost string, targetPort int) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("passthrough: dialing proxy %s: %w", proxyAddr, err)
	}

	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("passthrough: sending CONNECT: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("passthrough: reading CONNECT response: %w", err)
	}
	if !strings.Contains(string(buf[:n]), " 200") {
		conn.Close()
		return nil, fmt.Errorf("passthrough: proxy CONNECT to %s rejected: %s", target, strings.TrimSpace(string(buf[:n])))
	}
	return conn, nil
}

// dialUpstreamTLS dials host:port and performs a TLS handshake using
// cfg, returning the established *tls.Conn.
func dialUpstreamTLS(ctx context.Context, host string, port int, cfg *tls.Config, opts rules.PassthroughOptions) (*tls.Conn, error) {
	raw, err := dialUpstream(ctx, host, port, opts)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return tlsConn, nil
}
