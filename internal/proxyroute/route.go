// Package proxyroute recognizes the two request-target shapes a proxy
// listener sees — absolute-form ("GET http://host/x HTTP/1.1") and
// origin-form ("GET /x HTTP/1.1") — and resolves each to an upstream
// destination (spec.md §4.2/§6). CONNECT tunnels are detected by
// internal/acceptor; what lands here is everything that follows them
// plus any absolute-form request that never went through a tunnel.
//
// Grounded on the teacher's internal/proxy/router.go ParseRoute: a
// dispatch-table classifier that turns a raw request path into a typed
// route struct, generalized from provider/agent URL segments to the
// HTTP proxy-mode request-target grammar (RFC 7230 §5.3).
package proxyroute

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/relayerr"
)

// Form identifies which request-target grammar a request line used.
type Form string

const (
	OriginForm   Form = "origin"
	AbsoluteForm Form = "absolute"
)

// Route is a request target resolved into its component parts.
type Route struct {
	Form   Form
	Scheme string // set for AbsoluteForm: "http" | "https"
	Host   string // set for AbsoluteForm
	Port   int    // set for AbsoluteForm; 0 means "use scheme default"
	Path   string // path+query to place on the rewritten request line
}

// ParseTarget classifies a request-line target per RFC 7230 §5.3.
// Anything beginning with http:// or https:// is absolute-form; everything else
// (including "*" and already-tunnelled origin-form paths) is treated
// as origin-form and left to the caller to resolve against a Host
// header or a remembered CONNECT destination.
func ParseTarget(target string) (Route, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return Route{}, fmt.Errorf("proxyroute: parsing absolute-form target %q: %w", target, err)
		}
		port := 0
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return Route{}, fmt.Errorf("proxyroute: invalid port in %q: %w", target, err)
			}
		}
		path := u.RequestURI()
		if path == "" {
			path = "/"
		}
		return Route{Form: AbsoluteForm, Scheme: u.Scheme, Host: u.Hostname(), Port: port, Path: path}, nil
	}
	return Route{Form: OriginForm, Path: target}, nil
}

// DefaultPort returns the implicit port for an absolute-form route's
// scheme when the authority carried none.
func DefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Resolve turns a parsed Route into the destination a request should be
// dispatched to. For origin-form routes it prefers the destination
// remembered from an enclosing CONNECT tunnel (acceptor.RequestMeta.
// DefaultDestination); failing that, it falls back to the Host header,
// matching what a transparent forward proxy does for un-tunnelled
// origin-form traffic.
func Resolve(route Route, hostHeader string, tunnelDest httpwire.Destination, secure bool) (httpwire.Destination, error) {
	switch route.Form {
	case AbsoluteForm:
		port := route.Port
		if port == 0 {
			port = DefaultPort(route.Scheme)
		}
		if route.Host == "" {
			return httpwire.Destination{}, fmt.Errorf("proxyroute: absolute-form target has no host")
		}
		return httpwire.Destination{Hostname: route.Host, Port: port}, nil
	default:
		if tunnelDest.Hostname != "" {
			return tunnelDest, nil
		}
		return destinationFromHostHeader(hostHeader, secure)
	}
}

func destinationFromHostHeader(hostHeader string, secure bool) (httpwire.Destination, error) {
	if hostHeader == "" {
		return httpwire.Destination{}, fmt.Errorf("proxyroute: origin-form request has no Host header and no tunnelled destination")
	}
	host, portStr, err := net.SplitHostPort(hostHeader)
	if err != nil {
		// No explicit port — SplitHostPort errors on a bare hostname.
		host = hostHeader
		portStr = ""
	}
	port := DefaultPort(map[bool]string{true: "https", false: "http"}[secure])
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return httpwire.Destination{}, fmt.Errorf("proxyroute: invalid port in Host header %q: %w", hostHeader, err)
		}
	}
	return httpwire.Destination{Hostname: host, Port: port}, nil
}

// EnforceTLSInterceptOnly rejects a request for a host that the session
// has configured as TLS-intercept-only (it must only ever be seen
// through the MITM TLS handshake, never forwarded from a plaintext
// absolute-form/CONNECT request) when that request arrived in the
// clear. secure reports whether the request was read off a terminated
// TLS connection.
func EnforceTLSInterceptOnly(host string, secure bool, tlsInterceptOnly []string) error {
	if secure {
		return nil
	}
	for _, h := range tlsInterceptOnly {
		if strings.EqualFold(h, host) {
			return relayerr.Tagged(relayerr.TLSInterceptRequired, "tls-intercept-required",
				fmt.Sprintf("host %q requires TLS interception, got plaintext", host), nil)
		}
	}
	return nil
}

// ProxyEnv returns the HTTP_PROXY/HTTPS_PROXY pair a client should set
// to route traffic through the listener at listenerURL (spec.md §6).
func ProxyEnv(listenerURL string) map[string]string {
	return map[string]string{
		"HTTP_PROXY":  listenerURL,
		"HTTPS_PROXY": listenerURL,
	}
}
