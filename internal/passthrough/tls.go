package passthrough

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/relaymock/relay/internal/rules"
)

// nonDefaultCipherOrder and nonDefaultCurveOrder deliberately differ
// from crypto/tls's own preference order, so the upstream TLS
// ClientHello this proxy sends doesn't read as a stock Go http.Client —
// spec.md §4.5's "cosmetic obligation" that the emitted fingerprint not
// match a well-known runtime default.
var nonDefaultCipherOrder = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

var nonDefaultCurveOrder = []tls.CurveID{
	tls.X25519,
	tls.CurveP384,
	tls.CurveP256,
}

// buildUpstreamTLSConfig assembles the trust pool (system roots ∪
// trustedCAs ∪ trustAdditionalCAs) and verification-skip rule for
// dialing host, plus the fingerprint-customized cipher/curve
// preferences spec.md §4.5 describes.
func buildUpstreamTLSConfig(host string, opts rules.PassthroughOptions) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	for _, der := range opts.ProxyConfig.TrustedCAs {
		pool.AppendCertsFromPEM(der)
	}
	for _, der := range opts.TrustAdditionalCAs {
		pool.AppendCertsFromPEM(der)
	}

	cfg := &tls.Config{
		ServerName:         host,
		RootCAs:            pool,
		InsecureSkipVerify: matchesHostList(host, opts.IgnoreHostHTTPSErrors),
		CipherSuites:       nonDefaultCipherOrder,
		CurvePreferences:   nonDefaultCurveOrder,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"h2", "http/1.1"},
	}

	if cc, ok := opts.ClientCertificateHostMap[host]; ok {
		cert, err := tls.X509KeyPair(cc.CertPEM, cc.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("passthrough: loading client certificate for %s: %w", host, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func matchesHostList(host string, list []string) bool {
	for _, h := range list {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
