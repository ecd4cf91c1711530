package certauth

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// anyPolicyOID is the X.509 "anyPolicy" certificate policy identifier
// (2.5.29.32.0), asserted on every leaf since spec.md doesn't require
// distinguishing policy by host.
var anyPolicyOID = asn1.ObjectIdentifier{2, 5, 29, 32, 0}

// leafValidity and leafBackdate mirror the values real browser-trusted
// CAs use for short-lived leaves: just under a year, backdated so
// clock skew between the proxy and a client never puts "now" before
// NotBefore.
const (
	leafValidity = 365 * 24 * time.Hour
	leafBackdate = 24 * time.Hour
	leafFreshnessWindow = 24 * time.Hour
)

// cacheEntry pairs a cached leaf certificate with the time it was
// minted, so Cache can decide when it's gone stale enough to rotate
// (spec.md §4.1's 24h freshness check).
type cacheEntry struct {
	cert    *tls.Certificate
	mintedAt time.Time
}

// Cache mints and caches per-host leaf certificates signed by a CA. A
// singleflight-style per-hostname lock ensures concurrent TLS handshakes
// for the same SNI name generate at most one certificate, the same
// dedup shape the pack's langley MITMProxy relies on its CertCache for.
type Cache struct {
	ca  *CA
	alg KeyAlgorithm

	mu       sync.Mutex
	entries  map[string]*cacheEntry
	inflight map[string]chan struct{}

	leafAlg  KeyAlgorithm
	leafPub  any
	leafPriv any
}

// NewCache builds a leaf certificate cache signed by ca.
func NewCache(ca *CA, alg KeyAlgorithm) *Cache {
	return &Cache{
		ca:       ca,
		alg:      alg,
		entries:  make(map[string]*cacheEntry),
		inflight: make(map[string]chan struct{}),
	}
}

// NormalizeSNI applies the SNI handling rule spec.md's acceptor uses
// before it ever reaches the cache: an empty ServerName has no hostname
// to mint a leaf for, and any name carrying an underscore (a bare "_"
// placeholder clients substitute when they refuse to send SNI, or an
// underscore anywhere in a real hostname) is folded into a wildcard or
// rejected by normalizeUnderscoreHost.
func NormalizeSNI(serverName string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	if name == "" {
		return "", fmt.Errorf("certauth: empty SNI")
	}
	return normalizeUnderscoreHost(name)
}

// normalizeUnderscoreHost rewrites a hostname containing "_" into a
// wildcard covering everything past its left-most label, e.g.
// "_dmarc.example.com" -> "*.example.com", provided the name has at
// least three labels and none past the left-most one carries an
// underscore of its own. Anything else with an underscore (fewer than
// three labels, or one buried deeper than the left-most label) has no
// hostname to mint a leaf for.
func normalizeUnderscoreHost(name string) (string, error) {
	if !strings.Contains(name, "_") {
		return name, nil
	}
	labels := strings.Split(name, ".")
	if len(labels) < 3 {
		return "", fmt.Errorf("certauth: hostname %q contains '_' and has too few labels to rewrite as a wildcard", name)
	}
	rest := labels[1:]
	for _, l := range rest {
		if strings.Contains(l, "_") {
			return "", fmt.Errorf("certauth: hostname %q contains '_' outside its left-most label", name)
		}
	}
	return "*." + strings.Join(rest, "."), nil
}

// GetCertificate returns a crypto/tls-compatible callback bound to this
// cache, suitable for tls.Config.GetCertificate.
func (c *Cache) GetCertificate() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		name, err := NormalizeSNI(hello.ServerName)
		if err != nil {
			return nil, err
		}
		return c.Leaf(name)
	}
}

// Leaf returns a cached or freshly minted leaf certificate for
// hostname, deduplicating concurrent requests for the same hostname.
func (c *Cache) Leaf(hostname string) (*tls.Certificate, error) {
	for {
		c.mu.Lock()
		if entry, ok := c.entries[hostname]; ok && time.Since(entry.mintedAt) < leafFreshnessWindow {
			c.mu.Unlock()
			return entry.cert, nil
		}
		if wait, ok := c.inflight[hostname]; ok {
			c.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		c.inflight[hostname] = done
		c.mu.Unlock()

		cert, err := c.mint(hostname)

		c.mu.Lock()
		if err == nil {
			c.entries[hostname] = &cacheEntry{cert: cert, mintedAt: time.Now()}
		}
		delete(c.inflight, hostname)
		c.mu.Unlock()
		close(done)

		return cert, err
	}
}

// SetKeyAlgorithm switches the algorithm the next leaf keypair is
// generated with. A single keypair is shared across every leaf minted
// during one process lifetime (spec.md §4.1 item 4); calling this
// invalidates that shared keypair so the next mint regenerates it under
// the new algorithm, rather than every leaf getting its own fresh key.
func (c *Cache) SetKeyAlgorithm(alg KeyAlgorithm) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alg = alg
}

// leafKeyPair returns the keypair shared across all leaves minted this
// process lifetime, generating it lazily on first use and regenerating
// only when c.alg has changed since the last generation.
func (c *Cache) leafKeyPair() (any, any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leafPub != nil && c.leafAlg == c.alg {
		return c.leafPub, c.leafPriv, nil
	}
	pub, priv, err := generateKey(c.alg)
	if err != nil {
		return nil, nil, err
	}
	c.leafPub, c.leafPriv, c.leafAlg = pub, priv, c.alg
	return pub, priv, nil
}

func (c *Cache) mint(hostname string) (*tls.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("certauth: generating leaf serial: %w", err)
	}
	pub, priv, err := c.leafKeyPair()
	if err != nil {
		return nil, fmt.Errorf("certauth: generating leaf key: %w", err)
	}

	anyPolicy, err := x509.OIDFromInts([]uint64{2, 5, 29, 32, 0})
	if err != nil {
		return nil, fmt.Errorf("certauth: building anyPolicy OID: %w", err)
	}

	notBefore := time.Now().Add(-leafBackdate)
	tmpl := &x509.Certificate{
		SerialNumber:      serial,
		Subject:           pkix.Name{CommonName: hostname},
		NotBefore:         notBefore,
		NotAfter:          notBefore.Add(leafValidity),
		KeyUsage:          x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:       []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		PolicyIdentifiers: []asn1.ObjectIdentifier{anyPolicyOID},
		Policies:          []x509.OID{anyPolicy},
		DNSNames:          []string{hostname},
	}
	// A wildcard leaf (from normalizeUnderscoreHost's rewrite, or a
	// caller-supplied "*.host") carries no meaningful CommonName — only
	// the SAN matters for wildcard matching.
	if strings.HasPrefix(hostname, "*.") {
		tmpl.Subject = pkix.Name{}
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.DNSNames = nil
		tmpl.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.ca.Cert, pub, c.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("certauth: signing leaf for %s: %w", hostname, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, c.ca.CertDER},
		PrivateKey:  priv,
	}, nil
}
