package certauth

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"sync"
	"testing"
)

func TestGenerateCAIsSelfSignedAndCA(t *testing.T) {
	ca, err := GenerateCA("relay test CA", RSA2048)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	if !ca.Cert.IsCA {
		t.Fatal("generated CA certificate has IsCA=false")
	}
	if err := ca.Cert.CheckSignatureFrom(ca.Cert); err != nil {
		t.Fatalf("CA does not self-verify: %v", err)
	}
}

func TestCacheMintsLeafSignedByCA(t *testing.T) {
	ca, err := GenerateCA("relay test CA", ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	cache := NewCache(ca, ECDSAP256)

	leaf, err := cache.Leaf("example.com")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	leafCert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	if err := leafCert.CheckSignatureFrom(ca.Cert); err != nil {
		t.Fatalf("leaf not signed by CA: %v", err)
	}
	if leafCert.Subject.CommonName != "example.com" {
		t.Fatalf("unexpected CN: %q", leafCert.Subject.CommonName)
	}
}

func TestCacheReusesWithinFreshnessWindow(t *testing.T) {
	ca, _ := GenerateCA("relay test CA", ECDSAP256)
	cache := NewCache(ca, ECDSAP256)

	first, err := cache.Leaf("example.com")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	second, err := cache.Leaf("example.com")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatal("expected cached leaf to be reused within freshness window")
	}
}

func TestCacheConcurrentMintDeduplicates(t *testing.T) {
	ca, _ := GenerateCA("relay test CA", RSA2048)
	cache := NewCache(ca, RSA2048)

	var wg sync.WaitGroup
	results := make([]*tls.Certificate, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := cache.Leaf("concurrent.example.com")
			if err != nil {
				t.Errorf("Leaf: %v", err)
				return
			}
			results[i] = cert
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] == nil || results[0] == nil {
			continue
		}
		if string(results[i].Certificate[0]) != string(results[0].Certificate[0]) {
			t.Fatal("concurrent Leaf calls minted different certificates for the same hostname")
		}
	}
}

func TestNormalizeSNIRejectsPlaceholder(t *testing.T) {
	if _, err := NormalizeSNI("_"); err == nil {
		t.Fatal("expected error for placeholder SNI")
	}
	if _, err := NormalizeSNI(""); err == nil {
		t.Fatal("expected error for empty SNI")
	}
	got, err := NormalizeSNI("Example.COM.")
	if err != nil {
		t.Fatalf("NormalizeSNI: %v", err)
	}
	if got != "example.com" {
		t.Fatalf("NormalizeSNI: got %q", got)
	}
}

func TestNormalizeSNIRewritesUnderscoreHostToWildcard(t *testing.T) {
	got, err := NormalizeSNI("_dmarc.example.com")
	if err != nil {
		t.Fatalf("NormalizeSNI: %v", err)
	}
	if got != "*.example.com" {
		t.Fatalf("NormalizeSNI: got %q, want *.example.com", got)
	}

	if _, err := NormalizeSNI("_spf.sub_domain.example.com"); err == nil {
		t.Fatal("expected error for an underscore buried past the left-most label")
	}
	if _, err := NormalizeSNI("_acme-challenge.example"); err == nil {
		t.Fatal("expected error when too few labels remain to rewrite as a wildcard")
	}
}

func TestCacheMintsLeafWithExpectedExtensions(t *testing.T) {
	ca, err := GenerateCA("relay test CA", ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	cache := NewCache(ca, ECDSAP256)

	leaf, err := cache.Leaf("*.example.com")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	leafCert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	if leafCert.Subject.CommonName != "" {
		t.Fatalf("expected no CommonName on a wildcard leaf, got %q", leafCert.Subject.CommonName)
	}
	if len(leafCert.DNSNames) != 1 || leafCert.DNSNames[0] != "*.example.com" {
		t.Fatalf("unexpected SAN list: %v", leafCert.DNSNames)
	}

	var hasServerAuth, hasClientAuth bool
	for _, eku := range leafCert.ExtKeyUsage {
		switch eku {
		case x509.ExtKeyUsageServerAuth:
			hasServerAuth = true
		case x509.ExtKeyUsageClientAuth:
			hasClientAuth = true
		}
	}
	if !hasServerAuth || !hasClientAuth {
		t.Fatalf("expected both serverAuth and clientAuth EKUs, got %v", leafCert.ExtKeyUsage)
	}
	if len(leafCert.PolicyIdentifiers) != 1 || !leafCert.PolicyIdentifiers[0].Equal(anyPolicyOID) {
		t.Fatalf("expected anyPolicy policy identifier, got %v", leafCert.PolicyIdentifiers)
	}
	if len(leafCert.AuthorityKeyId) == 0 || string(leafCert.AuthorityKeyId) != string(ca.Cert.SubjectKeyId) {
		t.Fatal("expected leaf AKI to match the root CA's SKI")
	}
}

// equalPublicKey is satisfied by every Go standard-library public key
// type (rsa.PublicKey, ecdsa.PublicKey, ed25519.PublicKey).
type equalPublicKey interface {
	Equal(crypto.PublicKey) bool
}

func TestCacheSharesLeafKeypairAcrossMints(t *testing.T) {
	ca, err := GenerateCA("relay test CA", ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	cache := NewCache(ca, ECDSAP256)

	leafA, err := cache.Leaf("a.example.com")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	leafB, err := cache.Leaf("b.example.com")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	certA, err := x509.ParseCertificate(leafA.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf A: %v", err)
	}
	certB, err := x509.ParseCertificate(leafB.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf B: %v", err)
	}

	pubA, ok := certA.PublicKey.(equalPublicKey)
	if !ok {
		t.Fatalf("leaf A public key has no Equal method: %T", certA.PublicKey)
	}
	if !pubA.Equal(certB.PublicKey) {
		t.Fatal("expected the two leaves to share the same process-lifetime keypair")
	}

	// Upgrading the algorithm regenerates the shared keypair.
	cache.SetKeyAlgorithm(RSA2048)
	leafC, err := cache.Leaf("c.example.com")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	certC, err := x509.ParseCertificate(leafC.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf C: %v", err)
	}
	if pubA.Equal(certC.PublicKey) {
		t.Fatal("expected SetKeyAlgorithm to regenerate the shared keypair")
	}
}

func TestGetCertificateCallback(t *testing.T) {
	ca, _ := GenerateCA("relay test CA", RSA2048)
	cache := NewCache(ca, RSA2048)
	cb := cache.GetCertificate()

	cert, err := cb(&tls.ClientHelloInfo{ServerName: "callback.example.com"})
	if err != nil {
		t.Fatalf("GetCertificate callback: %v", err)
	}
	if cert == nil {
		t.Fatal("expected non-nil certificate")
	}
}
