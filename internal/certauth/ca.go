// Package certauth generates the root CA this proxy presents to clients
// and mints short-lived leaf certificates for whatever host a client's
// TLS ClientHello is aimed at, the way a MITM proxy must in order to
// terminate TLS without the client noticing — grounded on the pack's
// HakAl-langley mitm proxy (which wires an equivalent *langleytls.CA +
// CertCache pair into its MITMProxy) and docxology-GuildNet's
// ensureSelfSigned, generalized from a single dev cert into a real CA
// plus per-host leaf issuance.
package certauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// KeyAlgorithm selects the key type newly generated certificates use.
type KeyAlgorithm string

const (
	RSA2048 KeyAlgorithm = "rsa2048"
	ECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

// caValidity is the lifetime a freshly generated root CA is issued for —
// long enough that operators don't need to re-trust it every few months,
// short enough to bound the blast radius of a leaked CA key.
const caValidity = 8 * 365 * 24 * time.Hour

// CA holds the root certificate and private key this proxy signs every
// leaf certificate with.
type CA struct {
	Cert    *x509.Certificate
	Key     any // *rsa.PrivateKey or *ecdsa.PrivateKey
	CertDER []byte
}

// GenerateCA creates a new, self-signed root CA suitable for installing
// into a client's trust store. commonName typically names the proxy
// ("relay local CA") so a user inspecting their trust store can tell
// what it's for.
func GenerateCA(commonName string, alg KeyAlgorithm) (*CA, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("certauth: generating CA serial: %w", err)
	}

	pub, priv, err := generateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("certauth: generating CA key: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"relay"},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("certauth: creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certauth: parsing generated CA certificate: %w", err)
	}

	// Subject/Authority key identifiers let chain-building tools (and
	// this package's own leaf issuance) find the signer without a
	// linear scan; x509.CreateCertificate doesn't set them for us.
	ski, err := subjectKeyID(pub)
	if err != nil {
		return nil, err
	}
	cert.SubjectKeyId = ski
	cert.AuthorityKeyId = ski

	return &CA{Cert: cert, Key: priv, CertDER: der}, nil
}

// LoadOrGenerateCA reads a PEM-encoded CA certificate/key pair from
// certPath/keyPath, generating and persisting a new CA there if either
// file is absent. This is the bootstrap path relayd's "ca generate" and
// "start" subcommands both go through.
func LoadOrGenerateCA(certPath, keyPath, commonName string, alg KeyAlgorithm) (*CA, error) {
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return LoadCA(certPath, keyPath)
		}
	}

	ca, err := GenerateCA(commonName, alg)
	if err != nil {
		return nil, err
	}
	if err := ca.Save(certPath, keyPath); err != nil {
		return nil, err
	}
	return ca, nil
}

// LoadCA reads an existing CA certificate/key pair from disk.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("certauth: reading CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("certauth: reading CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("certauth: %s contains no PEM certificate block", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certauth: parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("certauth: %s contains no PEM key block", keyPath)
	}
	key, err := parsePrivateKey(keyBlock)
	if err != nil {
		return nil, fmt.Errorf("certauth: parsing CA key: %w", err)
	}

	return &CA{Cert: cert, Key: key, CertDER: certBlock.Bytes}, nil
}

// Save persists the CA certificate and private key as PEM files.
func (ca *CA) Save(certPath, keyPath string) error {
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("certauth: opening %s: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: ca.CertDER}); err != nil {
		return fmt.Errorf("certauth: writing CA certificate: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("certauth: opening %s: %w", keyPath, err)
	}
	defer keyOut.Close()
	keyBlock, err := marshalPrivateKey(ca.Key)
	if err != nil {
		return err
	}
	if err := pem.Encode(keyOut, keyBlock); err != nil {
		return fmt.Errorf("certauth: writing CA key: %w", err)
	}
	return nil
}

func generateKey(alg KeyAlgorithm) (any, any, error) {
	switch alg {
	case ECDSAP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return &priv.PublicKey, priv, nil
	case RSA2048, "":
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		return &priv.PublicKey, priv, nil
	default:
		return nil, nil, fmt.Errorf("certauth: unknown key algorithm %q", alg)
	}
}

func parsePrivateKey(block *pem.Block) (any, error) {
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unrecognized private key format: %w", err)
	}
	return key, nil
}

func marshalPrivateKey(key any) (*pem.Block, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}, nil
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("certauth: marshaling EC key: %w", err)
		}
		return &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}, nil
	default:
		return nil, fmt.Errorf("certauth: unsupported private key type %T", key)
	}
}

// randomSerial returns a 128-bit random serial number with a non-zero
// high byte, matching the CA/Browser Forum baseline requirement that
// serials be unpredictable and avoid a leading zero byte that some
// ASN.1 encoders would otherwise strip.
func randomSerial() (*big.Int, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	buf[0] |= 0x01
	return new(big.Int).SetBytes(buf), nil
}

func subjectKeyID(pub any) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("certauth: marshaling public key for SKI: %w", err)
	}
	sum := sha1.Sum(der)
	return sum[:], nil
}
