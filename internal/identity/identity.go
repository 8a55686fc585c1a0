// Package identity produces the self-signed credential a server endpoint
// presents during the QUIC handshake, and the trust anchor clients use to
// verify it.
//
// A fresh identity is generated on every launch. Trust is established out of
// band by copying the certificate PEM to the client.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// DefaultSubject is used when Generate is called without subject names.
const DefaultSubject = "localhost"

const validity = 365 * 24 * time.Hour

// Identity is a DER certificate and its PKCS#8 DER private key.
type Identity struct {
	CertificateDER []byte
	PrivateKeyDER  []byte
}

// Generate creates a self-signed certificate valid for the given DNS names
// or IP addresses. The certificate is its own CA so it can be used directly
// as a client trust anchor.
func Generate(subjects ...string) (Identity, error) {
	if len(subjects) == 0 {
		subjects = []string{DefaultSubject}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Identity{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"quicdrop"},
			CommonName:   subjects[0],
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, s := range subjects {
		if ip := net.ParseIP(s); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, s)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return Identity{}, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return Identity{}, fmt.Errorf("marshal key: %w", err)
	}

	return Identity{CertificateDER: certDER, PrivateKeyDER: keyDER}, nil
}

// TLSCertificate returns the identity in the form crypto/tls expects.
func (id Identity) TLSCertificate() (tls.Certificate, error) {
	if len(id.CertificateDER) == 0 || len(id.PrivateKeyDER) == 0 {
		return tls.Certificate{}, errors.New("identity: empty certificate or key")
	}
	key, err := x509.ParsePKCS8PrivateKey(id.PrivateKeyDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse private key: %w", err)
	}
	leaf, err := x509.ParseCertificate(id.CertificateDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{id.CertificateDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// CertificatePEM encodes the certificate for out-of-band distribution.
func (id Identity) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.CertificateDER})
}

// WriteCertificatePEM writes the certificate PEM to path, replacing any
// previous file.
func (id Identity) WriteCertificatePEM(path string) error {
	if err := os.WriteFile(path, id.CertificatePEM(), 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// TrustAnchorFromDER builds a pool containing exactly one certificate.
func TrustAnchorFromDER(der []byte) (*x509.CertPool, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse trust anchor: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}

// TrustAnchorFromPEM builds a pool from every CERTIFICATE block in data.
func TrustAnchorFromPEM(data []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("trust anchor: no certificates found in PEM data")
	}
	return pool, nil
}

// LoadTrustAnchor reads a PEM file written by WriteCertificatePEM.
func LoadTrustAnchor(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor: %w", err)
	}
	return TrustAnchorFromPEM(data)
}
