package tpmtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quarksec/tpm-enroll/ca"
)

// NewCA builds a self-signed issuing CA backed by a temp-dir cert file,
// so Authority.ChainPEM has something to read.
func NewCA(t *testing.T, commonName string) (*ca.Authority, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %s", err)
	}
	cert := selfSign(t, commonName, key)

	certPath := filepath.Join(t.TempDir(), "ca.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, pemData, 0o600); err != nil {
		t.Fatalf("write CA cert: %s", err)
	}

	return ca.New(certPath, cert, key), cert
}

// EKAuthority is a CA that signs endorsement certificates, standing in
// for a TPM vendor.
type EKAuthority struct {
	Cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewEKAuthority builds a vendor EK root.
func NewEKAuthority(t *testing.T) *EKAuthority {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate EK CA key: %s", err)
	}
	return &EKAuthority{Cert: selfSign(t, "tpmtest EK root", key), key: key}
}

// Pool returns the root as a cert pool for server configuration.
func (e *EKAuthority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(e.Cert)
	return pool
}

// IssueEKCert installs a vendor-signed endorsement certificate on f.
func (e *EKAuthority) IssueEKCert(t *testing.T, f *TPM) {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "tpmtest EK"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, e.Cert, &f.EK.PublicKey, e.key)
	if err != nil {
		t.Fatalf("issue EK cert: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse EK cert: %s", err)
	}
	f.EKCert = cert
}

func selfSign(t *testing.T, commonName string, key *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"tpmtest"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("self-sign %s: %s", commonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse %s: %s", commonName, err)
	}
	return cert
}
