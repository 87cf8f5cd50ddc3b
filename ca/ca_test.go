package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarksec/tpm-enroll/skae"
)

func newTestAuthority(t *testing.T) (*Authority, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Country:      []string{"US"},
			Organization: []string{"Example Corp"},
			CommonName:   "Example Enrollment CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	certPath := filepath.Join(t.TempDir(), "ca.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, pemData, 0o600))

	return New(certPath, cert, key), cert
}

func parsePEMCert(t *testing.T, pemData []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(pemData)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssueAKCert(t *testing.T) {
	authority, caCert := newTestAuthority(t)

	akKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ext, err := skae.Extension(&akKey.PublicKey)
	require.NoError(t, err)

	certPEM, err := authority.IssueAKCert(&akKey.PublicKey, "node7.example", ext)
	require.NoError(t, err)

	cert := parsePEMCert(t, certPEM)
	require.NoError(t, cert.CheckSignatureFrom(caCert))
	assert.Equal(t, "node7.example", cert.Subject.CommonName)
	assert.Equal(t, []string{"US"}, cert.Subject.Country)
	assert.Equal(t, []string{"Example Corp"}, cert.Subject.Organization)
	assert.Equal(t, x509.KeyUsageDigitalSignature, cert.KeyUsage)

	// Validity starts in the past and spans about a year.
	assert.True(t, cert.NotBefore.Before(time.Now()))
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), cert.NotAfter, time.Hour)

	ev, err := skae.FromCertificate(cert)
	require.NoError(t, err)
	wantPKIX, err := x509.MarshalPKIXPublicKey(&akKey.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, wantPKIX, ev.AKPublic)

	// Subject serial is the issuance time in unix millis.
	millis, err := strconv.ParseInt(cert.Subject.SerialNumber, 10, 64)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), time.UnixMilli(millis), time.Minute)
}

func TestSignCSR(t *testing.T) {
	authority, caCert := newTestAuthority(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: "web.example"},
		DNSNames:    []string{"web.example", "alt.example"},
		IPAddresses: []net.IP{net.ParseIP("192.0.2.7")},
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)

	certPEM, err := authority.SignCSR(csr)
	require.NoError(t, err)

	cert := parsePEMCert(t, certPEM)
	require.NoError(t, cert.CheckSignatureFrom(caCert))
	assert.Equal(t, "web.example", cert.Subject.CommonName)
	assert.Equal(t, []string{"web.example", "alt.example"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("192.0.2.7")))
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.WithinDuration(t, time.Now().Add(90*24*time.Hour), cert.NotAfter, time.Hour)
}

func TestSignCSRCarriesExtensions(t *testing.T) {
	authority, _ := newTestAuthority(t)

	akKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ext, err := skae.Extension(&akKey.PublicKey)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "web.example"},
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)

	certPEM, err := authority.SignCSR(csr, ext)
	require.NoError(t, err)

	_, err = skae.FromCertificate(parsePEMCert(t, certPEM))
	assert.NoError(t, err)
}

func TestChainPEM(t *testing.T) {
	authority, caCert := newTestAuthority(t)

	chain, err := authority.ChainPEM()
	require.NoError(t, err)
	assert.Equal(t, caCert.Raw, parsePEMCert(t, chain).Raw)
}

func TestSerialsDiffer(t *testing.T) {
	authority, _ := newTestAuthority(t)

	akKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	first, err := authority.IssueAKCert(&akKey.PublicKey, "a.example")
	require.NoError(t, err)
	second, err := authority.IssueAKCert(&akKey.PublicKey, "a.example")
	require.NoError(t, err)

	assert.NotEqual(t,
		parsePEMCert(t, first).SerialNumber,
		parsePEMCert(t, second).SerialNumber)
	assert.Positive(t, parsePEMCert(t, first).SerialNumber.Sign())
	assert.Positive(t, parsePEMCert(t, second).SerialNumber.Sign())
}

func TestLoadPlainKey(t *testing.T) {
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Load CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(certPath,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "ca-key.pem")
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	authority, err := Load(certPath, keyPath, "")
	require.NoError(t, err)
	assert.Equal(t, "Load CA", authority.Certificate().Subject.CommonName)
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("not pem"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not pem"), 0o600))

	_, err := Load(certPath, keyPath, "")
	assert.Error(t, err)
}
