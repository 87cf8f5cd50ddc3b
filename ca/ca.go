// Package ca is the signing gateway: it loads the CA key and certificate
// once at startup and turns verified enrollment requests into signed
// leaf certificates. Signing is serialized behind a mutex so the engine
// can move to a concurrent scheduler without touching this package.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/retailnext/unixtime"

	"github.com/quarksec/tpm-enroll/futil"
)

const (
	akCertLifetime  = 365 * 24 * time.Hour
	keyCertLifetime = 90 * 24 * time.Hour

	// Leaf validity starts slightly in the past to absorb clock skew
	// between the CA and the enrolling host.
	notBeforeSkew = 5 * time.Minute
)

// Authority holds the CA material and issues certificates.
type Authority struct {
	certPath string
	cert     *x509.Certificate
	key      crypto.Signer

	mu sync.Mutex
}

// Load reads the CA certificate and private key. keyPassword decrypts a
// legacy encrypted PEM key and is ignored when the key is stored in the
// clear.
func Load(certPath, keyPath, keyPassword string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("CA cert %s: no PEM block", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	key, err := parseKey(keyPEM, keyPassword)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	return &Authority{certPath: certPath, cert: cert, key: key}, nil
}

// New wraps already-parsed CA material, for tests and embedding.
func New(certPath string, cert *x509.Certificate, key crypto.Signer) *Authority {
	return &Authority{certPath: certPath, cert: cert, key: key}
}

// Certificate returns the CA's own certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// ChainPEM reads the CA certificate chain back from disk with the
// sequential two-pass reader, so operators can point the server at
// generated or virtual files.
func (a *Authority) ChainPEM() ([]byte, error) {
	return futil.ReadSeqFile(a.certPath)
}

// IssueAKCert signs an attestation-key certificate for pub, named after
// the enrolled host and carrying the given extensions (typically SKAE).
func (a *Authority) IssueAKCert(pub crypto.PublicKey, hostname string, exts ...pkix.Extension) ([]byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         a.leafSubject(hostname),
		NotBefore:       time.Now().Add(-notBeforeSkew),
		NotAfter:        time.Now().Add(akCertLifetime),
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtraExtensions: exts,
	}
	return a.sign(tmpl, pub)
}

// SignCSR issues a TLS key certificate from a verified CSR. The subject
// common name and SANs come from the request; the remaining name fields
// are inherited from the issuer, the way the reference CA merges its own
// distinguished name into requests.
func (a *Authority) SignCSR(csr *x509.CertificateRequest, exts ...pkix.Extension) ([]byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         a.leafSubject(csr.Subject.CommonName),
		NotBefore:       time.Now().Add(-notBeforeSkew),
		NotAfter:        time.Now().Add(keyCertLifetime),
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:        csr.DNSNames,
		IPAddresses:     csr.IPAddresses,
		ExtraExtensions: exts,
	}
	return a.sign(tmpl, csr.PublicKey)
}

func (a *Authority) sign(tmpl *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, pub, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// leafSubject inherits the issuer's name fields, sets the common name to
// the enrolled host and stamps the issuance time into the subject serial
// for correlation with server logs.
func (a *Authority) leafSubject(commonName string) pkix.Name {
	return pkix.Name{
		Country:      a.cert.Subject.Country,
		Province:     a.cert.Subject.Province,
		Locality:     a.cert.Subject.Locality,
		Organization: a.cert.Subject.Organization,
		CommonName:   commonName,
		SerialNumber: strconv.FormatInt(unixtime.ToUnix(time.Now(), time.Millisecond), 10),
	}
}

// serialLimit bounds serials to 63 bits so they stay positive.
var serialLimit = new(big.Int).Lsh(big.NewInt(1), 63)

func randomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return n.Add(n, big.NewInt(1)), nil
}

func parseKey(keyPEM []byte, password string) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block in key")
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) {
		var err error
		der, err = x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("decrypt key: %w", err)
		}
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	switch key := key.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported CA key type %T", key)
	}
}
