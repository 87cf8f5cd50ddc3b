package attestls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"

	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
	"github.com/quarksec/tpm-enroll/skae"
)

var (
	// ErrNoEvidence reports a peer that sent no evidence on the side
	// channel while the connection policy requires attestation.
	ErrNoEvidence = errors.New("attestls: peer sent no attestation evidence")

	// ErrEvidenceMismatch reports a peer certificate whose SKAE
	// extension names a different attestation key than the side-channel
	// evidence.
	ErrEvidenceMismatch = errors.New("attestls: certificate SKAE does not match evidence")
)

// Verifier cross-checks a TLS peer against side-channel evidence. Seed
// it with SetEvidence between the exchange and the handshake, then
// install VerifyPeerCertificate on the tls.Config. The required mask
// and roots are fixed at construction; evidence is per connection, so a
// Verifier serves one connection at a time.
type Verifier struct {
	required pcrpolicy.Mask
	roots    *x509.CertPool

	akPKIX []byte
}

// NewVerifier builds a verifier that demands the PCRs in required be
// covered by peer evidence and that the peer's attestation-key
// certificate chain to roots. A nil roots pool skips the chain check.
func NewVerifier(required pcrpolicy.Mask, roots *x509.CertPool) *Verifier {
	return &Verifier{required: required, roots: roots}
}

// SetEvidence validates the evidence blob received on the side channel
// and records the attestation key it names. An empty blob clears any
// previous evidence; verification of the handshake will then fail.
func (v *Verifier) SetEvidence(blob []byte) error {
	v.akPKIX = nil
	if len(blob) == 0 {
		return nil
	}

	var doc messages.AttestationData
	if err := json.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("attestls: decode evidence: %w", err)
	}
	akCert, err := parseCertPEM(doc.AKCertPem)
	if err != nil {
		return fmt.Errorf("attestls: evidence AK certificate: %w", err)
	}
	if v.roots != nil {
		if _, err := akCert.Verify(x509.VerifyOptions{
			Roots:     v.roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return fmt.Errorf("attestls: evidence AK certificate untrusted: %w", err)
		}
	}

	asserted := pcrpolicy.NewMask()
	for _, pcr := range doc.PCRs {
		asserted.Set(pcr.Index)
	}
	if err := pcrpolicy.Check(asserted, v.required); err != nil {
		return fmt.Errorf("attestls: evidence policy: %w", err)
	}

	pkixPub, err := x509.MarshalPKIXPublicKey(akCert.PublicKey)
	if err != nil {
		return fmt.Errorf("attestls: evidence AK public: %w", err)
	}
	v.akPKIX = pkixPub
	return nil
}

// VerifyPeerCertificate is a tls.Config callback. It requires the peer
// leaf to carry a SKAE extension naming the same attestation key as the
// evidence received on the side channel. Chain validation is left to
// the standard verification that runs before this callback.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if v.akPKIX == nil {
		return ErrNoEvidence
	}
	if len(rawCerts) == 0 {
		return errors.New("attestls: peer sent no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("attestls: parse peer certificate: %w", err)
	}
	ev, err := skae.FromCertificate(leaf)
	if err != nil {
		return err
	}
	if !bytes.Equal(ev.AKPublic, v.akPKIX) {
		return ErrEvidenceMismatch
	}
	return nil
}

// ClientHandshake runs the full attested client connect on conn: the
// evidence exchange, evidence validation when verify is non-nil, and
// the TLS handshake. The returned server evidence is the raw blob for
// logging; it is nil when the server sent none.
func ClientHandshake(conn net.Conn, cfg *tls.Config, local []byte, verify *Verifier) (*tls.Conn, []byte, error) {
	peer, err := ExchangeClient(conn, local)
	if err != nil {
		return nil, nil, err
	}
	cfg = cfg.Clone()
	if verify != nil {
		if err := verify.SetEvidence(peer); err != nil {
			return nil, peer, err
		}
		cfg.VerifyPeerCertificate = verify.VerifyPeerCertificate
	}
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, peer, fmt.Errorf("attestls: handshake: %w", err)
	}
	return tc, peer, nil
}

// ServerHandshake is the server-side counterpart of ClientHandshake.
func ServerHandshake(conn net.Conn, cfg *tls.Config, local []byte, verify *Verifier) (*tls.Conn, []byte, error) {
	peer, err := ExchangeServer(conn, local)
	if err != nil {
		return nil, nil, err
	}
	cfg = cfg.Clone()
	if verify != nil {
		if err := verify.SetEvidence(peer); err != nil {
			return nil, peer, err
		}
		cfg.VerifyPeerCertificate = verify.VerifyPeerCertificate
	}
	tc := tls.Server(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, peer, fmt.Errorf("attestls: handshake: %w", err)
	}
	return tc, peer, nil
}

func parseCertPEM(pemStr string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}
