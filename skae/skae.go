// Package skae builds and parses the Subject Key Attestation Evidence
// X.509 extension (TCG OID 2.23.133.6.1.1) carried by certificates this
// CA issues. The extension binds the certified key to the attestation
// key that vouched for it, so a TLS peer can cross-check the certificate
// against evidence received out of band.
package skae

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// OID is the TCG-assigned identifier for the SKAE extension.
var OID = asn1.ObjectIdentifier{2, 23, 133, 6, 1, 1}

// ErrNoExtension reports a certificate that carries no SKAE extension.
var ErrNoExtension = errors.New("skae: certificate has no SKAE extension")

// Evidence is the decoded extension content.
type Evidence struct {
	// AKPublic is the PKIX encoding of the attestation key that
	// certified the subject key.
	AKPublic []byte
}

type skaeSeq struct {
	Version  int
	AKPublic []byte
}

// Extension builds the extension asserting akPub certified the subject
// key.
func Extension(akPub crypto.PublicKey) (pkix.Extension, error) {
	pkixPub, err := x509.MarshalPKIXPublicKey(akPub)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("skae: marshal AK public: %w", err)
	}
	value, err := asn1.Marshal(skaeSeq{Version: 1, AKPublic: pkixPub})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("skae: encode extension: %w", err)
	}
	return pkix.Extension{Id: OID, Value: value}, nil
}

// FromCertificate extracts and decodes the SKAE extension from cert.
func FromCertificate(cert *x509.Certificate) (*Evidence, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(OID) {
			continue
		}
		var seq skaeSeq
		rest, err := asn1.Unmarshal(ext.Value, &seq)
		if err != nil {
			return nil, fmt.Errorf("skae: decode extension: %w", err)
		}
		if len(rest) != 0 {
			return nil, errors.New("skae: trailing data after extension")
		}
		return &Evidence{AKPublic: seq.AKPublic}, nil
	}
	return nil, ErrNoExtension
}
