package enrollserver

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/google/go-attestation/attest"
	"github.com/google/go-tpm/tpm2"

	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
	"github.com/quarksec/tpm-enroll/skae"
	"github.com/quarksec/tpm-enroll/verifier"
)

// akRequiredProps are the object attributes an enrollable AK must carry:
// TPM-resident, non-migratable, restricted signing key.
const akRequiredProps = tpm2.FlagFixedTPM | tpm2.FlagFixedParent |
	tpm2.FlagSensitiveDataOrigin | tpm2.FlagRestricted | tpm2.FlagSign

func (s *Server) handleMakeCredential(payload []byte) ([]byte, error) {
	var req messages.CredentialRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ekPub, err := s.verifyEK(&req)
	if err != nil {
		return nil, err
	}

	akPub, err := tpm2.DecodePublic(req.AttestationParameters.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable AK public: %v", ErrInvalidRequest, err)
	}
	if akPub.Attributes&akRequiredProps != akRequiredProps {
		return nil, fmt.Errorf("%w: AK object attributes %#x lack required %#x",
			ErrInvalidRequest, akPub.Attributes, akRequiredProps)
	}

	params := req.AttestationParameters
	activation := attest.ActivationParameters{
		TPMVersion: attest.TPMVersion(req.TPMVersion),
		EK:         ekPub,
		AK: attest.AttestationParameters{
			Public:                  params.Public,
			UseTCSDActivationFormat: params.UseTCSDActivationFormat,
			CreateData:              params.CreateData,
			CreateAttestation:       params.CreateAttestation,
			CreateSignature:         params.CreateSignature,
		},
	}

	secret, encrypted, err := activation.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: generate activation challenge: %v", ErrInvalidRequest, err)
	}

	resp := messages.CredentialChallenge{
		Credential: encrypted.Credential,
		Secret:     encrypted.Secret,
		Binding:    s.bindCredential(secret, params.Public),
	}
	return json.Marshal(resp)
}

func (s *Server) handleMakeCert(payload []byte) ([]byte, error) {
	var req messages.CertRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Hostname == "" {
		return nil, fmt.Errorf("%w: hostname missing", ErrInvalidRequest)
	}

	want := s.bindCredential(req.Secret, req.AKPublic)
	if !hmac.Equal(want, req.Binding) {
		return nil, ErrProofOfPossession
	}

	akTPMPub, err := tpm2.DecodePublic(req.AKPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable AK public: %v", ErrInvalidRequest, err)
	}
	akPub, err := akTPMPub.Key()
	if err != nil {
		return nil, fmt.Errorf("%w: AK public key: %v", ErrInvalidRequest, err)
	}

	ext, err := skae.Extension(akPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	certPEM, err := s.ca.IssueAKCert(akPub, req.Hostname, ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	chainPEM, err := s.ca.ChainPEM()
	if err != nil {
		return nil, fmt.Errorf("%w: read CA chain: %v", ErrIssuance, err)
	}

	resp := messages.CertResponse{
		AKCertPem: string(certPEM),
		CACertPem: string(chainPEM),
	}
	return json.Marshal(resp)
}

func (s *Server) handleProcessCSR(payload []byte) ([]byte, error) {
	var req messages.CSRRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	csr, err := x509.ParseCertificateRequest(req.CSR)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable CSR: %v", ErrInvalidRequest, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR self-signature: %v", ErrInvalidRequest, err)
	}

	// Policy runs over the PCR selection bound into the quote, never
	// over the claimed value list: values outside the selection are not
	// covered by the AK signature.
	asserted, err := verifier.QuotedPCRMask(req.Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := pcrpolicy.Check(asserted, s.requiredMask); err != nil {
		return nil, err
	}

	akCert, err := s.verifyAKCert(req.AKCertPem)
	if err != nil {
		return nil, err
	}

	digest, err := verifier.RequestDigest(req.CSR, &req.Assertion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ev := verifier.QuoteEvidence{
		Quote:     req.Quote,
		Signature: req.QuoteSignature,
		PCRs:      req.Assertion.PCRs,
	}
	if err := verifier.CheckQuote(akCert.PublicKey, &ev, digest, s.flags); err != nil {
		return nil, err
	}

	if err := verifier.CheckIMALog(req.Assertion.IMALog, s.flags); err != nil {
		return nil, err
	}

	// Propagate the AK binding into the key certificate so TLS peers
	// can cross-check it against out-of-band evidence.
	skaeExt, err := skae.Extension(akCert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	certPEM, err := s.ca.SignCSR(csr, skaeExt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	chainPEM, err := s.ca.ChainPEM()
	if err != nil {
		return nil, fmt.Errorf("%w: read CA chain: %v", ErrIssuance, err)
	}

	resp := messages.CSRResponse{
		KeyCertPem: string(certPEM),
		CACertPem:  string(chainPEM),
	}
	return json.Marshal(resp)
}

func (s *Server) handleGenQuoteNonce(payload []byte) ([]byte, error) {
	// The request carries nothing the server needs; an AK certificate,
	// if present, is only useful for the log.
	var req messages.QuoteNonceRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	token, err := s.binder.Issue()
	if err != nil {
		return nil, err
	}
	return json.Marshal(messages.QuoteNonceResponse{Token: token})
}

func (s *Server) handleProcessQuote(payload []byte) ([]byte, error) {
	var req messages.QuoteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Token authenticity comes first: a tampered token fails before any
	// PCR evaluation runs.
	if _, err := s.binder.Verify(req.Token); err != nil {
		return nil, err
	}

	// As in the CSR path, coverage is judged by the quote's own PCR
	// selection, not by the supplied value list.
	asserted, err := verifier.QuotedPCRMask(req.Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := pcrpolicy.Check(asserted, s.requiredMask); err != nil {
		return nil, err
	}

	akCert, err := s.verifyAKCert(req.AKCertPem)
	if err != nil {
		return nil, err
	}

	ev := verifier.QuoteEvidence{
		Quote:     req.Quote,
		Signature: req.Signature,
		PCRs:      req.PCRs,
	}
	if err := verifier.CheckQuote(akCert.PublicKey, &ev, req.Token, s.flags); err != nil {
		return nil, err
	}

	if err := verifier.CheckIMALog(req.IMALog, s.flags); err != nil {
		return nil, err
	}

	return json.Marshal(messages.QuoteResponse{Verified: true})
}

// verifyEK resolves the request's endorsement identity to a public key
// the server trusts.
func (s *Server) verifyEK(req *messages.CredentialRequest) (crypto.PublicKey, error) {
	if req.EKCertPem != "" {
		block, _ := pem.Decode([]byte(req.EKCertPem))
		if block == nil {
			return nil, fmt.Errorf("%w: EK certificate is not PEM", ErrInvalidRequest)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable EK certificate: %v", ErrInvalidRequest, err)
		}
		if s.ekRoots != nil {
			_, err := cert.Verify(x509.VerifyOptions{
				Roots:     s.ekRoots,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
			})
			if err != nil {
				return nil, fmt.Errorf("%w: EK certificate: %v", ErrNotTrusted, err)
			}
			return cert.PublicKey, nil
		}
		return s.lookupTrustedEK(cert.PublicKey)
	}

	if req.EKPublicPem == "" {
		return nil, fmt.Errorf("%w: no endorsement key material", ErrInvalidRequest)
	}
	key, err := parseKey(req.EKPublicPem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.lookupTrustedEK(key)
}

func (s *Server) lookupTrustedEK(key crypto.PublicKey) (crypto.PublicKey, error) {
	canonical, err := keyToPem(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !s.trustedEKs[canonical] {
		return nil, fmt.Errorf("%w: unknown endorsement key", ErrNotTrusted)
	}
	return key, nil
}

// verifyAKCert checks that the presented AK certificate was issued by
// this CA.
func (s *Server) verifyAKCert(certPem string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPem))
	if block == nil {
		return nil, fmt.Errorf("%w: AK certificate is not PEM", ErrInvalidRequest)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable AK certificate: %v", ErrInvalidRequest, err)
	}
	if err := cert.CheckSignatureFrom(s.ca.Certificate()); err != nil {
		return nil, fmt.Errorf("%w: AK certificate not issued here: %v", ErrNotTrusted, err)
	}
	return cert, nil
}

// bindCredential ties an activation secret to the AK it was generated
// for, under the key derived from the server secret. Holding the
// matching binding plus the decrypted secret proves the activation was
// resolved on the TPM holding both EK and AK.
func (s *Server) bindCredential(secret, akPublic []byte) []byte {
	mac := hmac.New(sha256.New, s.credKey)
	mac.Write(secret)
	mac.Write(akPublic)
	return mac.Sum(nil)
}

func parseKey(keyPem string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(keyPem))
	if block == nil {
		return nil, errors.New("decode pem fail")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key err: %w", err)
	}

	switch pub := pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, errors.New("unsupported public key type")
	}
}

func keyToPem(key crypto.PublicKey) (string, error) {
	marshalled, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal pkix err: %w", err)
	}

	canonicalPem := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: marshalled,
	})

	return string(canonicalPem), nil
}
