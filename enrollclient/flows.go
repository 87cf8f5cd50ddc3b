package enrollclient

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"

	"github.com/quarksec/tpm-enroll/futil"
	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
	"github.com/quarksec/tpm-enroll/verifier"
	"github.com/quarksec/tpm-enroll/wire"
)

// Default securityfs locations of the kernel measurement logs. Both are
// virtual files, which is why they go through the two-pass reader.
const (
	DefaultIMALogPath  = "/sys/kernel/security/ima/ascii_runtime_measurements"
	DefaultBIOSLogPath = "/sys/kernel/security/tpm0/binary_bios_measurements"
)

// EnrollAK runs the AK certificate flow: MakeCredential, local
// credential activation, MakeCert.
func (c *Client) EnrollAK(t TPM, hostname string) (*messages.CertResponse, error) {
	ekCert, ekPublic, err := t.EndorsementKey()
	if err != nil {
		return nil, fmt.Errorf("read endorsement key: %w", err)
	}
	params, err := t.AttestationParameters()
	if err != nil {
		return nil, fmt.Errorf("read AK parameters: %w", err)
	}

	credReq := messages.CredentialRequest{
		TPMVersion:            tpmVersion20,
		EKCertPem:             ekCert,
		EKPublicPem:           ekPublic,
		AttestationParameters: params,
	}
	var challenge messages.CredentialChallenge
	if err := c.do(wire.OpMakeCredential, credReq, &challenge); err != nil {
		return nil, err
	}

	secret, err := t.ActivateCredential(challenge.Credential, challenge.Secret)
	if err != nil {
		return nil, fmt.Errorf("activate credential: %w", err)
	}

	certReq := messages.CertRequest{
		Hostname: hostname,
		AKPublic: params.Public,
		Secret:   secret,
		Binding:  challenge.Binding,
	}
	var resp messages.CertResponse
	if err := c.do(wire.OpMakeCert, certReq, &resp); err != nil {
		return nil, err
	}

	c.lgr().Info("ak_cert_issued", "hostname", hostname)
	return &resp, nil
}

// KeyCertParams configures the TLS-key certificate flow.
type KeyCertParams struct {
	Hostname     string
	AKCertPem    string
	EKCertPem    string
	PCRList      string
	PCRAlgorithm string

	// Log inclusion is the caller's choice; paths default to the
	// kernel securityfs files.
	IncludeIMALog  bool
	IMALogPath     string
	IncludeBIOSLog bool
	BIOSLogPath    string

	UnsignedFiles []string

	// AttestDataPath, when set, persists the returned evidence for the
	// TLS side channel.
	AttestDataPath string
}

// RequestKeyCert builds a CSR for a fresh TLS key, embeds the platform
// assertion and the AK quote over it, and asks the server to issue the
// certificate.
func (c *Client) RequestKeyCert(t TPM, p KeyCertParams) (*messages.CSRResponse, error) {
	mask, err := pcrpolicy.ParseList(p.PCRList)
	if err != nil {
		return nil, err
	}

	// The assertion carries the whole bank: hardware quotes select every
	// PCR regardless of the policy list, and the verifier needs a value
	// for each selected PCR to rebuild the quote digest.
	pcrs, err := t.PCRValues(p.PCRAlgorithm, pcrpolicy.FullMask())
	if err != nil {
		return nil, fmt.Errorf("read PCRs: %w", err)
	}

	assertion := messages.PlatformAssertion{
		PCRAlgorithm:  p.PCRAlgorithm,
		PCRList:       p.PCRList,
		PCRs:          pcrs,
		UnsignedFiles: p.UnsignedFiles,
	}
	if p.IncludeIMALog {
		path := p.IMALogPath
		if path == "" {
			path = DefaultIMALogPath
		}
		if assertion.IMALog, err = futil.ReadSeqFile(path); err != nil {
			return nil, fmt.Errorf("read IMA log: %w", err)
		}
	}
	if p.IncludeBIOSLog {
		path := p.BIOSLogPath
		if path == "" {
			path = DefaultBIOSLogPath
		}
		if assertion.BIOSLog, err = futil.ReadSeqFile(path); err != nil {
			return nil, fmt.Errorf("read BIOS log: %w", err)
		}
	}

	key, err := t.NewTLSKey()
	if err != nil {
		return nil, fmt.Errorf("create TLS key: %w", err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: p.Hostname},
		DNSNames: []string{p.Hostname},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}

	digest, err := verifier.RequestDigest(csrDER, &assertion)
	if err != nil {
		return nil, err
	}
	quote, sig, _, err := t.Quote(digest, p.PCRAlgorithm, mask)
	if err != nil {
		return nil, fmt.Errorf("quote assertion: %w", err)
	}

	req := messages.CSRRequest{
		CSR:            csrDER,
		Assertion:      assertion,
		AKCertPem:      p.AKCertPem,
		Quote:          quote,
		QuoteSignature: sig,
	}
	var resp messages.CSRResponse
	if err := c.do(wire.OpProcessCSR, req, &resp); err != nil {
		return nil, err
	}

	if p.AttestDataPath != "" {
		evidence := messages.AttestationData{
			AKCertPem:    p.AKCertPem,
			EKCertPem:    p.EKCertPem,
			CACertPem:    resp.CACertPem,
			PCRAlgorithm: p.PCRAlgorithm,
			PCRs:         pcrs,
		}
		enc, err := json.Marshal(&evidence)
		if err != nil {
			return nil, fmt.Errorf("encode attestation data: %w", err)
		}
		if err := futil.WriteFile(p.AttestDataPath, enc); err != nil {
			return nil, fmt.Errorf("save attestation data: %w", err)
		}
		c.lgr().Info("attest_data_saved", "path", p.AttestDataPath)
	}

	c.lgr().Info("key_cert_issued", "hostname", p.Hostname)
	return &resp, nil
}

// QuoteParams configures the quote challenge flow.
type QuoteParams struct {
	AKCertPem    string
	PCRList      string
	PCRAlgorithm string

	IncludeIMALog bool
	IMALogPath    string
}

// SendQuote fetches a challenge token, has the TPM quote over it and
// submits the quote for verification. A nil return is a verified quote;
// any server-side rejection surfaces as wire.ErrRemoteFailure.
func (c *Client) SendQuote(t TPM, p QuoteParams) error {
	mask, err := pcrpolicy.ParseList(p.PCRList)
	if err != nil {
		return err
	}

	var nonceResp messages.QuoteNonceResponse
	nonceReq := messages.QuoteNonceRequest{AKCertPem: p.AKCertPem}
	if err := c.do(wire.OpGenQuoteNonce, nonceReq, &nonceResp); err != nil {
		return err
	}

	quote, sig, pcrs, err := t.Quote(nonceResp.Token, p.PCRAlgorithm, mask)
	if err != nil {
		return fmt.Errorf("quote challenge: %w", err)
	}

	req := messages.QuoteRequest{
		Token:        nonceResp.Token,
		AKCertPem:    p.AKCertPem,
		Quote:        quote,
		Signature:    sig,
		PCRAlgorithm: p.PCRAlgorithm,
		PCRs:         pcrs,
	}
	if p.IncludeIMALog {
		path := p.IMALogPath
		if path == "" {
			path = DefaultIMALogPath
		}
		if req.IMALog, err = futil.ReadSeqFile(path); err != nil {
			return fmt.Errorf("read IMA log: %w", err)
		}
	}

	var verdict messages.QuoteResponse
	if err := c.do(wire.OpProcessQuote, req, &verdict); err != nil {
		return err
	}
	c.lgr().Info("quote_verified")
	return nil
}
