// Package messages defines the JSON payloads carried inside protocol
// frames, plus the attestation evidence document persisted by the client
// and replayed over the TLS side channel.
package messages

// AttestationParameters mirrors the TPM attestation-key creation data the
// client sends so the server can validate and activate the AK.
type AttestationParameters struct {
	Public                  []byte `json:"public"`
	UseTCSDActivationFormat bool   `json:"use_tcsd_activation_format"`
	CreateData              []byte `json:"create_data"`
	CreateAttestation       []byte `json:"create_attestation"`
	CreateSignature         []byte `json:"create_signature"`
}

// CredentialRequest starts AK enrollment. The endorsement identity is a
// certificate chained to a configured EK CA, or a bare public key the
// server has been told to trust.
type CredentialRequest struct {
	TPMVersion            int                   `json:"tpm_version"`
	EKCertPem             string                `json:"ek_cert,omitempty"`
	EKPublicPem           string                `json:"ek_public,omitempty"`
	AttestationParameters AttestationParameters `json:"attestation_parameters"`
}

// CredentialChallenge is the activation challenge. Binding is an HMAC
// over (activation secret || AK public) under a key derived from the
// server secret; echoing it with the decrypted secret in CertRequest is
// what lets the server verify possession without per-client state.
type CredentialChallenge struct {
	Credential []byte `json:"credential"`
	Secret     []byte `json:"secret"`
	Binding    []byte `json:"binding"`
}

// CertRequest proves the activation challenge was resolved and asks for
// the AK certificate.
type CertRequest struct {
	Hostname string `json:"hostname"`
	AKPublic []byte `json:"ak_public"`
	Secret   []byte `json:"secret"`
	Binding  []byte `json:"binding"`
}

// CertResponse returns the AK certificate and the issuing CA chain.
type CertResponse struct {
	AKCertPem string `json:"ak_cert"`
	CACertPem string `json:"ca_cert"`
}

// PCRValue is one PCR reading in the selected bank.
type PCRValue struct {
	Index  int    `json:"index"`
	Digest []byte `json:"digest"`
}

// PlatformAssertion is the integrity evidence embedded in a TLS-key CSR
// request: the PCR bank and values backing the request, plus the logs
// that explain them. UnsignedFiles lists files measured without a
// signature that the caller chose to disclose; the list is quote-bound
// like the rest of the assertion but kept for operator audit only, the
// server does not evaluate it.
type PlatformAssertion struct {
	PCRAlgorithm  string     `json:"pcr_algorithm"`
	PCRList       string     `json:"pcr_list"`
	PCRs          []PCRValue `json:"pcrs"`
	IMALog        []byte     `json:"ima_log,omitempty"`
	BIOSLog       []byte     `json:"bios_log,omitempty"`
	UnsignedFiles []string   `json:"unsigned_files,omitempty"`
}

// CSRRequest asks for a policy-gated TLS key certificate. Quote is a
// TPMS_ATTEST computed by the AK over the assertion digest, tying the
// asserted PCR values to this request.
type CSRRequest struct {
	CSR            []byte            `json:"csr"`
	Assertion      PlatformAssertion `json:"assertion"`
	AKCertPem      string            `json:"ak_cert"`
	Quote          []byte            `json:"quote"`
	QuoteSignature []byte            `json:"quote_signature"`
}

// CSRResponse returns the issued key certificate and the CA chain.
type CSRResponse struct {
	KeyCertPem string `json:"key_cert"`
	CACertPem  string `json:"ca_cert"`
}

// QuoteNonceRequest asks for a challenge token. The server does not need
// any of it; the AK certificate is included for operator logs only.
type QuoteNonceRequest struct {
	AKCertPem string `json:"ak_cert,omitempty"`
}

// QuoteNonceResponse carries the signed nonce token the quote must be
// computed over.
type QuoteNonceResponse struct {
	Token []byte `json:"token"`
}

// QuoteRequest answers a quote challenge: the token as issued, the
// TPMS_ATTEST computed over it, the AK signature, and the PCR values and
// logs backing the quote.
type QuoteRequest struct {
	Token        []byte     `json:"token"`
	AKCertPem    string     `json:"ak_cert"`
	Quote        []byte     `json:"quote"`
	Signature    []byte     `json:"signature"`
	PCRAlgorithm string     `json:"pcr_algorithm"`
	PCRs         []PCRValue `json:"pcrs"`
	IMALog       []byte     `json:"ima_log,omitempty"`
	BIOSLog      []byte     `json:"bios_log,omitempty"`
}

// QuoteResponse is the verification verdict. A failed verification is
// reported by the wire sentinel, so Verified is true whenever a response
// arrives at all.
type QuoteResponse struct {
	Verified bool `json:"verified"`
}

// AttestationData is the evidence document persisted after enrollment
// and offered over the TLS side channel.
type AttestationData struct {
	AKCertPem    string     `json:"ak_cert"`
	EKCertPem    string     `json:"ek_cert,omitempty"`
	CACertPem    string     `json:"ca_cert,omitempty"`
	PCRAlgorithm string     `json:"pcr_algorithm,omitempty"`
	PCRs         []PCRValue `json:"pcrs,omitempty"`
}
