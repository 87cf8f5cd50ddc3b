package verifier

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/quarksec/tpm-enroll/messages"
)

// RequestDigest is the value a TLS-key CSR request's quote must be
// computed over: SHA-256 of the CSR followed by the assertion's
// canonical JSON encoding. Covering the CSR ties the quote to the key
// being certified, so captured evidence cannot be replayed to certify a
// different key. Client and server both marshal the same struct, so the
// bytes agree.
func RequestDigest(csr []byte, a *messages.PlatformAssertion) ([]byte, error) {
	enc, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode assertion: %w", err)
	}
	h := sha256.New()
	h.Write(csr)
	h.Write(enc)
	return h.Sum(nil), nil
}
