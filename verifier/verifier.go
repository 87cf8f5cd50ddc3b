// Package verifier holds the server-side evidence checks shared by the
// certificate-issuance and quote-challenge paths: TPM quote validation,
// platform-assertion binding and IMA measurement-list scanning, all
// subject to the policy relaxation flags configured at server start.
package verifier

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// Flags is the set of policy relaxations. It is configured once at
// startup and applied uniformly to every request.
type Flags uint16

const (
	// AllowIMAViolations accepts evidence whose measurement log records
	// IMA violation entries.
	AllowIMAViolations Flags = 1 << iota

	// SkipSignatureVerification accepts quotes and assertions without
	// checking the AK signature. Test deployments only.
	SkipSignatureVerification
)

// Has reports whether flag is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

var (
	// ErrQuoteMismatch reports a quote whose structure, challenge
	// binding or PCR digest does not match the supplied evidence.
	ErrQuoteMismatch = errors.New("verifier: quote does not match evidence")

	// ErrBadSignature reports a quote signature the AK did not produce.
	ErrBadSignature = errors.New("verifier: bad quote signature")
)

// HashByName maps a PCR bank name to the crypto hash and TPM algorithm
// identifier.
func HashByName(name string) (crypto.Hash, tpm2.Algorithm, error) {
	switch name {
	case "sha1":
		return crypto.SHA1, tpm2.AlgSHA1, nil
	case "sha256", "":
		return crypto.SHA256, tpm2.AlgSHA256, nil
	case "sha384":
		return crypto.SHA384, tpm2.AlgSHA384, nil
	case "sha512":
		return crypto.SHA512, tpm2.AlgSHA512, nil
	}
	return 0, 0, fmt.Errorf("verifier: unsupported PCR bank %q", name)
}
