package verifier

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
)

// tpmGeneratedMagic is the TPM_GENERATED_VALUE every genuine TPMS_ATTEST
// starts with.
const tpmGeneratedMagic = 0xff544347

// QuoteEvidence bundles a TPMS_ATTEST with the signature and the PCR
// values the quote is claimed to cover.
type QuoteEvidence struct {
	Quote     []byte
	Signature []byte
	PCRs      []messages.PCRValue
}

// CheckQuote validates a quote against the challenge it must answer:
// the TPMS_ATTEST must be a quote structure, its extra data must equal
// expected, and its PCR digest must be reproducible from the supplied
// PCR values. Unless flags skips it, the signature is verified against
// the AK public key. PCR policy over the values is the caller's step;
// this function only proves the values are the ones the TPM signed.
func CheckQuote(akPub crypto.PublicKey, ev *QuoteEvidence, expected []byte, flags Flags) error {
	att, err := tpm2.DecodeAttestationData(ev.Quote)
	if err != nil {
		return fmt.Errorf("%w: undecodable TPMS_ATTEST: %v", ErrQuoteMismatch, err)
	}
	if att.Magic != tpmGeneratedMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrQuoteMismatch, att.Magic)
	}
	if att.Type != tpm2.TagAttestQuote || att.AttestedQuoteInfo == nil {
		return fmt.Errorf("%w: not a quote structure", ErrQuoteMismatch)
	}
	if !bytes.Equal(att.ExtraData, expected) {
		return fmt.Errorf("%w: challenge binding mismatch", ErrQuoteMismatch)
	}

	if err := checkPCRDigest(att.AttestedQuoteInfo, ev.PCRs); err != nil {
		return err
	}

	if flags.Has(SkipSignatureVerification) {
		return nil
	}
	return verifySignature(akPub, ev.Quote, ev.Signature)
}

// QuotedPCRMask extracts the PCR selection bound into a TPMS_ATTEST as
// a policy mask. Coverage checks must run over this selection: supplied
// PCR values are only trustworthy for the PCRs the quote itself selects,
// anything else is an unverifiable claim.
func QuotedPCRMask(quote []byte) (pcrpolicy.Mask, error) {
	att, err := tpm2.DecodeAttestationData(quote)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable TPMS_ATTEST: %v", ErrQuoteMismatch, err)
	}
	if att.Type != tpm2.TagAttestQuote || att.AttestedQuoteInfo == nil {
		return nil, fmt.Errorf("%w: not a quote structure", ErrQuoteMismatch)
	}
	m := pcrpolicy.NewMask()
	for _, idx := range att.AttestedQuoteInfo.PCRSelection.PCRs {
		m.Set(idx)
	}
	return m, nil
}

// checkPCRDigest recomputes the quote's PCR digest from the supplied
// values, in selection order, and compares.
func checkPCRDigest(info *tpm2.QuoteInfo, pcrs []messages.PCRValue) error {
	hash, err := info.PCRSelection.Hash.Hash()
	if err != nil {
		return fmt.Errorf("%w: unsupported PCR bank in selection: %v", ErrQuoteMismatch, err)
	}

	byIndex := make(map[int][]byte, len(pcrs))
	for _, v := range pcrs {
		byIndex[v.Index] = v.Digest
	}

	h := hash.New()
	for _, idx := range info.PCRSelection.PCRs {
		digest, ok := byIndex[idx]
		if !ok {
			return fmt.Errorf("%w: quote selects PCR %d but no value was supplied", ErrQuoteMismatch, idx)
		}
		if len(digest) != hash.Size() {
			return fmt.Errorf("%w: PCR %d digest is %d bytes, bank wants %d",
				ErrQuoteMismatch, idx, len(digest), hash.Size())
		}
		h.Write(digest)
	}
	if !bytes.Equal(h.Sum(nil), info.PCRDigest) {
		return fmt.Errorf("%w: PCR digest mismatch", ErrQuoteMismatch)
	}
	return nil
}

// verifySignature checks the TPMT_SIGNATURE over the raw TPMS_ATTEST
// bytes with the AK public key.
func verifySignature(akPub crypto.PublicKey, quote, sig []byte) error {
	tpmSig, err := tpm2.DecodeSignature(bytes.NewBuffer(sig))
	if err != nil {
		return fmt.Errorf("%w: undecodable TPMT_SIGNATURE: %v", ErrBadSignature, err)
	}

	switch tpmSig.Alg {
	case tpm2.AlgRSASSA:
		pub, ok := akPub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: RSA signature but AK is %T", ErrBadSignature, akPub)
		}
		hash, err := tpmSig.RSA.HashAlg.Hash()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		h := hash.New()
		h.Write(quote)
		if err := rsa.VerifyPKCS1v15(pub, hash, h.Sum(nil), tpmSig.RSA.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	case tpm2.AlgECDSA:
		pub, ok := akPub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: ECDSA signature but AK is %T", ErrBadSignature, akPub)
		}
		hash, err := tpmSig.ECC.HashAlg.Hash()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		h := hash.New()
		h.Write(quote)
		if !ecdsa.Verify(pub, h.Sum(nil), tpmSig.ECC.R, tpmSig.ECC.S) {
			return fmt.Errorf("%w: ECDSA verification failed", ErrBadSignature)
		}
	default:
		return fmt.Errorf("%w: unsupported signature scheme %v", ErrBadSignature, tpmSig.Alg)
	}
	return nil
}
