package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/google/go-attestation/attest"
	"github.com/google/go-tpm/tpm2"
	"github.com/inconshreveable/log15"

	"github.com/quarksec/tpm-enroll/futil"
	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
	"github.com/quarksec/tpm-enroll/verifier"
)

// attestTPM adapts a hardware TPM to the enrollment flows. The AK is
// marshaled to disk between invocations; the TLS key is a software key
// the CSR certifies.
type attestTPM struct {
	tpm     *attest.TPM
	lgr     log15.Logger
	akBytes []byte
	tlsKey  *ecdsa.PrivateKey
}

func openTPM(lgr log15.Logger) (*attestTPM, error) {
	tpm, err := attest.OpenTPM(&attest.OpenConfig{})
	if err != nil {
		return nil, err
	}
	return &attestTPM{tpm: tpm, lgr: lgr}, nil
}

func (t *attestTPM) Close() error {
	return t.tpm.Close()
}

// EndorsementKey prefers an ECDSA EK, falling back to RSA, the same
// preference order the CA applies when both are present.
func (t *attestTPM) EndorsementKey() (string, string, error) {
	eks, err := t.tpm.EKs()
	if err != nil {
		return "", "", err
	}
	if len(eks) == 0 {
		return "", "", errors.New("TPM reports no endorsement keys")
	}

	ek := &eks[0]
OUTER:
	for _, candidate := range eks {
		switch candidate.Public.(type) {
		case *ecdsa.PublicKey:
			k := candidate
			ek = &k
			break OUTER
		case *rsa.PublicKey:
			k := candidate
			ek = &k
		default:
			t.lgr.Warn("unexpected_ek_key_type", "type", fmt.Sprintf("%T", candidate.Public))
		}
	}

	publicPem, err := keyToPem(ek.Public)
	if err != nil {
		return "", "", err
	}
	var certPem string
	if ek.Certificate != nil {
		certPem = string(pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: ek.Certificate.Raw,
		}))
	}
	return certPem, publicPem, nil
}

func (t *attestTPM) AttestationParameters() (messages.AttestationParameters, error) {
	ak, err := t.tpm.NewAK(&attest.AKConfig{})
	if err != nil {
		return messages.AttestationParameters{}, err
	}
	defer ak.Close(t.tpm)

	t.akBytes, err = ak.Marshal()
	if err != nil {
		return messages.AttestationParameters{}, err
	}

	params := ak.AttestationParameters()
	return messages.AttestationParameters{
		Public:                  params.Public,
		UseTCSDActivationFormat: params.UseTCSDActivationFormat,
		CreateData:              params.CreateData,
		CreateAttestation:       params.CreateAttestation,
		CreateSignature:         params.CreateSignature,
	}, nil
}

func (t *attestTPM) ActivateCredential(credential, secret []byte) ([]byte, error) {
	ak, err := t.tpm.LoadAK(t.akBytes)
	if err != nil {
		return nil, err
	}
	defer ak.Close(t.tpm)

	return ak.ActivateCredential(t.tpm, attest.EncryptedCredential{
		Credential: credential,
		Secret:     secret,
	})
}

func (t *attestTPM) NewTLSKey() (crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	t.tlsKey = key
	return key, nil
}

func (t *attestTPM) PCRValues(bank string, mask pcrpolicy.Mask) ([]messages.PCRValue, error) {
	alg, err := hashAlgByName(bank)
	if err != nil {
		return nil, err
	}
	pcrs, err := t.tpm.PCRs(alg)
	if err != nil {
		return nil, err
	}
	return selectPCRs(pcrs, mask), nil
}

// Quote attests the full platform state and returns the quote for the
// requested bank. The returned values cover the quote's own PCR
// selection — hardware quotes select the whole bank, and the verifier
// rebuilds the quote digest from exactly that selection, so the policy
// mask must not narrow the value list.
func (t *attestTPM) Quote(data []byte, bank string, _ pcrpolicy.Mask) ([]byte, []byte, []messages.PCRValue, error) {
	cryptoHash, tpmAlg, err := verifier.HashByName(bank)
	if err != nil {
		return nil, nil, nil, err
	}

	ak, err := t.tpm.LoadAK(t.akBytes)
	if err != nil {
		return nil, nil, nil, err
	}
	defer ak.Close(t.tpm)

	platform, err := t.tpm.AttestPlatform(ak, data, &attest.PlatformAttestConfig{})
	if err != nil {
		return nil, nil, nil, err
	}

	for _, q := range platform.Quotes {
		att, err := tpm2.DecodeAttestationData(q.Quote)
		if err != nil || att.AttestedQuoteInfo == nil {
			continue
		}
		if att.AttestedQuoteInfo.PCRSelection.Hash != tpmAlg {
			continue
		}

		selected := make(map[int]bool, len(att.AttestedQuoteInfo.PCRSelection.PCRs))
		for _, idx := range att.AttestedQuoteInfo.PCRSelection.PCRs {
			selected[idx] = true
		}
		var pcrs []messages.PCRValue
		for _, pcr := range platform.PCRs {
			if pcr.DigestAlg != cryptoHash || !selected[pcr.Index] {
				continue
			}
			pcrs = append(pcrs, messages.PCRValue{Index: pcr.Index, Digest: pcr.Digest})
		}
		return q.Quote, q.Signature, pcrs, nil
	}
	return nil, nil, nil, fmt.Errorf("TPM produced no quote for bank %s", bank)
}

// SaveAK persists the marshaled AK created during enrollment.
func (t *attestTPM) SaveAK(path string) error {
	if t.akBytes == nil {
		return errors.New("no AK to save")
	}
	return futil.WriteFile(path, t.akBytes)
}

// LoadAK reads a previously enrolled AK.
func (t *attestTPM) LoadAK(path string) error {
	akBytes, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	t.akBytes = akBytes
	return nil
}

// SaveTLSKey writes the key created by the last NewTLSKey in PKCS#8 PEM.
func (t *attestTPM) SaveTLSKey(path string) error {
	if t.tlsKey == nil {
		return errors.New("no TLS key to save")
	}
	der, err := x509.MarshalPKCS8PrivateKey(t.tlsKey)
	if err != nil {
		return err
	}
	return futil.WriteFile(path, pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}))
}

func hashAlgByName(bank string) (attest.HashAlg, error) {
	switch bank {
	case "sha1":
		return attest.HashSHA1, nil
	case "sha256", "":
		return attest.HashSHA256, nil
	}
	return 0, fmt.Errorf("unsupported PCR bank %q", bank)
}

func selectPCRs(pcrs []attest.PCR, mask pcrpolicy.Mask) []messages.PCRValue {
	var out []messages.PCRValue
	for _, pcr := range pcrs {
		if !mask.Empty() && !mask.IsSet(pcr.Index) {
			continue
		}
		out = append(out, messages.PCRValue{Index: pcr.Index, Digest: pcr.Digest})
	}
	return out
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
