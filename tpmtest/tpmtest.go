// Package tpmtest provides a software stand-in for a TPM 2.0 device:
// it holds plain RSA endorsement and attestation keys and synthesizes
// the wire structures a real TPM would emit, so the enrollment flows
// and the server-side verifiers can be exercised end to end without
// hardware.
package tpmtest

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-tpm/tpm2"

	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
)

// TPM implements the client device interface in software. PCRBank maps
// PCR index to its SHA-256 digest; the default bank covers PCRs 0-7
// with deterministic values.
type TPM struct {
	EK     *rsa.PrivateKey
	EKCert *x509.Certificate
	AK     *rsa.PrivateKey

	PCRBank map[int][]byte

	TLSKey *ecdsa.PrivateKey
}

// New builds a fake TPM with fresh keys and the default PCR bank.
func New(t *testing.T) *TPM {
	t.Helper()

	ek, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate EK: %s", err)
	}
	ak, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate AK: %s", err)
	}

	bank := make(map[int][]byte, 8)
	for i := 0; i < 8; i++ {
		digest := sha256.Sum256([]byte{byte(i)})
		bank[i] = digest[:]
	}

	return &TPM{EK: ek, AK: ak, PCRBank: bank}
}

// AKPublicBlob returns the TPMT_PUBLIC encoding of the AK.
func (f *TPM) AKPublicBlob() []byte {
	blob, err := akPublic(&f.AK.PublicKey).Encode()
	if err != nil {
		panic(fmt.Sprintf("encode AK public: %s", err))
	}
	return blob
}

func akPublic(pub *rsa.PublicKey) tpm2.Public {
	return tpm2.Public{
		Type:    tpm2.AlgRSA,
		NameAlg: tpm2.AlgSHA256,
		Attributes: tpm2.FlagFixedTPM | tpm2.FlagFixedParent |
			tpm2.FlagSensitiveDataOrigin | tpm2.FlagUserWithAuth |
			tpm2.FlagRestricted | tpm2.FlagSign,
		RSAParameters: &tpm2.RSAParams{
			Sign: &tpm2.SigScheme{
				Alg:  tpm2.AlgRSASSA,
				Hash: tpm2.AlgSHA256,
			},
			KeyBits:    2048,
			ModulusRaw: pub.N.Bytes(),
		},
	}
}

// akName returns the AK's TPM name: name algorithm followed by the
// digest of the TPMT_PUBLIC.
func (f *TPM) akName() []byte {
	name, err := akPublic(&f.AK.PublicKey).Name()
	if err != nil || name.Digest == nil {
		panic(fmt.Sprintf("compute AK name: %s", err))
	}
	enc, err := name.Digest.Encode()
	if err != nil {
		panic(fmt.Sprintf("encode AK name: %s", err))
	}
	return enc
}

// EndorsementKey returns the EK certificate when one was installed with
// an EK CA, else just the bare public key.
func (f *TPM) EndorsementKey() (string, string, error) {
	publicDER, err := x509.MarshalPKIXPublicKey(&f.EK.PublicKey)
	if err != nil {
		return "", "", err
	}
	publicPem := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}))

	var certPem string
	if f.EKCert != nil {
		certPem = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.EKCert.Raw}))
	}
	return certPem, publicPem, nil
}

// AttestationParameters synthesizes the AK creation bundle: encoded
// public area, creation data, a creation attestation naming the AK, and
// the AK's signature over it.
func (f *TPM) AttestationParameters() (messages.AttestationParameters, error) {
	public := f.AKPublicBlob()
	createData := packCreationData()

	createAttest, err := packCreationAttestation(f.akName(), createData)
	if err != nil {
		return messages.AttestationParameters{}, err
	}
	createSig, err := signRSA(f.AK, createAttest)
	if err != nil {
		return messages.AttestationParameters{}, err
	}

	return messages.AttestationParameters{
		Public:            public,
		CreateData:        createData,
		CreateAttestation: createAttest,
		CreateSignature:   createSig,
	}, nil
}

// ActivateCredential undoes the credential protection a server builds
// with tpm2/credactivation: recover the seed with the EK, re-derive the
// symmetric key bound to the AK name, and decrypt the secret.
func (f *TPM) ActivateCredential(credential, secret []byte) ([]byte, error) {
	if len(secret) < 2 || len(credential) < 4 {
		return nil, errors.New("credential blob too short")
	}

	// Both blobs carry their TPM2B length prefix.
	encSeed := secret[2:]
	label := append([]byte("IDENTITY"), 0)
	seed, err := rsa.DecryptOAEP(sha256.New(), nil, f.EK, encSeed, label)
	if err != nil {
		return nil, fmt.Errorf("recover seed: %w", err)
	}

	name := f.akName()
	symKey, err := tpm2.KDFa(tpm2.AlgSHA256, seed, "STORAGE", name, nil, len(seed)*8)
	if err != nil {
		return nil, err
	}

	idObject := credential[2:]
	if len(idObject) < 2 {
		return nil, errors.New("truncated id object")
	}
	hmacLen := int(binary.BigEndian.Uint16(idObject))
	if len(idObject) < 2+hmacLen {
		return nil, errors.New("truncated integrity HMAC")
	}
	encIdentity := idObject[2+hmacLen:]

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(encIdentity))
	iv := make([]byte, block.BlockSize())
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, encIdentity)

	// The credential value is itself a TPM2B.
	if len(out) >= 2 && int(binary.BigEndian.Uint16(out)) == len(out)-2 {
		out = out[2:]
	}
	return out, nil
}

func (f *TPM) NewTLSKey() (crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	f.TLSKey = key
	return key, nil
}

func (f *TPM) PCRValues(bank string, mask pcrpolicy.Mask) ([]messages.PCRValue, error) {
	if bank != "" && bank != "sha256" {
		return nil, fmt.Errorf("unsupported PCR bank %q", bank)
	}
	return f.selectPCRs(mask), nil
}

// Quote signs a synthesized TPMS_ATTEST over data covering the selected
// PCRs.
func (f *TPM) Quote(data []byte, bank string, mask pcrpolicy.Mask) ([]byte, []byte, []messages.PCRValue, error) {
	pcrs, err := f.PCRValues(bank, mask)
	if err != nil {
		return nil, nil, nil, err
	}

	quote, err := PackQuote(f.akName(), data, pcrs)
	if err != nil {
		return nil, nil, nil, err
	}
	sig, err := signRSA(f.AK, quote)
	if err != nil {
		return nil, nil, nil, err
	}
	return quote, sig, pcrs, nil
}

func (f *TPM) selectPCRs(mask pcrpolicy.Mask) []messages.PCRValue {
	indices := make([]int, 0, len(f.PCRBank))
	for idx := range f.PCRBank {
		if mask.Empty() || mask.IsSet(idx) {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	out := make([]messages.PCRValue, 0, len(indices))
	for _, idx := range indices {
		out = append(out, messages.PCRValue{Index: idx, Digest: f.PCRBank[idx]})
	}
	return out
}
