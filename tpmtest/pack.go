package tpmtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/quarksec/tpm-enroll/messages"
)

// tpmGeneratedMagic is TPM_GENERATED_VALUE.
const tpmGeneratedMagic = 0xff544347

// FakeName returns a syntactically valid TPM name that belongs to no
// key, for tests that never verify a signature.
func FakeName() []byte {
	digest := sha256.Sum256([]byte("tpmtest"))
	name, err := tpmutil.Pack(tpm2.AlgSHA256, tpmutil.RawBytes(digest[:]))
	if err != nil {
		panic(err)
	}
	return name
}

// PackQuote builds a TPMS_ATTEST quote structure: signer name, extra
// data, and a SHA-256 selection covering the given PCR values, whose
// digest is computed over the values in ascending index order.
func PackQuote(signerName, extra []byte, pcrs []messages.PCRValue) ([]byte, error) {
	sorted := make([]messages.PCRValue, len(pcrs))
	copy(sorted, pcrs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	sel := make([]byte, 3)
	h := sha256.New()
	for _, pcr := range sorted {
		if pcr.Index < 0 || pcr.Index >= len(sel)*8 {
			return nil, fmt.Errorf("PCR index %d out of range", pcr.Index)
		}
		sel[pcr.Index/8] |= 1 << (pcr.Index % 8)
		h.Write(pcr.Digest)
	}

	return tpmutil.Pack(
		uint32(tpmGeneratedMagic),
		tpm2.TagAttestQuote,
		tpmutil.U16Bytes(signerName),
		tpmutil.U16Bytes(extra),
		uint64(1),       // clock
		uint32(1),       // reset count
		uint32(1),       // restart count
		byte(1),         // clock safe
		uint64(0x20631), // firmware version
		uint32(1),       // one selection
		tpm2.AlgSHA256,
		byte(len(sel)),
		tpmutil.RawBytes(sel),
		tpmutil.U16Bytes(h.Sum(nil)),
	)
}

// packCreationData builds a minimal decodable TPMS_CREATION_DATA.
func packCreationData() []byte {
	pcrDigest := sha256.Sum256(nil)
	data, err := tpmutil.Pack(
		uint32(1), // one selection
		tpm2.AlgSHA256,
		byte(3),
		tpmutil.RawBytes([]byte{0xff, 0, 0}),
		tpmutil.U16Bytes(pcrDigest[:]),
		byte(0),        // locality
		tpm2.AlgSHA256, // parent name alg
		// parent name, parent qualified name, outside info
		tpmutil.U16Bytes(nil),
		tpmutil.U16Bytes(nil),
		tpmutil.U16Bytes(nil),
	)
	if err != nil {
		panic(err)
	}
	return data
}

// packCreationAttestation builds a TPMS_ATTEST creation structure
// naming akName and binding createData by digest.
func packCreationAttestation(akName, createData []byte) ([]byte, error) {
	opaque := sha256.Sum256(createData)
	return tpmutil.Pack(
		uint32(tpmGeneratedMagic),
		tpm2.TagAttestCreation,
		tpmutil.U16Bytes(akName),
		tpmutil.U16Bytes(nil),
		uint64(1),
		uint32(1),
		uint32(1),
		byte(1),
		uint64(0x20631),
		tpmutil.U16Bytes(akName),
		tpmutil.U16Bytes(opaque[:]),
	)
}

// SignRSA produces a TPMT_SIGNATURE over data: RSASSA with SHA-256.
func SignRSA(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	return signRSA(key, data)
}

func signRSA(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}
	return tpmutil.Pack(tpm2.AlgRSASSA, tpm2.AlgSHA256, tpmutil.U16Bytes(sig))
}

// SignECDSA produces a TPMT_SIGNATURE over data: ECDSA with SHA-256.
func SignECDSA(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	return tpmutil.Pack(tpm2.AlgECDSA, tpm2.AlgSHA256,
		tpmutil.U16Bytes(r.Bytes()), tpmutil.U16Bytes(s.Bytes()))
}
