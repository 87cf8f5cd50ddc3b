package verifier

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/tpmtest"
)

func testPCRs(t *testing.T) []messages.PCRValue {
	t.Helper()
	var pcrs []messages.PCRValue
	for i := 0; i < 8; i++ {
		digest := sha256.Sum256([]byte{byte(i)})
		pcrs = append(pcrs, messages.PCRValue{Index: i, Digest: digest[:]})
	}
	return pcrs
}

func TestCheckQuoteRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pcrs := testPCRs(t)
	extra := []byte("challenge")
	quote, err := tpmtest.PackQuote(tpmtest.FakeName(), extra, pcrs)
	require.NoError(t, err)
	sig, err := tpmtest.SignRSA(key, quote)
	require.NoError(t, err)

	ev := &QuoteEvidence{Quote: quote, Signature: sig, PCRs: pcrs}
	assert.NoError(t, CheckQuote(&key.PublicKey, ev, extra, 0))
}

func TestCheckQuoteECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pcrs := testPCRs(t)
	extra := []byte("challenge")
	quote, err := tpmtest.PackQuote(tpmtest.FakeName(), extra, pcrs)
	require.NoError(t, err)
	sig, err := tpmtest.SignECDSA(key, quote)
	require.NoError(t, err)

	ev := &QuoteEvidence{Quote: quote, Signature: sig, PCRs: pcrs}
	assert.NoError(t, CheckQuote(&key.PublicKey, ev, extra, 0))
}

func TestCheckQuoteWrongChallenge(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pcrs := testPCRs(t)
	quote, err := tpmtest.PackQuote(tpmtest.FakeName(), []byte("issued"), pcrs)
	require.NoError(t, err)
	sig, err := tpmtest.SignRSA(key, quote)
	require.NoError(t, err)

	ev := &QuoteEvidence{Quote: quote, Signature: sig, PCRs: pcrs}
	err = CheckQuote(&key.PublicKey, ev, []byte("expected"), 0)
	assert.ErrorIs(t, err, ErrQuoteMismatch)
}

func TestCheckQuotePCRValueTampered(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pcrs := testPCRs(t)
	extra := []byte("challenge")
	quote, err := tpmtest.PackQuote(tpmtest.FakeName(), extra, pcrs)
	require.NoError(t, err)
	sig, err := tpmtest.SignRSA(key, quote)
	require.NoError(t, err)

	// Claiming a different value for a quoted PCR must break the
	// digest recomputation.
	pcrs[3].Digest[0] ^= 0xff

	ev := &QuoteEvidence{Quote: quote, Signature: sig, PCRs: pcrs}
	err = CheckQuote(&key.PublicKey, ev, extra, 0)
	assert.ErrorIs(t, err, ErrQuoteMismatch)
}

func TestCheckQuoteMissingPCRValue(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pcrs := testPCRs(t)
	extra := []byte("challenge")
	quote, err := tpmtest.PackQuote(tpmtest.FakeName(), extra, pcrs)
	require.NoError(t, err)
	sig, err := tpmtest.SignRSA(key, quote)
	require.NoError(t, err)

	ev := &QuoteEvidence{Quote: quote, Signature: sig, PCRs: pcrs[1:]}
	err = CheckQuote(&key.PublicKey, ev, extra, 0)
	assert.ErrorIs(t, err, ErrQuoteMismatch)
}

func TestCheckQuoteForeignSignature(t *testing.T) {
	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pcrs := testPCRs(t)
	extra := []byte("challenge")
	quote, err := tpmtest.PackQuote(tpmtest.FakeName(), extra, pcrs)
	require.NoError(t, err)
	sig, err := tpmtest.SignRSA(signer, quote)
	require.NoError(t, err)

	ev := &QuoteEvidence{Quote: quote, Signature: sig, PCRs: pcrs}
	err = CheckQuote(&other.PublicKey, ev, extra, 0)
	assert.ErrorIs(t, err, ErrBadSignature)

	// The same evidence passes when signature verification is
	// configured off.
	assert.NoError(t, CheckQuote(&other.PublicKey, ev, extra, SkipSignatureVerification))
}

func TestCheckQuoteGarbage(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ev := &QuoteEvidence{Quote: []byte("not a quote"), Signature: nil}
	err = CheckQuote(&key.PublicKey, ev, nil, 0)
	assert.ErrorIs(t, err, ErrQuoteMismatch)
}

func TestQuotedPCRMask(t *testing.T) {
	pcrs := []messages.PCRValue{
		{Index: 0, Digest: testPCRs(t)[0].Digest},
		{Index: 2, Digest: testPCRs(t)[2].Digest},
		{Index: 5, Digest: testPCRs(t)[5].Digest},
	}
	quote, err := tpmtest.PackQuote(tpmtest.FakeName(), []byte("challenge"), pcrs)
	require.NoError(t, err)

	mask, err := QuotedPCRMask(quote)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 5}, mask.Indices())

	_, err = QuotedPCRMask([]byte("not a quote"))
	assert.ErrorIs(t, err, ErrQuoteMismatch)
}

func TestRequestDigestStable(t *testing.T) {
	csr := []byte("csr der bytes")
	a := &messages.PlatformAssertion{
		PCRAlgorithm: "sha256",
		PCRList:      "0,1",
		PCRs:         testPCRs(t)[:2],
	}

	d1, err := RequestDigest(csr, a)
	require.NoError(t, err)
	d2, err := RequestDigest(csr, a)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, sha256.Size)

	a.PCRList = "0,1,2"
	d3, err := RequestDigest(csr, a)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestRequestDigestBindsCSR(t *testing.T) {
	a := &messages.PlatformAssertion{
		PCRAlgorithm: "sha256",
		PCRList:      "0,1",
		PCRs:         testPCRs(t)[:2],
	}

	d1, err := RequestDigest([]byte("one key"), a)
	require.NoError(t, err)
	d2, err := RequestDigest([]byte("another key"), a)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestHashByName(t *testing.T) {
	_, _, err := HashByName("sha256")
	assert.NoError(t, err)
	_, _, err = HashByName("")
	assert.NoError(t, err)
	_, _, err = HashByName("md5")
	assert.Error(t, err)
}
