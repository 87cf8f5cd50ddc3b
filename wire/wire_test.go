package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x42},
		bytes.Repeat([]byte{0xab}, 4095),
		bytes.Repeat([]byte{0xcd}, 1<<20),
	}

	for _, payload := range payloads {
		var buf bytes.Buffer
		require.NoError(t, WriteRequest(&buf, OpProcessCSR, payload))

		// Total length counts itself and the opcode.
		assert.EqualValues(t, requestHeader+len(payload), buf.Len())

		op, got, err := ReadRequest(&buf)
		require.NoError(t, err)
		assert.Equal(t, OpProcessCSR, op)
		assert.True(t, bytes.Equal(payload, got), "payload of %d bytes mangled", len(payload))
	}
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, []byte("ok")))

	payload, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), payload)
}

func TestEmptyResponseIsNotFailure(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, nil))

	payload, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestFailureSentinel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFailure(&buf))
	assert.Equal(t, lenSize, buf.Len())

	_, err := ReadResponse(&buf)
	assert.ErrorIs(t, err, ErrRemoteFailure)
}

func TestShortLengthHeader(t *testing.T) {
	_, _, err := ReadRequest(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ReadResponse(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestRequestLengthSmallerThanHeader(t *testing.T) {
	var hdr [lenSize]byte
	byteOrder.PutUint64(hdr[:], 7)

	_, _, err := ReadRequest(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestOversizedRequestRejectedWithoutAllocation(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, requestHeader)
	byteOrder.PutUint64(hdr, uint64(requestHeader)+MaxPayload+1)
	buf.Write(hdr)

	_, _, err := ReadRequest(&buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLittleEndianOnTheWire(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, OpProcessQuote, []byte{0xaa}))

	raw := buf.Bytes()
	assert.EqualValues(t, 13, binary.LittleEndian.Uint64(raw[:8]))
	assert.EqualValues(t, OpProcessQuote, binary.LittleEndian.Uint32(raw[8:12]))
	assert.Equal(t, byte(0xaa), raw[12])
}

func TestUnknownOpString(t *testing.T) {
	assert.Equal(t, "gen_quote_nonce", OpGenQuoteNonce.String())
	assert.Equal(t, "op(99)", Op(99).String())
}
