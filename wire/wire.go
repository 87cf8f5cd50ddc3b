// Package wire implements the length-prefixed frame format used by the
// enrollment protocol. A request frame is an 8-byte total length (which
// counts itself), a 4-byte opcode and the payload. A response frame is an
// 8-byte total length followed by the payload; a total length of zero is
// the failure sentinel and carries no payload.
//
// Both ends must agree on the frame byte order out of band; frames are
// encoded little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Op identifies one of the five protocol operations. The set is closed;
// a server receiving anything else answers with the failure sentinel.
type Op uint32

const (
	OpMakeCredential Op = iota
	OpMakeCert
	OpProcessCSR
	OpGenQuoteNonce
	OpProcessQuote
)

func (o Op) String() string {
	switch o {
	case OpMakeCredential:
		return "make_credential"
	case OpMakeCert:
		return "make_cert"
	case OpProcessCSR:
		return "process_csr"
	case OpGenQuoteNonce:
		return "gen_quote_nonce"
	case OpProcessQuote:
		return "process_quote"
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

const (
	lenSize       = 8
	opSize        = 4
	requestHeader = lenSize + opSize

	// MaxPayload bounds the bytes a peer can make us allocate from a
	// single frame header.
	MaxPayload = 16 << 20
)

var (
	// ErrProtocol reports a malformed frame: a short length header, a
	// total length smaller than the header it must cover, or a length
	// beyond MaxPayload.
	ErrProtocol = errors.New("wire: protocol error")

	// ErrRemoteFailure is returned by ReadResponse when the peer sent
	// the zero-length failure sentinel. The protocol deliberately does
	// not say why the operation failed.
	ErrRemoteFailure = errors.New("wire: remote reported failure")
)

var byteOrder = binary.LittleEndian

// writeFull loops until all of buf is written or the underlying writer
// fails.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// WriteRequest writes a request frame for op carrying payload.
func WriteRequest(w io.Writer, op Op, payload []byte) error {
	hdr := make([]byte, requestHeader)
	byteOrder.PutUint64(hdr, uint64(requestHeader+len(payload)))
	byteOrder.PutUint32(hdr[lenSize:], uint32(op))
	if err := writeFull(w, hdr); err != nil {
		return err
	}
	return writeFull(w, payload)
}

// ReadRequest reads one request frame. The opcode is returned as sent;
// validating it against the known set is the dispatcher's job.
func ReadRequest(r io.Reader) (Op, []byte, error) {
	total, err := readLength(r)
	if err != nil {
		return 0, nil, err
	}
	if total < requestHeader || total-requestHeader > MaxPayload {
		return 0, nil, fmt.Errorf("%w: bad request length %d", ErrProtocol, total)
	}

	var opBuf [opSize]byte
	if _, err := io.ReadFull(r, opBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: short opcode read", ErrProtocol)
	}
	op := Op(byteOrder.Uint32(opBuf[:]))

	payload := make([]byte, total-requestHeader)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read request payload: %w", err)
	}
	return op, payload, nil
}

// WriteResponse writes a success response frame. An empty payload is a
// valid success: the total length is still non-zero.
func WriteResponse(w io.Writer, payload []byte) error {
	hdr := make([]byte, lenSize)
	byteOrder.PutUint64(hdr, uint64(lenSize+len(payload)))
	if err := writeFull(w, hdr); err != nil {
		return err
	}
	return writeFull(w, payload)
}

// WriteFailure writes the zero-length failure sentinel.
func WriteFailure(w io.Writer) error {
	var hdr [lenSize]byte
	return writeFull(w, hdr[:])
}

// ReadResponse reads one response frame. The zero-length sentinel is
// reported as ErrRemoteFailure, never as an empty successful payload.
func ReadResponse(r io.Reader) ([]byte, error) {
	total, err := readLength(r)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrRemoteFailure
	}
	if total < lenSize || total-lenSize > MaxPayload {
		return nil, fmt.Errorf("%w: bad response length %d", ErrProtocol, total)
	}

	payload := make([]byte, total-lenSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read response payload: %w", err)
	}
	return payload, nil
}

// readLength reads the 8-byte total length. A short read here is a
// protocol error, not something to retry.
func readLength(r io.Reader) (uint64, error) {
	var buf [lenSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("%w: short length read", ErrProtocol)
		}
		return 0, err
	}
	return byteOrder.Uint64(buf[:]), nil
}
