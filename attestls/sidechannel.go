// Package attestls layers an attestation-evidence exchange under a
// normal TLS connection. Before the handshake, each peer sends its
// cached evidence over the raw socket as a 32-bit big-endian length
// followed by that many bytes, client first; a peer with no evidence
// sends length zero and the exchange still completes. When SKAE
// verification is requested, the evidence received here seeds a
// verifier that is consulted again after the handshake, against the
// SKAE extension in the peer certificate: the two inputs are
// independent and both must agree.
package attestls

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxEvidence bounds what a peer can make us allocate during the
// pre-handshake exchange.
const maxEvidence = 16 << 20

func sendBlob(conn net.Conn, blob []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(blob)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("send evidence length: %w", err)
	}
	if len(blob) == 0 {
		return nil
	}
	if _, err := conn.Write(blob); err != nil {
		return fmt.Errorf("send evidence: %w", err)
	}
	return nil
}

func recvBlob(conn net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("read evidence length: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, nil
	}
	if size > maxEvidence {
		return nil, fmt.Errorf("evidence of %d bytes exceeds limit", size)
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(conn, blob); err != nil {
		return nil, fmt.Errorf("read evidence: %w", err)
	}
	return blob, nil
}

// ExchangeClient runs the client side of the pre-handshake exchange:
// send local evidence, then read the server's. Must complete before the
// TLS handshake starts.
func ExchangeClient(conn net.Conn, local []byte) ([]byte, error) {
	if err := sendBlob(conn, local); err != nil {
		return nil, err
	}
	return recvBlob(conn)
}

// ExchangeServer runs the server side: read the client's evidence, then
// send ours.
func ExchangeServer(conn net.Conn, local []byte) ([]byte, error) {
	peer, err := recvBlob(conn)
	if err != nil {
		return nil, err
	}
	if err := sendBlob(conn, local); err != nil {
		return nil, err
	}
	return peer, nil
}
