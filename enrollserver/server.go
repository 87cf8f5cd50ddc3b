// Package enrollserver implements the server side of the enrollment
// protocol: a serial accept loop dispatching the five operations over
// length-prefixed frames.
//
// All state a handler touches — the derived HMAC keys, the CA, the
// required PCR mask, the verifier flags — is immutable after New, so
// swapping the serial loop for a goroutine per connection is purely a
// scheduling change in Serve. CA signing stays safe either way behind
// the authority's own lock.
//
// Every handler failure collapses to the zero-length failure sentinel on
// the wire: a client learns that an operation failed, never why. The
// specific error is kept for the server log.
package enrollserver

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/quarksec/tpm-enroll/ca"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
	"github.com/quarksec/tpm-enroll/quotenonce"
	"github.com/quarksec/tpm-enroll/verifier"
	"github.com/quarksec/tpm-enroll/wire"
)

var (
	// ErrInvalidRequest reports a payload that does not parse or fails
	// structural validation.
	ErrInvalidRequest = errors.New("enroll: invalid request")

	// ErrNotTrusted reports endorsement or attestation key material the
	// server does not recognize.
	ErrNotTrusted = errors.New("enroll: key material not trusted")

	// ErrProofOfPossession reports a MakeCert request whose resolved
	// challenge does not match the issued credential.
	ErrProofOfPossession = errors.New("enroll: proof of possession failed")

	// ErrIssuance reports a CA signing failure.
	ErrIssuance = errors.New("enroll: certificate issuance failed")
)

// Params configures a Server. Secret is the 64-byte process-lifetime
// secret; it is captured at New and never regenerated.
type Params struct {
	Logger       log15.Logger
	CA           *ca.Authority
	Secret       []byte
	RequiredMask pcrpolicy.Mask
	Flags        verifier.Flags

	// EKRoots verifies endorsement certificates; TrustedEKs are PEM
	// public keys accepted without a chain.
	EKRoots    *x509.CertPool
	TrustedEKs []string

	// ConnTimeout bounds one whole request/response exchange. Zero
	// leaves connections without deadlines.
	ConnTimeout time.Duration
}

// Server dispatches enrollment requests. Create with New.
type Server struct {
	lgr     log15.Logger
	ca      *ca.Authority
	binder  *quotenonce.Binder
	credKey []byte

	requiredMask pcrpolicy.Mask
	flags        verifier.Flags

	ekRoots    *x509.CertPool
	trustedEKs map[string]bool

	connTimeout time.Duration
}

// New builds a server from p, deriving the per-purpose HMAC keys from
// the secret.
func New(p Params) (*Server, error) {
	if p.CA == nil {
		return nil, errors.New("enroll: CA authority required")
	}
	binder, err := quotenonce.NewBinder(p.Secret)
	if err != nil {
		return nil, err
	}
	credKey, err := quotenonce.DeriveKey(p.Secret, "tpm-enroll/credential-binding")
	if err != nil {
		return nil, err
	}

	trusted := make(map[string]bool, len(p.TrustedEKs))
	for _, pemKey := range p.TrustedEKs {
		key, err := parseKey(pemKey)
		if err != nil {
			return nil, fmt.Errorf("trusted EK: %w", err)
		}
		canonical, err := keyToPem(key)
		if err != nil {
			return nil, fmt.Errorf("trusted EK: %w", err)
		}
		trusted[canonical] = true
	}

	mask := p.RequiredMask
	if mask == nil {
		mask = pcrpolicy.NewMask()
	}
	lgr := p.Logger
	if lgr == nil {
		lgr = log15.New()
	}

	return &Server{
		lgr:          lgr,
		ca:           p.CA,
		binder:       binder,
		credKey:      credKey,
		requiredMask: mask,
		flags:        p.Flags,
		ekRoots:      p.EKRoots,
		trustedEKs:   trusted,
		connTimeout:  p.ConnTimeout,
	}, nil
}

// Serve accepts connections until the listener closes. Connections are
// handled one at a time: a request is fully read, dispatched and
// answered before the next accept. A fault in one connection never
// stops the loop.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.lgr.Warn("accept_timeout", "err", err)
				continue
			}
			return err
		}
		s.handleConn(conn)
	}
}

// handleConn runs one request/response exchange. It is the unit a
// concurrent scheduler would hand to a goroutine.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.connTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.connTimeout))
	}

	op, payload, err := wire.ReadRequest(conn)
	if err != nil {
		s.lgr.Error("read_request_err", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	resp, err := s.dispatch(op, payload)
	if err != nil {
		s.lgr.Error("op_failed", "op", op.String(), "remote", conn.RemoteAddr(), "err", err)
		if werr := wire.WriteFailure(conn); werr != nil {
			s.lgr.Error("write_failure_err", "err", werr)
		}
		return
	}

	s.lgr.Info("op_ok", "op", op.String(), "remote", conn.RemoteAddr())
	if err := wire.WriteResponse(conn, resp); err != nil {
		s.lgr.Error("write_response_err", "err", err)
	}
}

func (s *Server) dispatch(op wire.Op, payload []byte) ([]byte, error) {
	switch op {
	case wire.OpMakeCredential:
		return s.handleMakeCredential(payload)
	case wire.OpMakeCert:
		return s.handleMakeCert(payload)
	case wire.OpProcessCSR:
		return s.handleProcessCSR(payload)
	case wire.OpGenQuoteNonce:
		return s.handleGenQuoteNonce(payload)
	case wire.OpProcessQuote:
		return s.handleProcessQuote(payload)
	}
	return nil, fmt.Errorf("%w: unknown opcode %d", ErrInvalidRequest, uint32(op))
}
