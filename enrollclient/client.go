// Package enrollclient drives the three enrollment flows against an
// attest-ra-server: AK certificate enrollment, policy-gated TLS key
// certificate issuance, and the quote challenge. Each flow is a strict
// sequence of request/response exchanges; any failed step aborts the
// flow with the specific error, there are no retries at this layer.
//
// TPM access is behind the TPM interface so the flows can be exercised
// without hardware; the raclient binary provides the go-attestation
// implementation.
package enrollclient

import (
	"crypto"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/quarksec/tpm-enroll/messages"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
	"github.com/quarksec/tpm-enroll/wire"
)

// tpmVersion20 is the only TPM family this client enrolls.
const tpmVersion20 = 2

// TPM is the device surface the flows need.
type TPM interface {
	// EndorsementKey returns the EK certificate in PEM if the TPM has
	// one, else the bare EK public key in PEM.
	EndorsementKey() (certPem string, publicPem string, err error)

	// AttestationParameters returns the AK creation data for
	// enrollment. Public doubles as the AK identity in MakeCert.
	AttestationParameters() (messages.AttestationParameters, error)

	// ActivateCredential resolves a MakeCredential challenge and
	// returns the decrypted activation secret.
	ActivateCredential(credential, secret []byte) ([]byte, error)

	// NewTLSKey creates the key a TLS-key CSR certifies.
	NewTLSKey() (crypto.Signer, error)

	// PCRValues reads the selected PCRs from the named bank.
	PCRValues(bank string, mask pcrpolicy.Mask) ([]messages.PCRValue, error)

	// Quote has the AK quote the selected PCRs over data and returns
	// the TPMS_ATTEST, the TPMT_SIGNATURE and the PCR values read.
	Quote(data []byte, bank string, mask pcrpolicy.Mask) (quote, signature []byte, pcrs []messages.PCRValue, err error)
}

// Client issues enrollment operations against one server. Each
// operation opens its own connection: the protocol carries exactly one
// request/response pair per connection.
type Client struct {
	Addr        string
	Logger      log15.Logger
	DialTimeout time.Duration
}

func (c *Client) lgr() log15.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log15.New()
}

// do runs one operation: connect, send, receive, decode. A zero-length
// response surfaces as wire.ErrRemoteFailure; the server never says
// more.
func (c *Client) do(op wire.Op, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("tcp", c.Addr, timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, op, payload); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	respPayload, err := wire.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(respPayload, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
