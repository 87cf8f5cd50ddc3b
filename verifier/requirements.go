package verifier

import (
	"encoding/json"
	"fmt"

	"github.com/quarksec/tpm-enroll/futil"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
)

// Requirements is the verification policy document shared between the
// enrollment server and TLS peers that check attestation evidence. The
// PCR list uses the same comma-separated syntax as the command line.
type Requirements struct {
	PCRList            string `json:"pcr_list"`
	AllowIMAViolations bool   `json:"allow_ima_violations,omitempty"`
}

// Mask parses the PCR list into a selection mask.
func (r *Requirements) Mask() (pcrpolicy.Mask, error) {
	return pcrpolicy.ParseList(r.PCRList)
}

// Flags translates the policy toggles into verifier flags.
func (r *Requirements) Flags() Flags {
	var f Flags
	if r.AllowIMAViolations {
		f |= AllowIMAViolations
	}
	return f
}

// LoadRequirements reads a policy document from path with the
// sequential two-pass reader, so policies can live on generated
// filesystems.
func LoadRequirements(path string) (*Requirements, error) {
	raw, err := futil.ReadSeqFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requirements: %w", err)
	}
	var req Requirements
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse requirements %s: %w", path, err)
	}
	if _, err := req.Mask(); err != nil {
		return nil, fmt.Errorf("requirements %s: %w", path, err)
	}
	return &req, nil
}
