// Package pcrpolicy decides whether an asserted set of PCRs satisfies a
// required set. The same evaluator gates certificate issuance and quote
// verification; it holds no state and depends on nothing but its inputs.
package pcrpolicy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NumPCRs is the number of platform configuration registers covered by a
// mask, matching a TPM 2.0 PCR bank.
const NumPCRs = 24

var (
	// ErrInsufficientCoverage reports a required PCR the asserted mask
	// does not cover.
	ErrInsufficientCoverage = errors.New("pcrpolicy: insufficient PCR coverage")

	// ErrInvalidMask reports an asserted mask too short to be compared
	// against the required mask.
	ErrInvalidMask = errors.New("pcrpolicy: invalid PCR mask")
)

// Mask is a bit vector with one bit per PCR index.
type Mask []byte

// NewMask returns an empty mask sized for NumPCRs.
func NewMask() Mask {
	return make(Mask, NumPCRs/8)
}

// FullMask returns a mask with every implemented PCR set.
func FullMask() Mask {
	m := NewMask()
	for i := 0; i < NumPCRs; i++ {
		m.Set(i)
	}
	return m
}

// Set marks PCR index i. Indices outside the mask are ignored.
func (m Mask) Set(i int) {
	if i < 0 || i >= len(m)*8 {
		return
	}
	m[i/8] |= 1 << (i % 8)
}

// IsSet reports whether PCR index i is marked.
func (m Mask) IsSet(i int) bool {
	if i < 0 || i >= len(m)*8 {
		return false
	}
	return m[i/8]&(1<<(i%8)) != 0
}

// Empty reports whether no bit is set.
func (m Mask) Empty() bool {
	for _, b := range m {
		if b != 0 {
			return false
		}
	}
	return true
}

// Indices returns the marked PCR indices in ascending order.
func (m Mask) Indices() []int {
	var out []int
	for i := 0; i < len(m)*8; i++ {
		if m.IsSet(i) {
			out = append(out, i)
		}
	}
	return out
}

// ParseList builds a mask from a comma-separated list of decimal PCR
// indices, e.g. "0,1,2,7". Indices outside the implemented range are
// ignored; entries that are not numbers make the list malformed.
func ParseList(list string) (Mask, error) {
	m := NewMask()
	if strings.TrimSpace(list) == "" {
		return m, nil
	}
	for _, field := range strings.Split(list, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("pcrpolicy: malformed PCR list %q: %v", list, err)
		}
		m.Set(n)
	}
	return m, nil
}

// Check verifies that every PCR required is also asserted: a coverage
// test, not an equality test. An asserted mask shorter than the required
// one fails with ErrInvalidMask.
func Check(asserted, required Mask) error {
	if len(asserted) < len(required) {
		return fmt.Errorf("%w: asserted mask is %d bytes, required is %d",
			ErrInvalidMask, len(asserted), len(required))
	}
	for i, b := range required {
		missing := b &^ asserted[i]
		if missing == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if missing&(1<<bit) != 0 {
				return fmt.Errorf("%w: PCR %d required but not asserted",
					ErrInsufficientCoverage, i*8+bit)
			}
		}
	}
	return nil
}
