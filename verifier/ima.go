package verifier

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrIMAViolation reports a measurement log containing IMA violation
// entries, which mean a measured file was open for write while being
// read, so its recorded digest cannot be trusted.
var ErrIMAViolation = errors.New("verifier: IMA violation in measurement log")

// ScanIMALog walks an ASCII IMA measurement list and returns the paths
// of violation entries. A violation is recorded with an all-zero
// template digest. Blank lines are skipped; anything else that does not
// look like a measurement entry makes the log malformed.
func ScanIMALog(log []byte) ([]string, error) {
	var violations []string

	sc := bufio.NewScanner(bytes.NewReader(log))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 4 {
			return nil, fmt.Errorf("verifier: malformed IMA entry at line %d", line)
		}
		if strings.Trim(fields[1], "0") == "" {
			// fields[4] is the path for ima-ng/ima-sig templates;
			// older templates put it at fields[3].
			path := fields[len(fields)-1]
			violations = append(violations, path)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("verifier: scan IMA log: %w", err)
	}
	return violations, nil
}

// CheckIMALog rejects logs with violations unless the server was started
// with AllowIMAViolations. An empty log passes: supplying one at all is
// the client's choice.
func CheckIMALog(log []byte, flags Flags) error {
	if len(log) == 0 {
		return nil
	}
	violations, err := ScanIMALog(log)
	if err != nil {
		return err
	}
	if len(violations) > 0 && !flags.Has(AllowIMAViolations) {
		return fmt.Errorf("%w: %s", ErrIMAViolation, strings.Join(violations, ", "))
	}
	return nil
}
