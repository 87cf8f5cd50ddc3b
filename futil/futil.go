// Package futil holds the file helpers the enrollment flows share.
package futil

import (
	"fmt"
	"io"
	"os"
)

// ReadSeqFile reads a file whose size cannot be learned from metadata,
// such as the securityfs measurement logs: it streams the file to EOF
// once to measure it, then reopens it and reads exactly that many bytes.
// If the second pass comes up short the file changed underneath us and
// the read fails.
func ReadSeqFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(io.Discard, f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", path, err)
	}

	f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("reread %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data readable only by the owner, for persisted
// attestation evidence.
func WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
