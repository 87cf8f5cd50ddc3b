package verifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const imaLogClean = `10 8d3a1f20b5d66e04c4b80b1f1b8e52b57b139a2e ima-ng sha256:a5c9ff74f2d38ed49b16b7e8b1f8d22e07a1e2b8a3a7d012e845ef4c7a19c6d1 boot_aggregate
10 1c90a21a70d5e0e8b48b3a551d7e30c93f0c2b84 ima-ng sha256:06e7d19a5e82e91e4ea54a3d04a3d7a450c0a1f2e845ef4c7a19c6d1a5c9ff74 /init
10 4b6f2e8a90d5e0e8b48b3a551d7e30c93f0c2b84 ima-sig sha256:16e7d19a5e82e91e4ea54a3d04a3d7a450c0a1f2e845ef4c7a19c6d1a5c9ff74 /usr/bin/sh 030204f3452d2301
`

const imaLogViolations = `10 8d3a1f20b5d66e04c4b80b1f1b8e52b57b139a2e ima-ng sha256:a5c9ff74f2d38ed49b16b7e8b1f8d22e07a1e2b8a3a7d012e845ef4c7a19c6d1 boot_aggregate
10 0000000000000000000000000000000000000000 ima-ng sha256:0000000000000000000000000000000000000000000000000000000000000000 /var/log/flipped
10 1c90a21a70d5e0e8b48b3a551d7e30c93f0c2b84 ima-ng sha256:06e7d19a5e82e91e4ea54a3d04a3d7a450c0a1f2e845ef4c7a19c6d1a5c9ff74 /init
10 0000000000000000000000000000000000000000 ima-ng sha256:0000000000000000000000000000000000000000000000000000000000000000 /tmp/open-writer
`

func TestScanIMALogClean(t *testing.T) {
	violations, err := ScanIMALog([]byte(imaLogClean))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestScanIMALogFindsViolations(t *testing.T) {
	violations, err := ScanIMALog([]byte(imaLogViolations))
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/log/flipped", "/tmp/open-writer"}, violations)
}

func TestScanIMALogMalformed(t *testing.T) {
	_, err := ScanIMALog([]byte("10 deadbeef\n"))
	assert.Error(t, err)
}

func TestScanIMALogSkipsBlankLines(t *testing.T) {
	log := "\n" + imaLogClean + "\n\n"
	violations, err := ScanIMALog([]byte(log))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestScanIMALogLongLines(t *testing.T) {
	longPath := "/opt/" + strings.Repeat("d/", 40000) + "leaf"
	log := "10 1c90a21a70d5e0e8b48b3a551d7e30c93f0c2b84 ima-ng sha256:06e7 " + longPath + "\n"

	violations, err := ScanIMALog([]byte(log))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckIMALog(t *testing.T) {
	assert.NoError(t, CheckIMALog(nil, 0))
	assert.NoError(t, CheckIMALog([]byte(imaLogClean), 0))

	err := CheckIMALog([]byte(imaLogViolations), 0)
	assert.ErrorIs(t, err, ErrIMAViolation)
	assert.Contains(t, err.Error(), "/tmp/open-writer")

	assert.NoError(t, CheckIMALog([]byte(imaLogViolations), AllowIMAViolations))
}
