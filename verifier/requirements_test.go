package verifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRequirements(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRequirements(t *testing.T) {
	path := writeRequirements(t, `{"pcr_list": "0,1,7", "allow_ima_violations": true}`)

	reqs, err := LoadRequirements(path)
	require.NoError(t, err)

	mask, err := reqs.Mask()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 7}, mask.Indices())
	assert.True(t, reqs.Flags().Has(AllowIMAViolations))
	assert.False(t, reqs.Flags().Has(SkipSignatureVerification))
}

func TestLoadRequirementsDefaults(t *testing.T) {
	reqs, err := LoadRequirements(writeRequirements(t, `{"pcr_list": ""}`))
	require.NoError(t, err)

	mask, err := reqs.Mask()
	require.NoError(t, err)
	assert.True(t, mask.Empty())
	assert.EqualValues(t, 0, reqs.Flags())
}

func TestLoadRequirementsBadPCRList(t *testing.T) {
	_, err := LoadRequirements(writeRequirements(t, `{"pcr_list": "0,x"}`))
	assert.Error(t, err)
}

func TestLoadRequirementsBadJSON(t *testing.T) {
	_, err := LoadRequirements(writeRequirements(t, "pcr_list = 0"))
	assert.Error(t, err)

	_, err = LoadRequirements(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
