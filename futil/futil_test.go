package futil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSeqFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	content := bytes.Repeat([]byte("10 entry\n"), 1000)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	got, err := ReadSeqFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReadSeqFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	got, err := ReadSeqFile(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadSeqFileMissing(t *testing.T) {
	_, err := ReadSeqFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestWriteFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.json")
	require.NoError(t, WriteFile(path, []byte("{}")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), got)
}
