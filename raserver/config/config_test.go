package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raserver.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "127.0.0.1:9000"
ca_cert     = "/etc/tpm-enroll/ca.pem"
ca_key      = "/etc/tpm-enroll/ca-key.pem"

ek_ca_certs = ["/etc/tpm-enroll/ek-roots.pem"]
trusted_eks = [<<EOT
-----BEGIN PUBLIC KEY-----
zzzz
-----END PUBLIC KEY-----
EOT
]

pcr_list             = "0,1,2,7"
allow_ima_violations = true
conn_timeout_sec     = 30
`)

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", conf.ListenAddr)
	assert.Equal(t, "/etc/tpm-enroll/ca.pem", conf.CACertPath)
	assert.Equal(t, "/etc/tpm-enroll/ca-key.pem", conf.CAKeyPath)
	assert.Equal(t, []string{"/etc/tpm-enroll/ek-roots.pem"}, conf.EKCACerts)
	require.Len(t, conf.TrustedEKs, 1)
	assert.Contains(t, conf.TrustedEKs[0], "BEGIN PUBLIC KEY")
	assert.Equal(t, "0,1,2,7", conf.PCRList)
	assert.True(t, conf.AllowIMAViolations)
	assert.False(t, conf.SkipSigVer)
	assert.Equal(t, 30, conf.ConnTimeoutSec)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
ca_cert = "ca.pem"
ca_key  = "ca-key.pem"
`)

	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultListenAddr, conf.ListenAddr)
	assert.Empty(t, conf.PCRList)
	assert.Zero(t, conf.ConnTimeoutSec)
}

func TestLoadMissingRequired(t *testing.T) {
	path := writeConfig(t, `listen_addr = "127.0.0.1:9000"`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
	assert.Error(t, err)
}
