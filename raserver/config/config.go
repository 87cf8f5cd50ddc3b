// Package config loads the enrollment server configuration from an HCL
// file.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Server is the attest-ra-server configuration.
//
//	listen_addr = "0.0.0.0:3000"
//	ca_cert     = "/etc/tpm-enroll/ca.pem"
//	ca_key      = "/etc/tpm-enroll/ca-key.pem"
//
//	ek_ca_certs = ["/etc/tpm-enroll/ek-roots.pem"]
//	pcr_list    = "0,1,2,3,7"
type Server struct {
	ListenAddr string `hcl:"listen_addr,optional"`

	CACertPath    string `hcl:"ca_cert"`
	CAKeyPath     string `hcl:"ca_key"`
	CAKeyPassword string `hcl:"ca_key_password,optional"`

	// EKCACerts are paths to PEM bundles of endorsement-key CA roots.
	// TrustedEKs are inline PEM public keys accepted without a chain.
	EKCACerts  []string `hcl:"ek_ca_certs,optional"`
	TrustedEKs []string `hcl:"trusted_eks,optional"`

	PCRList          string `hcl:"pcr_list,optional"`
	RequirementsPath string `hcl:"requirements,optional"`

	AllowIMAViolations bool `hcl:"allow_ima_violations,optional"`
	SkipSigVer         bool `hcl:"skip_sig_ver,optional"`

	// ConnTimeoutSec bounds how long a single connection may take end
	// to end; 0 disables deadlines.
	ConnTimeoutSec int `hcl:"conn_timeout_sec,optional"`
}

const defaultListenAddr = "0.0.0.0:3000"

// Load reads and decodes the configuration file.
func Load(path string) (*Server, error) {
	var conf Server
	if err := hclsimple.DecodeFile(path, nil, &conf); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if conf.ListenAddr == "" {
		conf.ListenAddr = defaultListenAddr
	}
	return &conf, nil
}
