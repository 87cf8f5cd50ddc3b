package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"io"
	"net"
	"os"

	"github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/quarksec/tpm-enroll/attestls"
	"github.com/quarksec/tpm-enroll/futil"
	"github.com/quarksec/tpm-enroll/verifier"
)

var (
	addr       = flag.String("server", "localhost:4433", "Server host:port")
	serverName = flag.String("server-name", "", "Expected server name (default: host from -server)")
	caCertPath = flag.String("ca-cert", "", "CA bundle trusted for the server certificate and its AK certificate")

	attestData = flag.String("attest-data", "", "Attestation evidence to offer on the side channel")
	certPath   = flag.String("cert", "", "Client certificate (enables mutual TLS)")
	keyPath    = flag.String("key", "", "Client private key")

	verifyPeer   = flag.Bool("verify-peer", false, "Verify server attestation evidence against the SKAE extension")
	requirements = flag.String("requirements", "", "Verification policy for server evidence")
)

func main() {
	flag.Parse()

	handler := log15.StreamHandler(os.Stderr, log15.LogfmtFormat())
	log15.Root().SetHandler(handler)
	lgr := log15.New()

	var evidence []byte
	var err error
	if *attestData != "" {
		evidence, err = futil.ReadSeqFile(*attestData)
		if err != nil {
			lgr.Error("read_attest_data_err", "err", err)
			os.Exit(1)
		}
	}

	var roots *x509.CertPool
	if *caCertPath != "" {
		pemData, err := futil.ReadSeqFile(*caCertPath)
		if err != nil {
			lgr.Error("read_ca_err", "err", err)
			os.Exit(1)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pemData) {
			lgr.Error("parse_ca_err", "path", *caCertPath)
			os.Exit(1)
		}
	}

	name := *serverName
	if name == "" {
		name, _, err = net.SplitHostPort(*addr)
		if err != nil {
			lgr.Error("parse_addr_err", "err", err)
			os.Exit(1)
		}
	}

	cfg := &tls.Config{
		ServerName: name,
		RootCAs:    roots,
	}
	if *certPath != "" {
		cert, err := tls.LoadX509KeyPair(*certPath, *keyPath)
		if err != nil {
			lgr.Error("load_keypair_err", "err", err)
			os.Exit(1)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	var verify *attestls.Verifier
	if *verifyPeer {
		reqs, err := verifier.LoadRequirements(*requirements)
		if err != nil {
			lgr.Error("load_requirements_err", "err", err)
			os.Exit(1)
		}
		mask, _ := reqs.Mask()
		verify = attestls.NewVerifier(mask, roots)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		lgr.Error("dial_err", "addr", *addr, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	tc, peerEvidence, err := attestls.ClientHandshake(conn, cfg, evidence, verify)
	if err != nil {
		lgr.Error("handshake_err", "err", err)
		os.Exit(1)
	}
	lgr.Info("connected", "server", *addr, "evidence_bytes", len(peerEvidence))

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(tc, os.Stdin)
		tc.CloseWrite()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(os.Stdout, tc)
		return err
	})
	if err := g.Wait(); err != nil {
		lgr.Error("copy_err", "err", err)
		os.Exit(1)
	}
}
