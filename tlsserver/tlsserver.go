package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/inconshreveable/log15"

	"github.com/quarksec/tpm-enroll/attestls"
	"github.com/quarksec/tpm-enroll/futil"
	"github.com/quarksec/tpm-enroll/verifier"
)

var (
	addr       = flag.String("listen-addr", "0.0.0.0:4433", "Host/Port to listen on")
	certPath   = flag.String("cert", "tls-cert.pem", "TLS certificate (issued by the enrollment CA)")
	keyPath    = flag.String("key", "tls-key.pem", "TLS private key")
	attestData = flag.String("attest-data", "", "Attestation evidence to offer on the side channel")

	verifyPeer   = flag.Bool("verify-peer", false, "Require and verify client attestation evidence")
	caCertPath   = flag.String("ca-cert", "", "CA bundle trusted for peer AK certificates and client certs")
	requirements = flag.String("requirements", "", "Verification policy for peer evidence")
)

func main() {
	flag.Parse()

	handler := log15.StreamHandler(os.Stdout, log15.LogfmtFormat())
	log15.Root().SetHandler(handler)
	lgr := log15.New()

	cert, err := tls.LoadX509KeyPair(*certPath, *keyPath)
	if err != nil {
		lgr.Error("load_keypair_err", "err", err)
		os.Exit(1)
	}

	var evidence []byte
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

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	if *verifyPeer {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = roots
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		lgr.Error("listen_err", "addr", *addr, "err", err)
		os.Exit(1)
	}
	fmt.Printf("Listening on %s\n", *addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				lgr.Warn("accept_timeout", "err", err)
				continue
			}
			lgr.Error("accept_err", "err", err)
			os.Exit(1)
		}
		handleConn(lgr, conn, cfg, evidence, roots)
	}
}

// handleConn runs the side-channel exchange and handshake, then echoes
// lines back to the peer.
func handleConn(lgr log15.Logger, conn net.Conn, cfg *tls.Config, evidence []byte, roots *x509.CertPool) {
	defer conn.Close()
	lgr = lgr.New("remote", conn.RemoteAddr())

	var verify *attestls.Verifier
	if *verifyPeer {
		reqs, err := verifier.LoadRequirements(*requirements)
		if err != nil {
			lgr.Error("load_requirements_err", "err", err)
			return
		}
		mask, _ := reqs.Mask()
		verify = attestls.NewVerifier(mask, roots)
	}

	tc, peerEvidence, err := attestls.ServerHandshake(conn, cfg, evidence, verify)
	if err != nil {
		lgr.Error("handshake_err", "err", err)
		return
	}
	lgr.Info("peer_connected", "evidence_bytes", len(peerEvidence))

	scanner := bufio.NewScanner(tc)
	for scanner.Scan() {
		if _, err := fmt.Fprintf(tc, "%s\n", scanner.Text()); err != nil {
			lgr.Error("write_err", "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		lgr.Error("read_err", "err", err)
	}
}
