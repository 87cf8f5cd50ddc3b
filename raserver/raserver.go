package main

import (
	"context"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/quarksec/tpm-enroll/ca"
	"github.com/quarksec/tpm-enroll/enrollserver"
	"github.com/quarksec/tpm-enroll/futil"
	"github.com/quarksec/tpm-enroll/pcrpolicy"
	"github.com/quarksec/tpm-enroll/quotenonce"
	"github.com/quarksec/tpm-enroll/raserver/config"
	"github.com/quarksec/tpm-enroll/verifier"
)

var (
	addr       = flag.String("listen-addr", "", "Host/Port to listen on (overrides config)")
	configPath = flag.String("config", "raserver.hcl", "Path to server config")
)

func main() {
	flag.Parse()

	handler := log15.StreamHandler(os.Stdout, log15.LogfmtFormat())
	log15.Root().SetHandler(handler)
	lgr := log15.New()

	conf, err := config.Load(*configPath)
	if err != nil {
		lgr.Error("load_config_err", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		conf.ListenAddr = *addr
	}

	authority, err := ca.Load(conf.CACertPath, conf.CAKeyPath, conf.CAKeyPassword)
	if err != nil {
		lgr.Error("load_ca_err", "err", err)
		os.Exit(1)
	}

	var ekRoots *x509.CertPool
	if len(conf.EKCACerts) > 0 {
		ekRoots = x509.NewCertPool()
		for _, path := range conf.EKCACerts {
			pemData, err := futil.ReadSeqFile(path)
			if err != nil {
				lgr.Error("read_ek_ca_err", "path", path, "err", err)
				os.Exit(1)
			}
			if !ekRoots.AppendCertsFromPEM(pemData) {
				lgr.Error("parse_ek_ca_err", "path", path)
				os.Exit(1)
			}
		}
	}

	mask, err := pcrpolicy.ParseList(conf.PCRList)
	if err != nil {
		lgr.Error("parse_pcr_list_err", "err", err)
		os.Exit(1)
	}
	flags := verifier.Flags(0)
	if conf.AllowIMAViolations {
		flags |= verifier.AllowIMAViolations
	}
	if conf.SkipSigVer {
		flags |= verifier.SkipSignatureVerification
	}
	if conf.RequirementsPath != "" {
		reqs, err := verifier.LoadRequirements(conf.RequirementsPath)
		if err != nil {
			lgr.Error("load_requirements_err", "err", err)
			os.Exit(1)
		}
		reqMask, _ := reqs.Mask()
		for _, i := range reqMask.Indices() {
			mask.Set(i)
		}
		flags |= reqs.Flags()
	}

	// The nonce and binding keys derive from this secret; tokens from a
	// previous process are invalid by construction.
	secret, err := quotenonce.NewSecret()
	if err != nil {
		lgr.Error("gen_secret_err", "err", err)
		os.Exit(1)
	}

	srv, err := enrollserver.New(enrollserver.Params{
		Logger:       lgr,
		CA:           authority,
		Secret:       secret,
		RequiredMask: mask,
		Flags:        flags,
		EKRoots:      ekRoots,
		TrustedEKs:   conf.TrustedEKs,
		ConnTimeout:  time.Duration(conf.ConnTimeoutSec) * time.Second,
	})
	if err != nil {
		lgr.Error("init_server_err", "err", err)
		os.Exit(1)
	}

	listener, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		lgr.Error("listen_err", "addr", conf.ListenAddr, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Listening on %s\n", conf.ListenAddr)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(listener)
	})
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	if err := g.Wait(); err != nil {
		lgr.Error("serve_err", "err", err)
		os.Exit(1)
	}
	lgr.Info("shutdown")
}
