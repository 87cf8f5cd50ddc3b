package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/inconshreveable/log15"

	"github.com/quarksec/tpm-enroll/enrollclient"
	"github.com/quarksec/tpm-enroll/futil"
)

var (
	serverAddr = flag.String("server", "localhost:3000", "Enrollment server host:port")

	enroll      = flag.Bool("enroll", false, "Enroll the AK and fetch its certificate")
	requestCert = flag.Bool("request-cert", false, "Request a TLS key certificate")
	sendQuote   = flag.Bool("quote", false, "Answer a quote challenge")
	printEK     = flag.Bool("print-keys", false, "Print TPM EK keys and exit")

	hostname = flag.String("hostname", "", "Hostname to enroll (default: os hostname)")
	akPath   = flag.String("ak", "ak.blob", "Path to the marshaled AK")
	akCert   = flag.String("ak-cert", "ak-cert.pem", "Path to the AK certificate")

	keyPath  = flag.String("key", "tls-key.pem", "Where to write the TLS key")
	certPath = flag.String("cert", "tls-cert.pem", "Where to write the TLS key certificate")

	pcrList = flag.String("pcr-list", "0,1,2,3,4,5,6,7", "Comma-separated PCRs to assert")
	pcrBank = flag.String("pcr-bank", "sha256", "PCR bank to read and quote")

	sendIMALog    = flag.Bool("send-ima-log", false, "Include the IMA measurement log")
	imaLogPath    = flag.String("ima-log", enrollclient.DefaultIMALogPath, "Path to the IMA log")
	sendBIOSLog   = flag.Bool("send-bios-log", false, "Include the BIOS event log")
	biosLogPath   = flag.String("bios-log", enrollclient.DefaultBIOSLogPath, "Path to the BIOS log")
	unsignedFiles = flag.String("unsigned-files", "", "Comma-separated files measured without signatures")

	attestData = flag.String("attest-data", "", "Where to persist attestation evidence for the TLS side channel")
)

func main() {
	flag.Parse()

	handler := log15.StreamHandler(os.Stdout, log15.LogfmtFormat())
	log15.Root().SetHandler(handler)
	lgr := log15.New()

	t, err := openTPM(lgr)
	if err != nil {
		lgr.Error("open_tpm_err", "err", err)
		os.Exit(1)
	}
	defer t.Close()

	if *printEK {
		certPem, publicPem, err := t.EndorsementKey()
		if err != nil {
			lgr.Error("get_EKs_err", "err", err)
			os.Exit(1)
		}
		if certPem != "" {
			fmt.Println(certPem)
		}
		fmt.Println(publicPem)
		return
	}

	host := *hostname
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			lgr.Error("get_hostname_err", "err", err)
			os.Exit(1)
		}
	}

	client := &enrollclient.Client{
		Addr:   *serverAddr,
		Logger: lgr,
	}

	switch {
	case *enroll:
		runEnroll(lgr, client, t, host)
	case *requestCert:
		runRequestCert(lgr, client, t, host)
	case *sendQuote:
		runQuote(lgr, client, t)
	default:
		fmt.Fprintln(os.Stderr, "one of -enroll, -request-cert or -quote is required")
		flag.Usage()
		os.Exit(2)
	}
}

func runEnroll(lgr log15.Logger, client *enrollclient.Client, t *attestTPM, host string) {
	resp, err := client.EnrollAK(t, host)
	if err != nil {
		lgr.Error("enroll_err", "err", err)
		os.Exit(1)
	}
	if err := t.SaveAK(*akPath); err != nil {
		lgr.Error("save_ak_err", "err", err)
		os.Exit(1)
	}
	if err := futil.WriteFile(*akCert, []byte(resp.AKCertPem)); err != nil {
		lgr.Error("save_ak_cert_err", "err", err)
		os.Exit(1)
	}
	lgr.Info("enrolled", "ak", *akPath, "ak_cert", *akCert)
}

func runRequestCert(lgr log15.Logger, client *enrollclient.Client, t *attestTPM, host string) {
	if err := t.LoadAK(*akPath); err != nil {
		lgr.Error("load_ak_err", "err", err)
		os.Exit(1)
	}
	akCertPem, err := futil.ReadSeqFile(*akCert)
	if err != nil {
		lgr.Error("read_ak_cert_err", "err", err)
		os.Exit(1)
	}
	ekCertPem, _, err := t.EndorsementKey()
	if err != nil {
		lgr.Error("get_EKs_err", "err", err)
		os.Exit(1)
	}

	var unsigned []string
	if *unsignedFiles != "" {
		unsigned = strings.Split(*unsignedFiles, ",")
	}

	resp, err := client.RequestKeyCert(t, enrollclient.KeyCertParams{
		Hostname:       host,
		AKCertPem:      string(akCertPem),
		EKCertPem:      ekCertPem,
		PCRList:        *pcrList,
		PCRAlgorithm:   *pcrBank,
		IncludeIMALog:  *sendIMALog,
		IMALogPath:     *imaLogPath,
		IncludeBIOSLog: *sendBIOSLog,
		BIOSLogPath:    *biosLogPath,
		UnsignedFiles:  unsigned,
		AttestDataPath: *attestData,
	})
	if err != nil {
		lgr.Error("request_cert_err", "err", err)
		os.Exit(1)
	}
	if err := t.SaveTLSKey(*keyPath); err != nil {
		lgr.Error("save_key_err", "err", err)
		os.Exit(1)
	}
	if err := futil.WriteFile(*certPath, []byte(resp.KeyCertPem)); err != nil {
		lgr.Error("save_cert_err", "err", err)
		os.Exit(1)
	}
	lgr.Info("key_cert_issued", "key", *keyPath, "cert", *certPath)
}

func runQuote(lgr log15.Logger, client *enrollclient.Client, t *attestTPM) {
	if err := t.LoadAK(*akPath); err != nil {
		lgr.Error("load_ak_err", "err", err)
		os.Exit(1)
	}
	akCertPem, err := futil.ReadSeqFile(*akCert)
	if err != nil {
		lgr.Error("read_ak_cert_err", "err", err)
		os.Exit(1)
	}

	err = client.SendQuote(t, enrollclient.QuoteParams{
		AKCertPem:     string(akCertPem),
		PCRList:       *pcrList,
		PCRAlgorithm:  *pcrBank,
		IncludeIMALog: *sendIMALog,
		IMALogPath:    *imaLogPath,
	})
	if err != nil {
		lgr.Error("quote_err", "err", err)
		os.Exit(1)
	}
	fmt.Println("quote verified")
}
