// caadm administers the device CA offline. It operates on the key material
// and the file ledger below --dir, the same directory iotplane uses as CA_DIR.
// A running iotplane picks up revocations on its next CRL refresh or on SIGHUP.
//
//	caadm issue --cn device-1 [--out .]
//	caadm revoke --cn device-1
//	caadm list
//	caadm crl [--out crl.pem]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/credentials"
)

const usage = `caadm administers the iotplane device CA.

Usage:
  caadm <command> [flags]

Commands:
  issue    issue a certificate for --cn and write <cn>.crt, <cn>.key and ca.crt to --out
  revoke   revoke every certificate of --cn
  list     list the ledger
  crl      sign a new CRL and write it as PEM to --out, or to stdout

Flags:
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "caadm:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("caadm", pflag.ContinueOnError)
	dir := flagSet.String("dir", "./ca", "CA directory")
	cn := flagSet.String("cn", "", "subject common name of the device")
	out := flagSet.String("out", "", "output directory for issue, output file for crl")
	days := flagSet.Int("days", 365, "validity of issued certificates in days")
	keyBits := flagSet.Int("key-bits", 4096, "RSA key size of a newly created CA")
	logLevel := flagSet.String("log-level", "warn", "the log level")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	logger.InitLogger(logger.ParseLevel(*logLevel))

	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("exactly one command expected")
	}
	command := flagSet.Arg(0)

	authority, err := open(ctx, *dir, *keyBits, time.Duration(*days)*24*time.Hour)
	if err != nil {
		return err
	}

	switch command {
	case "issue":
		if *cn == "" {
			return errors.New("--cn is required")
		}
		return issue(ctx, authority, *cn, *out, stdout)
	case "revoke":
		if *cn == "" {
			return errors.New("--cn is required")
		}
		records, err := authority.Revoke(ctx, *cn)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Fprintf(stdout, "revoked %s serial %s\n", r.SubjectCN, r.SerialHex())
		}
		fmt.Fprintf(stdout, "CRL #%v lists %d certificates\n", authority.CurrentCRL().Number, authority.CurrentCRL().Len())
		return nil
	case "list":
		return list(ctx, authority, stdout)
	case "crl":
		crl := authority.CurrentCRL()
		if *out == "" {
			_, err := stdout.Write(crl.PEM())
			return err
		}
		return os.WriteFile(*out, crl.PEM(), 0644)
	}
	return fmt.Errorf("unknown command '%s'", command)
}

func open(ctx context.Context, dir string, keyBits int, validity time.Duration) (*credentials.Authority, error) {
	material, err := credentials.Bootstrap(dir, credentials.BootstrapOptions{KeyBits: keyBits})
	if err != nil {
		return nil, err
	}
	signer, err := material.Signer()
	if err != nil {
		return nil, err
	}
	ledger, err := credentials.OpenFileLedger(filepath.Join(dir, "ledger"))
	if err != nil {
		return nil, err
	}
	return credentials.New(ctx, signer, ledger, credentials.WithValidity(validity))
}

func issue(ctx context.Context, authority *credentials.Authority, cn, out string, stdout io.Writer) error {
	c, err := authority.Issue(ctx, cn)
	if err != nil {
		return err
	}
	if out == "" {
		out = "."
	}
	if err = os.MkdirAll(out, 0700); err != nil {
		return err
	}
	files := []struct {
		name string
		data string
		perm os.FileMode
	}{
		{cn + ".crt", c.Certificate, 0644},
		{cn + ".key", c.Key, 0600},
		{"ca.crt", c.CA, 0644},
	}
	for _, f := range files {
		path := filepath.Join(out, f.name)
		if err = os.WriteFile(path, []byte(f.data), f.perm); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "wrote", path)
	}
	return nil
}

func list(ctx context.Context, authority *credentials.Authority, stdout io.Writer) error {
	records, err := authority.Records(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tSTATUS\tSUBJECT\tISSUED\tNOT AFTER\tREVOKED")
	for _, r := range records {
		revoked := "-"
		if !r.RevokedAt.IsZero() {
			revoked = r.RevokedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.SerialHex(), r.Status, r.SubjectCN,
			r.IssuedAt.Format(time.RFC3339), r.NotAfter.Format(time.RFC3339), revoked)
	}
	return w.Flush()
}
