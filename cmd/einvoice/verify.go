package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"3tcapital/ms_einvoice_core/internal/core/signature"
)

var errSignatureInvalid = errors.New("signature is not valid")

type verifyOptions struct {
	envelope string
	document string
	cert     string
	irn      string
}

func verifyCmd() *cobra.Command {
	var opts verifyOptions

	cmd := &cobra.Command{
		Use:   "verify [submission-id]",
		Short: "Verify a submission signature",
		Long: `Verify the signature of a stored submission, or of files on disk.

With a submission id the stored canonical document, IRN and certificate
are checked. Without one, --envelope, --document and --cert are required
and --irn defaults to the IRN carried in the envelope.

Examples:
  einvoice verify 7d9f0c1e-4b1a-4c55-9a55-0b3f1f1f2a10
  einvoice verify --envelope sig.txt --document invoice.json --cert cert.pem`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return verifyStored(cmd.Context(), cmd.OutOrStdout(), args[0])
			}
			return verifyFiles(cmd.OutOrStdout(), signature.NewEngine(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.envelope, "envelope", "", "file holding the base64 signature envelope")
	cmd.Flags().StringVar(&opts.document, "document", "", "file holding the canonical document")
	cmd.Flags().StringVar(&opts.cert, "cert", "", "PEM or DER certificate file, leaf first")
	cmd.Flags().StringVar(&opts.irn, "irn", "", "IRN bound into the signature")

	return cmd
}

func verifyStored(ctx context.Context, w io.Writer, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log, false)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	ok, err := a.service.Verify(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "submission: %s\nvalid: %t\n", id, ok)
	if !ok {
		return errSignatureInvalid
	}
	return nil
}

func verifyFiles(w io.Writer, engine *signature.Engine, opts verifyOptions) error {
	if opts.envelope == "" || opts.document == "" || opts.cert == "" {
		return errors.New("--envelope, --document and --cert are required without a submission id")
	}

	raw, err := os.ReadFile(opts.envelope)
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}
	sig := string(bytes.TrimSpace(raw))

	document, err := os.ReadFile(opts.document)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	certData, err := os.ReadFile(opts.cert)
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}
	chain, err := signature.ParseCertificateChain(certData)
	if err != nil {
		return err
	}

	alg, keyID, signingTime, envelopeIRN, err := signature.Inspect(sig)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	irn := opts.irn
	if irn == "" {
		irn = envelopeIRN
	}

	ok := engine.Verify(document, sig, chain[0], irn)

	fmt.Fprintf(w, "algorithm: %s\n", alg)
	fmt.Fprintf(w, "key id: %s\n", keyID)
	if !signingTime.IsZero() {
		fmt.Fprintf(w, "signed at: %s\n", signingTime.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "irn: %s\n", irn)
	fmt.Fprintf(w, "subject: %s\n", chain[0].Subject.CommonName)
	fmt.Fprintf(w, "valid: %t\n", ok)

	if !ok {
		return errSignatureInvalid
	}
	return nil
}
