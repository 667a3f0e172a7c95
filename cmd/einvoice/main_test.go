package main

import (
	"bytes"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"3tcapital/ms_einvoice_core/internal/adapters/authority/gateway"
	"3tcapital/ms_einvoice_core/internal/application/reconciliation"
	"3tcapital/ms_einvoice_core/internal/core/signature"
	"3tcapital/ms_einvoice_core/internal/testutil"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "reconcile", "verify", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered: %v", name, err)
		}
	}
}

func TestMigrateCmd_List(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate", "--list"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	lines := strings.Fields(out.String())
	if len(lines) == 0 {
		t.Fatal("expected embedded migrations to be listed")
	}
	for _, name := range lines {
		if !strings.HasSuffix(name, ".sql") {
			t.Errorf("unexpected migration name %q", name)
		}
	}
}

func writeSigned(t *testing.T, dir string) (envelope, document, cert string) {
	t.Helper()
	creds := testutil.NewCredentials(t, "Acme Trading Ltd")
	doc := []byte(`{"invoice_number":"INV-1","total":"204250.00"}`)

	res, err := signature.NewEngine().Sign(doc, "INV-12345678-20260301090000-0123456789ABCDEF", signature.Identity{
		KeyID:  "CSID-biz-1",
		Signer: creds.Key,
		Chain:  []*x509.Certificate{creds.Cert},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	envelope = filepath.Join(dir, "sig.txt")
	document = filepath.Join(dir, "invoice.json")
	cert = filepath.Join(dir, "cert.pem")
	for path, data := range map[string][]byte{
		envelope: []byte(res.Signature + "\n"),
		document: doc,
		cert:     creds.CertPEM,
	} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return envelope, document, cert
}

func TestVerifyFiles(t *testing.T) {
	dir := t.TempDir()
	envelope, document, cert := writeSigned(t, dir)

	tampered := filepath.Join(dir, "tampered.json")
	if err := os.WriteFile(tampered, []byte(`{"invoice_number":"INV-1","total":"1.00"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		opts      verifyOptions
		wantErr   error
		wantValid string
	}{
		{
			name:      "valid with envelope irn",
			opts:      verifyOptions{envelope: envelope, document: document, cert: cert},
			wantValid: "valid: true",
		},
		{
			name:      "tampered document",
			opts:      verifyOptions{envelope: envelope, document: tampered, cert: cert},
			wantErr:   errSignatureInvalid,
			wantValid: "valid: false",
		},
		{
			name:      "wrong irn",
			opts:      verifyOptions{envelope: envelope, document: document, cert: cert, irn: "INV-12345678-20260301090000-FFFFFFFFFFFFFFFF"},
			wantErr:   errSignatureInvalid,
			wantValid: "valid: false",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := verifyFiles(&out, signature.NewEngine(), tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if !strings.Contains(out.String(), tt.wantValid) {
				t.Errorf("expected %q in output:\n%s", tt.wantValid, out.String())
			}
			if !strings.Contains(out.String(), "key id: CSID-biz-1") {
				t.Errorf("expected key id in output:\n%s", out.String())
			}
		})
	}
}

func TestVerifyFiles_MissingFlags(t *testing.T) {
	err := verifyFiles(&bytes.Buffer{}, signature.NewEngine(), verifyOptions{envelope: "sig.txt"})
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("expected missing flag error, got %v", err)
	}
}

func TestAuthorityHealth(t *testing.T) {
	limiter := gateway.LimiterStats{MaxConcurrent: 10}

	if _, err := authorityHealth(gateway.CircuitBreakerStats{State: "closed"}, limiter); err != nil {
		t.Errorf("closed breaker must be healthy, got %v", err)
	}

	details, err := authorityHealth(gateway.CircuitBreakerStats{State: "open", ConsecutiveFailures: 5}, limiter)
	if !errors.Is(err, gateway.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if m, ok := details.(map[string]any); !ok || m["limiter"] == nil {
		t.Errorf("expected limiter details, got %#v", details)
	}
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, reconciliation.Report{Checked: 4, Changed: 2, Errors: 1, Resumed: 3})

	want := "checked: 4\nchanged: 2\nresumed: 3\nerrors:  1\n"
	if out.String() != want {
		t.Errorf("unexpected report:\n%s", out.String())
	}
}
