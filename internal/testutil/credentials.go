package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"3tcapital/ms_einvoice_core/internal/core/invoice"
)

// Credentials is a throwaway P-256 signing identity.
type Credentials struct {
	Key     *ecdsa.PrivateKey
	Cert    *x509.Certificate
	KeyPEM  []byte
	CertPEM []byte
}

// NewCredentials creates a self-signed certificate valid for a year around now.
func NewCredentials(t TB, commonName string) Credentials {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Errorf("generate key: %v", err)
		t.FailNow()
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Errorf("create certificate: %v", err)
		t.FailNow()
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Errorf("parse certificate: %v", err)
		t.FailNow()
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Errorf("marshal key: %v", err)
		t.FailNow()
	}

	return Credentials{
		Key:     key,
		Cert:    cert,
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// SampleBusiness returns a business that signs with creds.
func SampleBusiness(id string, creds Credentials) *invoice.Business {
	return &invoice.Business{
		ID:             id,
		LegalName:      "Acme Trading Ltd",
		TaxID:          "12345678-0001",
		Email:          "billing@acme.example",
		CSID:           "CSID-" + id,
		CSIDExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
		PrivateKeyPEM:  creds.KeyPEM,
		CertificatePEM: creds.CertPEM,
		UpdatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// SampleInvoice returns a complete two line invoice totalling 204,250.00.
func SampleInvoice(businessID, invoiceID string) *invoice.Invoice {
	return &invoice.Invoice{
		ID:         invoiceID,
		BusinessID: businessID,
		Number:     "INV-" + invoiceID,
		Kind:       invoice.KindInvoice,
		Currency:   "NGN",
		IssueDate:  time.Now().UTC().Truncate(24 * time.Hour),
		Customer:   invoice.Customer{Name: "Buyer Ltd", TaxID: "TIN-0002", Email: "ap@buyer.example"},
		Lines: []invoice.LineItem{
			{
				Description:  "Consulting",
				Quantity:     decimal.NewFromInt(1),
				UnitPrice:    decimal.NewFromInt(100000),
				DiscountRate: decimal.NewFromInt(10),
				TaxRate:      decimal.RequireFromString("7.5"),
			},
			{
				Description: "Support",
				Quantity:    decimal.NewFromInt(2),
				UnitPrice:   decimal.NewFromInt(50000),
				TaxRate:     decimal.RequireFromString("7.5"),
			},
		},
		PaymentMeans: "bank-transfer",
	}
}
