package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

var signingNow = time.Date(2025, 6, 1, 12, 30, 45, 500_000_000, time.UTC)

func newCertificate(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Acme Trading Ltd", SerialNumber: "TIN-0001"},
		NotBefore:    signingNow.Add(-24 * time.Hour),
		NotAfter:     signingNow.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func ecdsaIdentity(t *testing.T) Identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return Identity{KeyID: "CSID-001", Signer: key, Chain: []*x509.Certificate{newCertificate(t, key)}}
}

func rsaIdentity(t *testing.T) Identity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return Identity{KeyID: "CSID-002", Signer: key, Chain: []*x509.Certificate{newCertificate(t, key)}}
}

const sampleDocument = `{"header":{"number":"INV-0001","currency":"NGN"},"totals":{"total":"204250.00"},"lines":[{"description":"Consulting","line_total":"96750.00"}]}`

func TestEngine_SignVerifyRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		identity func(t *testing.T) Identity
		alg      string
	}{
		{name: "ecdsa", identity: ecdsaIdentity, alg: AlgorithmES256},
		{name: "rsa", identity: rsaIdentity, alg: AlgorithmRS256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.identity(t)
			engine := NewEngine(WithClock(func() time.Time { return signingNow }))
			irn := "IRN-TIN0001-20250601123045-0011223344556677"

			res, err := engine.Sign([]byte(sampleDocument), irn, id)
			require.NoError(t, err)

			assert.Equal(t, tt.alg, res.Algorithm)
			assert.Equal(t, id.KeyID, res.KeyID)
			assert.Equal(t, signingNow.Truncate(time.Second), res.SigningTime)
			assert.Equal(t, base64.StdEncoding.EncodeToString(id.Certificate().Raw), res.Certificate)

			digest, err := Digest([]byte(sampleDocument), irn)
			require.NoError(t, err)
			assert.Equal(t, base64.StdEncoding.EncodeToString(digest), res.Digest)

			assert.True(t, engine.Verify([]byte(sampleDocument), res.Signature, id.Certificate(), irn))
		})
	}
}

func TestEngine_VerifyIgnoresKeyOrder(t *testing.T) {
	id := ecdsaIdentity(t)
	engine := NewEngine()
	irn := "IRN-1-20250101000000-AAAAAAAAAAAAAAAA"

	res, err := engine.Sign([]byte(`{"a":1,"b":{"c":2,"d":3}}`), irn, id)
	require.NoError(t, err)

	assert.True(t, engine.Verify([]byte(`{"b":{"d":3,"c":2},"a":1}`), res.Signature, id.Certificate(), irn))
}

func TestEngine_VerifyFailsOnTampering(t *testing.T) {
	id := ecdsaIdentity(t)
	other := ecdsaIdentity(t)
	engine := NewEngine()
	irn := "IRN-TIN0001-20250601123045-0011223344556677"

	res, err := engine.Sign([]byte(sampleDocument), irn, id)
	require.NoError(t, err)

	tests := []struct {
		name      string
		document  string
		signature string
		cert      *x509.Certificate
		irn       string
	}{
		{name: "document value changed", document: `{"header":{"number":"INV-0002","currency":"NGN"},"totals":{"total":"204250.00"},"lines":[{"description":"Consulting","line_total":"96750.00"}]}`, signature: res.Signature, cert: id.Certificate(), irn: irn},
		{name: "irn changed", document: sampleDocument, signature: res.Signature, cert: id.Certificate(), irn: irn[:len(irn)-1] + "8"},
		{name: "wrong certificate", document: sampleDocument, signature: res.Signature, cert: other.Certificate(), irn: irn},
		{name: "nil certificate", document: sampleDocument, signature: res.Signature, cert: nil, irn: irn},
		{name: "garbage signature", document: sampleDocument, signature: "not-base64!!", cert: id.Certificate(), irn: irn},
		{name: "empty signature", document: sampleDocument, signature: "", cert: id.Certificate(), irn: irn},
		{name: "document not json", document: "<Invoice/>", signature: res.Signature, cert: id.Certificate(), irn: irn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, engine.Verify([]byte(tt.document), tt.signature, tt.cert, tt.irn))
		})
	}
}

func TestEngine_VerifyFailsOnEnvelopeDigestSwap(t *testing.T) {
	id := ecdsaIdentity(t)
	engine := NewEngine()
	irn := "IRN-1-20250101000000-AAAAAAAAAAAAAAAA"

	res, err := engine.Sign([]byte(sampleDocument), irn, id)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(res.Signature)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	env.Header.Detached.Hashes = []string{"AAAA"}
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	assert.False(t, engine.Verify([]byte(sampleDocument), base64.StdEncoding.EncodeToString(tampered), id.Certificate(), irn))
}

func TestEngine_EnvelopeLayout(t *testing.T) {
	id := ecdsaIdentity(t)
	engine := NewEngine(WithClock(func() time.Time { return signingNow }))
	irn := "IRN-TIN0001-20250601123045-0011223344556677"

	res, err := engine.Sign([]byte(sampleDocument), irn, id)
	require.NoError(t, err)

	alg, kid, sigT, envIRN, err := Inspect(res.Signature)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmES256, alg)
	assert.Equal(t, "CSID-001", kid)
	assert.Equal(t, signingNow.Truncate(time.Second), sigT)
	assert.Equal(t, irn, envIRN)

	raw, err := base64.StdEncoding.DecodeString(res.Signature)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, DigestAlgorithm, env.Header.DigestAlgorithm)
	assert.Equal(t, []string{"#digest"}, env.Header.Detached.References)
	assert.Equal(t, []string{res.Digest}, env.Header.Detached.Hashes)
	assert.Len(t, env.Header.CertificateChain, 1)

	sig, err := base64.RawURLEncoding.DecodeString(env.Signature)
	require.NoError(t, err)
	assert.Len(t, sig, 64, "ES256 signatures are raw r||s")
}

func TestEngine_SignErrors(t *testing.T) {
	id := ecdsaIdentity(t)
	engine := NewEngine()

	_, err := engine.Sign([]byte(sampleDocument), "", id)
	assert.ErrorIs(t, err, ErrSigningFailed)

	_, err = engine.Sign([]byte(sampleDocument), "IRN-1", Identity{KeyID: "x"})
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
	assert.True(t, IsConfigurationError(err))

	_, err = engine.Sign([]byte(`{"broken"`), "IRN-1", id)
	assert.ErrorIs(t, err, ErrSigningFailed)
	assert.False(t, IsConfigurationError(err))

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, err = engine.Sign([]byte(sampleDocument), "IRN-1", Identity{KeyID: "x", Signer: p384, Chain: []*x509.Certificate{newCertificate(t, p384)}})
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
}

func encodePEM(typ string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
}

func TestLoadIdentity(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := newCertificate(t, key)
	certPEM := encodePEM("CERTIFICATE", cert.Raw)

	plainDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	ecDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	encryptedDER, err := pkcs8.MarshalPrivateKey(key, []byte("s3cret"), nil)
	require.NoError(t, err)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherDER, err := x509.MarshalPKCS8PrivateKey(otherKey)
	require.NoError(t, err)

	tests := []struct {
		name    string
		m       Material
		wantErr error
	}{
		{
			name: "pkcs8",
			m:    Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("PRIVATE KEY", plainDER), CertificatePEM: certPEM},
		},
		{
			name: "sec1",
			m:    Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("EC PRIVATE KEY", ecDER), CertificatePEM: certPEM},
		},
		{
			name: "encrypted pkcs8",
			m:    Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("ENCRYPTED PRIVATE KEY", encryptedDER), CertificatePEM: certPEM, Passphrase: []byte("s3cret")},
		},
		{
			name:    "encrypted pkcs8 without passphrase",
			m:       Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("ENCRYPTED PRIVATE KEY", encryptedDER), CertificatePEM: certPEM},
			wantErr: ErrInvalidKeyMaterial,
		},
		{
			name:    "encrypted pkcs8 wrong passphrase",
			m:       Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("ENCRYPTED PRIVATE KEY", encryptedDER), CertificatePEM: certPEM, Passphrase: []byte("nope")},
			wantErr: ErrInvalidKeyMaterial,
		},
		{
			name:    "key does not match certificate",
			m:       Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("PRIVATE KEY", otherDER), CertificatePEM: certPEM},
			wantErr: ErrInvalidKeyMaterial,
		},
		{
			name:    "garbage key",
			m:       Material{KeyID: "CSID", PrivateKeyPEM: []byte("garbage"), CertificatePEM: certPEM},
			wantErr: ErrInvalidKeyMaterial,
		},
		{
			name:    "garbage certificate",
			m:       Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("PRIVATE KEY", plainDER), CertificatePEM: []byte("garbage")},
			wantErr: ErrInvalidKeyMaterial,
		},
		{
			name:    "missing csid",
			m:       Material{PrivateKeyPEM: encodePEM("PRIVATE KEY", plainDER), CertificatePEM: certPEM},
			wantErr: ErrInvalidKeyMaterial,
		},
		{
			name:    "csid expired",
			m:       Material{KeyID: "CSID", PrivateKeyPEM: encodePEM("PRIVATE KEY", plainDER), CertificatePEM: certPEM, ExpiresAt: signingNow.Add(-time.Minute)},
			wantErr: ErrCredentialExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := LoadIdentity(tt.m, signingNow)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.True(t, IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "CSID", id.KeyID)
			assert.Equal(t, cert.Raw, id.Certificate().Raw)
		})
	}
}

func TestParseCertificateChain_DER(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := newCertificate(t, key)

	chain, err := ParseCertificateChain(cert.Raw)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, cert.SerialNumber, chain[0].SerialNumber)
}
