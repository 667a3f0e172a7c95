// Package signature binds invoice documents and their IRN into a detached,
// JAdES-style signature envelope and verifies such envelopes.
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/canonical"
)

const (
	AlgorithmES256 = "ES256"
	AlgorithmRS256 = "RS256"

	DigestAlgorithm = "SHA-256"

	// detachedReferenceMethod identifies the sigD mechanism referencing the digest.
	detachedReferenceMethod = "http://uri.etsi.org/19182/ObjectIdByURIHash"
	detachedReference       = "#digest"
	contentType             = "application/json"
)

// Result is what a successful Sign call produces.
type Result struct {
	// Signature is the base64 encoded envelope, the transmittable signature value.
	Signature string
	// Certificate is the base64 DER encoding of the signing certificate.
	Certificate string
	SigningTime time.Time
	// Digest is the base64 SHA-256 over canonical(document) || irn.
	Digest    string
	Algorithm string
	KeyID     string
	// Chain is the base64 DER chain embedded in the envelope, leaf first.
	Chain []string
}

type protectedHeader struct {
	Algorithm   string `json:"alg"`
	KeyID       string `json:"kid"`
	SigningTime string `json:"sigT"`
	ContentType string `json:"cty"`
}

type detachedRef struct {
	Method     string   `json:"mId"`
	References []string `json:"pars"`
	Hashes     []string `json:"hashV"`
}

type unprotectedHeader struct {
	CertificateChain []string    `json:"x5c"`
	DigestAlgorithm  string      `json:"digAlg"`
	DigestValue      string      `json:"digVal"`
	IRN              string      `json:"irn"`
	Detached         detachedRef `json:"sigD"`
}

type envelope struct {
	Protected string            `json:"protected"`
	Header    unprotectedHeader `json:"header"`
	Signature string            `json:"signature"`
}

// Engine signs and verifies documents. It holds no per-identity state and is
// safe for concurrent use.
type Engine struct {
	now    func() time.Time
	random io.Reader
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock overrides the signing time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a signature engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Digest returns SHA-256 over canonical(document) || irn. document must be JSON.
func Digest(document []byte, irn string) ([]byte, error) {
	canon, err := canonical.EncodeJSON(document)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(append(canon, irn...))
	return sum[:], nil
}

// Sign signs document (JSON) bound to irn with the given identity.
func (e *Engine) Sign(document []byte, irn string, id Identity) (*Result, error) {
	if irn == "" {
		return nil, signingError("irn is required", nil)
	}
	if id.Signer == nil {
		return nil, keyMaterialError("identity has no private key", nil)
	}
	cert := id.Certificate()
	if cert == nil {
		return nil, keyMaterialError("identity has no certificate", nil)
	}

	alg, err := algorithmFor(id.Signer.Public())
	if err != nil {
		return nil, err
	}

	digest, err := Digest(document, irn)
	if err != nil {
		return nil, signingError("canonicalize document", err)
	}

	raw, err := id.Signer.Sign(e.random, digest, crypto.SHA256)
	if err != nil {
		return nil, signingError("sign digest", err)
	}
	if alg == AlgorithmES256 {
		if raw, err = ecdsaASN1ToRaw(raw, id.Signer.Public().(*ecdsa.PublicKey)); err != nil {
			return nil, signingError("encode ecdsa signature", err)
		}
	}

	signingTime := e.now().UTC().Truncate(time.Second)
	protected, err := json.Marshal(protectedHeader{
		Algorithm:   alg,
		KeyID:       id.KeyID,
		SigningTime: signingTime.Format(time.RFC3339),
		ContentType: contentType,
	})
	if err != nil {
		return nil, signingError("encode protected header", err)
	}

	chain := make([]string, len(id.Chain))
	for i, c := range id.Chain {
		chain[i] = base64.StdEncoding.EncodeToString(c.Raw)
	}
	digestValue := base64.StdEncoding.EncodeToString(digest)

	env := envelope{
		Protected: base64.RawURLEncoding.EncodeToString(protected),
		Header: unprotectedHeader{
			CertificateChain: chain,
			DigestAlgorithm:  DigestAlgorithm,
			DigestValue:      digestValue,
			IRN:              irn,
			Detached: detachedRef{
				Method:     detachedReferenceMethod,
				References: []string{detachedReference},
				Hashes:     []string{digestValue},
			},
		},
		Signature: base64.RawURLEncoding.EncodeToString(raw),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, signingError("encode envelope", err)
	}

	return &Result{
		Signature:   base64.StdEncoding.EncodeToString(encoded),
		Certificate: chain[0],
		SigningTime: signingTime,
		Digest:      digestValue,
		Algorithm:   alg,
		KeyID:       id.KeyID,
		Chain:       chain,
	}, nil
}

// Verify reports whether signature is a valid envelope over document and irn
// made by the key in cert. Any malformed input yields false.
func (e *Engine) Verify(document []byte, signature string, cert *x509.Certificate, irn string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return verify(document, signature, cert, irn) == nil
}

// Inspect decodes an envelope without verifying it.
func Inspect(signature string) (alg, keyID string, signingTime time.Time, irn string, err error) {
	env, hdr, err := decodeEnvelope(signature)
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	signingTime, _ = time.Parse(time.RFC3339, hdr.SigningTime)
	return hdr.Algorithm, hdr.KeyID, signingTime, env.Header.IRN, nil
}

var errMismatch = errors.New("signature does not match")

func verify(document []byte, signature string, cert *x509.Certificate, irn string) error {
	if cert == nil || irn == "" {
		return errMismatch
	}
	env, hdr, err := decodeEnvelope(signature)
	if err != nil {
		return err
	}
	if env.Header.IRN != irn || env.Header.DigestAlgorithm != DigestAlgorithm {
		return errMismatch
	}

	digest, err := Digest(document, irn)
	if err != nil {
		return err
	}
	claimed, err := base64.StdEncoding.DecodeString(env.Header.DigestValue)
	if err != nil || subtle.ConstantTimeCompare(claimed, digest) != 1 {
		return errMismatch
	}
	if len(env.Header.Detached.Hashes) != 1 || env.Header.Detached.Hashes[0] != env.Header.DigestValue {
		return errMismatch
	}

	raw, err := base64.RawURLEncoding.DecodeString(env.Signature)
	if err != nil {
		return err
	}

	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if hdr.Algorithm != AlgorithmES256 {
			return errMismatch
		}
		size := (pub.Curve.Params().BitSize + 7) / 8
		if len(raw) != 2*size {
			return errMismatch
		}
		r := new(big.Int).SetBytes(raw[:size])
		s := new(big.Int).SetBytes(raw[size:])
		if !ecdsa.Verify(pub, digest, r, s) {
			return errMismatch
		}
	case *rsa.PublicKey:
		if hdr.Algorithm != AlgorithmRS256 {
			return errMismatch
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, raw); err != nil {
			return errMismatch
		}
	default:
		return errMismatch
	}
	return nil
}

func decodeEnvelope(signature string) (envelope, protectedHeader, error) {
	var (
		env envelope
		hdr protectedHeader
	)
	data, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return env, hdr, fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, hdr, fmt.Errorf("parse envelope: %w", err)
	}
	protected, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		return env, hdr, fmt.Errorf("decode protected header: %w", err)
	}
	if err := json.Unmarshal(protected, &hdr); err != nil {
		return env, hdr, fmt.Errorf("parse protected header: %w", err)
	}
	return env, hdr, nil
}

func algorithmFor(pub crypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve.Params().BitSize != 256 {
			return "", keyMaterialError(fmt.Sprintf("unsupported ECDSA curve %s", k.Curve.Params().Name), nil)
		}
		return AlgorithmES256, nil
	case *rsa.PublicKey:
		if k.N.BitLen() < 2048 {
			return "", keyMaterialError("RSA key must be at least 2048 bits", nil)
		}
		return AlgorithmRS256, nil
	default:
		return "", keyMaterialError(fmt.Sprintf("unsupported public key type %T", pub), nil)
	}
}

// ecdsaASN1ToRaw converts an ASN.1 ECDSA signature into fixed-width r||s.
func ecdsaASN1ToRaw(der []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after ECDSA signature")
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}
