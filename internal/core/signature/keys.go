package signature

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/youmark/pkcs8"
)

// Identity is a business signing identity ready for use by the Engine.
type Identity struct {
	// KeyID identifies the key to the authority; the compliance identifier (CSID).
	KeyID  string
	Signer crypto.Signer
	// Chain holds the signing certificate first, followed by any intermediates.
	Chain []*x509.Certificate
}

// Certificate returns the leaf certificate, or nil when the chain is empty.
func (id Identity) Certificate() *x509.Certificate {
	if len(id.Chain) == 0 {
		return nil
	}
	return id.Chain[0]
}

// Material is the raw, externally stored form of a signing identity.
type Material struct {
	KeyID          string
	PrivateKeyPEM  []byte
	CertificatePEM []byte
	Passphrase     []byte
	ExpiresAt      time.Time
}

// LoadIdentity parses key and certificate material and checks that they belong
// together and are currently valid.
func LoadIdentity(m Material, now time.Time) (Identity, error) {
	if m.KeyID == "" {
		return Identity{}, keyMaterialError("compliance identifier is required", nil)
	}
	if !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt) {
		return Identity{}, &Error{
			Kind:    ErrCredentialExpired,
			Message: fmt.Sprintf("compliance identifier %s expired at %s", m.KeyID, m.ExpiresAt.UTC().Format(time.RFC3339)),
		}
	}

	signer, err := ParsePrivateKey(m.PrivateKeyPEM, m.Passphrase)
	if err != nil {
		return Identity{}, err
	}

	chain, err := ParseCertificateChain(m.CertificatePEM)
	if err != nil {
		return Identity{}, err
	}

	leaf := chain[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return Identity{}, &Error{
			Kind:    ErrCredentialExpired,
			Message: fmt.Sprintf("certificate valid from %s to %s", leaf.NotBefore.UTC().Format(time.RFC3339), leaf.NotAfter.UTC().Format(time.RFC3339)),
		}
	}
	if !publicKeysEqual(signer.Public(), leaf.PublicKey) {
		return Identity{}, keyMaterialError("private key does not match certificate", nil)
	}

	return Identity{KeyID: m.KeyID, Signer: signer, Chain: chain}, nil
}

// ParsePrivateKey reads the first private key block found in pemData. Encrypted
// PKCS#8 blocks are decrypted with passphrase.
func ParsePrivateKey(pemData, passphrase []byte) (crypto.Signer, error) {
	rest := pemData
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		var (
			key any
			err error
		)
		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			if len(passphrase) == 0 {
				return nil, keyMaterialError("passphrase is required for ENCRYPTED PRIVATE KEY", nil)
			}
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		case "PRIVATE KEY":
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, keyMaterialError("parse "+block.Type, err)
		}

		switch k := key.(type) {
		case *ecdsa.PrivateKey:
			return k, nil
		case *rsa.PrivateKey:
			return k, nil
		default:
			return nil, keyMaterialError(fmt.Sprintf("unsupported key type %T (expected RSA or ECDSA)", key), nil)
		}
	}
	return nil, keyMaterialError("no private key block found", nil)
}

// ParseCertificateChain reads every CERTIFICATE block in data, leaf first. A
// single DER certificate is accepted as well.
func ParseCertificateChain(data []byte) ([]*x509.Certificate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, keyMaterialError("certificate is empty", nil)
	}

	var chain []*x509.Certificate
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, keyMaterialError("parse certificate", err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, keyMaterialError("no certificate found", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	if !ok {
		return false
	}
	return ea.Equal(b)
}
