// Package crypto holds the signature schemes used for offers and delegation links.
//
// Ed25519 is the reference algorithm. Keys travel as X.509 SubjectPublicKeyInfo DER so that a
// verifier can pick the scheme from the key itself; ECDSA P-256 is wired in the same way to keep
// the algorithm swappable.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedKey = errors.New("crypto: unsupported public key")
	ErrBadSignature   = errors.New("crypto: signature verification failed")
)

// Scheme verifies signatures for one key family.
type Scheme interface {
	Name() string
	Verify(pub crypto.PublicKey, msg, sig []byte) error
}

type ed25519Scheme struct{}

func (ed25519Scheme) Name() string { return "ed25519" }

func (ed25519Scheme) Verify(pub crypto.PublicKey, msg, sig []byte) error {
	k, ok := pub.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: want ed25519, got %T", ErrUnsupportedKey, pub)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrBadSignature, len(sig))
	}
	if !ed25519.Verify(k, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

type ecdsaP256Scheme struct{}

func (ecdsaP256Scheme) Name() string { return "ecdsa-p256-sha256" }

func (ecdsaP256Scheme) Verify(pub crypto.PublicKey, msg, sig []byte) error {
	k, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: want ecdsa, got %T", ErrUnsupportedKey, pub)
	}
	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(k, digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}

// Built-in schemes.
var (
	Ed25519   Scheme = ed25519Scheme{}
	ECDSAP256 Scheme = ecdsaP256Scheme{}
)

// SchemeFor returns the scheme that verifies signatures made with pub's private key.
func SchemeFor(pub crypto.PublicKey) (Scheme, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return Ed25519, nil
	case *ecdsa.PublicKey:
		if k.Curve.Params().Name != "P-256" {
			return nil, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		return ECDSAP256, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// ParsePublicKey accepts SubjectPublicKeyInfo DER or a bare 32-byte Ed25519 key.
func ParsePublicKey(b []byte) (crypto.PublicKey, error) {
	if len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(append([]byte(nil), b...)), nil
	}
	pub, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	if _, err := SchemeFor(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// MarshalPublicKey encodes pub as SubjectPublicKeyInfo DER.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return der, nil
}

// NormalizePublicKey returns b re-encoded as SubjectPublicKeyInfo DER. Both accepted encodings of
// one key normalize to the same bytes, so the result is what gets stored and compared.
func NormalizePublicKey(b []byte) ([]byte, error) {
	pub, err := ParsePublicKey(b)
	if err != nil {
		return nil, err
	}
	return MarshalPublicKey(pub)
}

// NormalizePublicKeyBase64 is NormalizePublicKey for base64 text. Text that does not decode to a
// supported key is returned unchanged.
func NormalizePublicKeyBase64(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	der, err := NormalizePublicKey(b)
	if err != nil {
		return s
	}
	return base64.StdEncoding.EncodeToString(der)
}

// VerifySignature parses pubBytes and checks sig over msg with the matching scheme.
// Key parse failures wrap ErrUnsupportedKey; a signature that does not verify wraps ErrBadSignature.
func VerifySignature(pubBytes, msg, sig []byte) error {
	pub, err := ParsePublicKey(pubBytes)
	if err != nil {
		return err
	}
	scheme, err := SchemeFor(pub)
	if err != nil {
		return err
	}
	return scheme.Verify(pub, msg, sig)
}
