package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/dreadstar/abhaya-sensor-android/pkg/canonicalize"
)

// Signer produces signatures that VerifySignature accepts for PublicKeyDER.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKeyDER() []byte
}

// Ed25519Signer signs offers and delegation payloads with an Ed25519 key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	der  []byte
}

func NewEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv)
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: %d", len(priv))
	}
	der, err := MarshalPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv, der: der}, nil
}

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// PrivateKey exposes the key for persistence with SaveKeyFile and for JWT signing.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.priv }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) PublicKeyDER() []byte { return append([]byte(nil), s.der...) }

func (s *Ed25519Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.der)
}

// ECDSASigner is a P-256 signer producing ASN.1 signatures over SHA-256.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
	der  []byte
}

func NewECDSASigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	der, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &ECDSASigner{priv: priv, der: der}, nil
}

func (s *ECDSASigner) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
}

func (s *ECDSASigner) PublicKeyDER() []byte { return append([]byte(nil), s.der...) }

// SignObject signs obj in place: the canonical signing form of obj is signed and the
// base64 signature is stored under "signature". With embedKey the signer's SPKI key is stored
// under "signerPublicKey" as well; neither field changes the signed bytes.
func SignObject(s Signer, obj map[string]any, embedKey bool) error {
	msg, err := canonicalize.ForSigning(obj)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	sig, err := s.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	obj[canonicalize.KeySignature] = base64.StdEncoding.EncodeToString(sig)
	if embedKey {
		obj[canonicalize.KeySignerPublicKey] = base64.StdEncoding.EncodeToString(s.PublicKeyDER())
	} else {
		delete(obj, canonicalize.KeySignerPublicKey)
	}
	return nil
}

// SignDelegation returns one delegation link: the whole payload is canonicalized and signed.
func SignDelegation(s Signer, payload map[string]any) (map[string]any, error) {
	msg, err := canonicalize.Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	sig, err := s.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return map[string]any{
		"issuerPublicKey": base64.StdEncoding.EncodeToString(s.PublicKeyDER()),
		"signature":       base64.StdEncoding.EncodeToString(sig),
		"payload":         payload,
	}, nil
}

var (
	_ Signer = (*Ed25519Signer)(nil)
	_ Signer = (*ECDSASigner)(nil)
)
