package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	pemPlain     = "PRIVATE KEY"
	pemEncrypted = "MESH ENCRYPTED PRIVATE KEY"

	saltSize = 16
	scryptN  = 1 << 15
	scryptR  = 8
	scryptP  = 1
)

var ErrWrongPassphrase = errors.New("crypto: key file decryption failed")

// SaveKeyFile writes priv as PKCS#8 PEM. With a passphrase the DER is sealed with
// XChaCha20-Poly1305 under an scrypt-derived key; the salt and nonce are kept in PEM headers.
func SaveKeyFile(path string, priv ed25519.PrivateKey, passphrase []byte) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	block := &pem.Block{Type: pemPlain, Bytes: der}
	if len(passphrase) > 0 {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		key, err := deriveKey(passphrase, salt)
		if err != nil {
			return err
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		block = &pem.Block{
			Type: pemEncrypted,
			Headers: map[string]string{
				"Salt":  hex.EncodeToString(salt),
				"Nonce": hex.EncodeToString(nonce),
			},
			Bytes: aead.Seal(nil, nonce, der, []byte(pemEncrypted)),
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// LoadKeyFile reads a key written by SaveKeyFile.
func LoadKeyFile(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}

	der := block.Bytes
	switch block.Type {
	case pemPlain:
	case pemEncrypted:
		salt, err := hex.DecodeString(block.Headers["Salt"])
		if err != nil {
			return nil, fmt.Errorf("%s: bad salt header: %w", path, err)
		}
		nonce, err := hex.DecodeString(block.Headers["Nonce"])
		if err != nil {
			return nil, fmt.Errorf("%s: bad nonce header: %w", path, err)
		}
		if len(nonce) != chacha20poly1305.NonceSizeX {
			return nil, fmt.Errorf("%s: bad nonce size %d", path, len(nonce))
		}
		key, err := deriveKey(passphrase, salt)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, err
		}
		der, err = aead.Open(nil, nonce, block.Bytes, []byte(pemEncrypted))
		if err != nil {
			return nil, ErrWrongPassphrase
		}
	default:
		return nil, fmt.Errorf("%s: unexpected PEM type %q", path, block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T", ErrUnsupportedKey, parsed)
	}
	return priv, nil
}

func deriveKey(passphrase, salt []byte) ([]byte, error) {
	return scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
}
