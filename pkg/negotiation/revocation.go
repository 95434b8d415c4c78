package negotiation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dreadstar/abhaya-sensor-android/pkg/canonicalize"
	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
)

const fieldRevokedKeys = "revokedKeys"

// SignRevocations produces a signed revocation list document:
// {"revokedKeys": [...], "issuedAt": "...", "signature": "...", "signerPublicKey": "..."}.
func SignRevocations(s crypto.Signer, keysB64 []string, now time.Time) ([]byte, error) {
	keys := make([]any, 0, len(keysB64))
	for _, k := range keysB64 {
		keys = append(keys, k)
	}
	obj := map[string]any{
		fieldRevokedKeys: keys,
		"issuedAt":       now.UTC().Format(time.RFC3339),
	}
	if err := crypto.SignObject(s, obj, true); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// VerifyRevocations checks that raw is signed by one of authorities and returns its keys, with
// parseable keys in SPKI form.
func VerifyRevocations(raw []byte, authorities [][]byte) ([]string, error) {
	obj, err := canonicalize.Decode(raw)
	if err != nil {
		return nil, err
	}
	sigB64, _ := obj[canonicalize.KeySignature].(string)
	keyB64, _ := obj[canonicalize.KeySignerPublicKey].(string)
	if sigB64 == "" || keyB64 == "" {
		return nil, errors.New("revocation list is not signed")
	}
	embedded, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("signerPublicKey: %w", err)
	}
	signer, err := crypto.NormalizePublicKey(embedded)
	if err != nil {
		return nil, fmt.Errorf("signerPublicKey: %w", err)
	}
	trusted := false
	for _, a := range authorities {
		if der, err := crypto.NormalizePublicKey(a); err == nil && bytes.Equal(der, signer) {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, errors.New("revocation list signer is not an authority")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	msg, err := canonicalize.ForSigning(obj)
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifySignature(signer, msg, sig); err != nil {
		return nil, err
	}

	list, ok := obj[fieldRevokedKeys].([]any)
	if !ok {
		return nil, fmt.Errorf("missing %s", fieldRevokedKeys)
	}
	keys := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			keys = append(keys, crypto.NormalizePublicKeyBase64(s))
		}
	}
	return keys, nil
}
