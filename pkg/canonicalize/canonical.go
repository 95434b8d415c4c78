// Package canonicalize produces the exact bytes a signer signs and a verifier checks.
//
// The signing form is compact JSON with object keys sorted by their UTF-8 bytes, HTML escaping
// disabled and numbers emitted exactly as they appeared on the wire. Offers carry their
// signature inside the object, so the reserved keys "signature" and "signerPublicKey" are removed
// from the top level before serialization.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/gowebpki/jcs"
)

// Reserved top-level keys that never take part in the signed bytes.
const (
	KeySignature       = "signature"
	KeySignerPublicKey = "signerPublicKey"
)

// Canonicalize returns the canonical JSON representation of v.
//
// Values that are not already in decoded-JSON shape (structs, typed maps, Go numbers) are
// marshaled and decoded again with json.Number so that integers never pass through float64.
func Canonicalize(v any) ([]byte, error) {
	generic, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ForSigning canonicalizes obj without its signature fields. obj is not modified.
func ForSigning(obj map[string]any) ([]byte, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == KeySignature || k == KeySignerPublicKey {
			continue
		}
		stripped[k] = v
	}
	return Canonicalize(stripped)
}

// ForSigningJSON parses raw and returns the bytes a signer must sign.
func ForSigningJSON(raw []byte) ([]byte, error) {
	obj, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return ForSigning(obj)
}

// Decode parses raw as exactly one JSON object, keeping numbers as json.Number.
func Decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}
	if obj == nil {
		return nil, errors.New("canonicalize: payload is not a JSON object")
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonicalize: trailing data after JSON object")
	}
	return obj, nil
}

// ContentID returns a producer-independent identifier for a JSON document: the SHA-256 of its
// RFC 8785 form, prefixed with "sha256:".
func ContentID(raw []byte) (string, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: jcs: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func normalize(v any) (any, error) {
	if isGeneric(v) {
		return v, nil
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}
	return generic, nil
}

// isGeneric reports whether v only contains the types produced by a json.Number decoder.
func isGeneric(v any) bool {
	switch t := v.(type) {
	case nil, bool, string, json.Number:
		return true
	case []any:
		for _, e := range t {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range t {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		// sort.Strings compares bytes, which is UTF-8 code point order.
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// json.Encoder appends a newline
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}
