package offer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/dreadstar/abhaya-sensor-android/pkg/canonicalize"
	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
)

// DelegationLink is one signed hop of a capability chain. The signature covers the canonical
// form of the whole payload.
type DelegationLink struct {
	IssuerPublicKey []byte
	Signature       []byte
	Payload         map[string]any
}

// DelegationChain is verified root first.
type DelegationChain struct {
	Links []DelegationLink
}

var errLedger = errors.New("trust ledger failure")

// ParseChain reads a decoded capability object: {"delegations": [{issuerPublicKey, signature,
// payload}, ...]} with base64 key and signature.
func ParseChain(v any) (*DelegationChain, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("capability is %T, want object", v)
	}
	raw, ok := obj[FieldDelegations].([]any)
	if !ok {
		return nil, fmt.Errorf("capability has no %s array", FieldDelegations)
	}

	chain := &DelegationChain{Links: make([]DelegationLink, 0, len(raw))}
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("link %d: not an object", i)
		}
		issuer, err := base64Field(m, "issuerPublicKey")
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		sig, err := base64Field(m, "signature")
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		payload, ok := m["payload"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("link %d: payload is not an object", i)
		}
		chain.Links = append(chain.Links, DelegationLink{IssuerPublicKey: issuer, Signature: sig, Payload: payload})
	}
	return chain, nil
}

func base64Field(m map[string]any, key string) ([]byte, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return nil, fmt.Errorf("missing %s", key)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: bad base64", key)
	}
	return b, nil
}

// VerifyChain checks every link root to leaf: the issuer key parses, the signature verifies over
// the canonical payload and the payload is not expired. A payload naming a subjectPublicKey must
// name the next link's issuer, or holder for the last link when holder is known. With a ledger,
// revoked issuers fail the chain.
//
// Issuer keys are rewritten to SPKI DER in place. Recording issuers as observed is left to the
// caller, once the offer carrying the chain has been accepted.
//
// An empty chain claims no delegated authority and is valid.
func (v *Verifier) VerifyChain(ctx context.Context, chain *DelegationChain, holder []byte) error {
	if chain == nil {
		return nil
	}
	lg := v.opts.Ledger
	now := v.now()

	for i := range chain.Links {
		der, err := crypto.NormalizePublicKey(chain.Links[i].IssuerPublicKey)
		if err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}
		chain.Links[i].IssuerPublicKey = der
	}
	if holder != nil {
		der, err := crypto.NormalizePublicKey(holder)
		if err != nil {
			return fmt.Errorf("holder: %w", err)
		}
		holder = der
	}

	for i, link := range chain.Links {
		if lg != nil && !v.opts.AllowRevokedSigners {
			revoked, err := lg.IsRevoked(ctx, link.IssuerPublicKey)
			if err != nil {
				return fmt.Errorf("%w: %v", errLedger, err)
			}
			if revoked {
				return fmt.Errorf("link %d: issuer revoked", i)
			}
		}

		msg, err := canonicalize.Canonicalize(link.Payload)
		if err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}
		if err := crypto.VerifySignature(link.IssuerPublicKey, msg, link.Signature); err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}

		expiresAt, err := timeField(link.Payload, FieldExpiresAt, FieldExpiresAtAlt)
		if err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}
		if expiresAt != nil && !expiresAt.After(now) {
			return fmt.Errorf("link %d: expired", i)
		}

		if subject := stringField(link.Payload, FieldSubjectPublicKey); subject != "" {
			raw, err := base64.StdEncoding.DecodeString(subject)
			if err != nil {
				return fmt.Errorf("link %d: %s: bad base64", i, FieldSubjectPublicKey)
			}
			want, err := crypto.NormalizePublicKey(raw)
			if err != nil {
				return fmt.Errorf("link %d: %s: %w", i, FieldSubjectPublicKey, err)
			}
			next := holder
			if i+1 < len(chain.Links) {
				next = chain.Links[i+1].IssuerPublicKey
			}
			if next != nil && !bytes.Equal(want, next) {
				return fmt.Errorf("link %d: delegated to a different key", i)
			}
		}
	}
	return nil
}
