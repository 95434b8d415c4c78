package upload

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
	"github.com/dreadstar/abhaya-sensor-android/pkg/offer"
)

// Grant authorizes one upload against an accepted offer. It travels as an EdDSA JWT in
// AuthHeader; the issuer's SPKI key is the "kid" header, base64 encoded.
type Grant struct {
	RequestID string `json:"rid"`
	Responder string `json:"rsp"`
	Endpoint  string `json:"ep,omitempty"`
	jwt.RegisteredClaims

	// IssuerKey is the verified SPKI key of the requester that minted the grant.
	IssuerKey []byte `json:"-"`
}

// IssueGrant mints a grant for uploading to o. The grant expires after ttl, and never after o does.
func IssueGrant(s *crypto.Ed25519Signer, o *offer.Offer, ttl time.Duration, now time.Time) (string, error) {
	if o == nil {
		return "", fmt.Errorf("upload: no offer to grant")
	}
	exp := now.Add(ttl)
	if o.ExpiresAt != nil && o.ExpiresAt.Before(exp) {
		exp = *o.ExpiresAt
	}
	if o.TokenID == "" {
		return "", fmt.Errorf("upload: offer has no tokenId to grant against")
	}
	id := o.TokenID
	claims := Grant{
		RequestID: o.RequestID,
		Responder: o.ResponderIdentity,
		Endpoint:  o.Endpoint,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.PublicKeyBase64()
	return token.SignedString(s.PrivateKey())
}

// IssuedOffers looks up offers this node made, by tokenId. ok is false for unknown or expired
// offers.
type IssuedOffers interface {
	IssuedOffer(tokenID string) (requestID string, ok bool)
}

// GrantVerifier checks grants presented to this node's ingest endpoint. A grant only authorizes
// an upload when its jti is the tokenId of a live offer in Offers, for the same request.
type GrantVerifier struct {
	// Identity is the responder identity this node offers under. Empty accepts any responder.
	Identity string
	// Offers is required; a verifier without it rejects every grant.
	Offers IssuedOffers
	// Ledger rejects revoked issuers and makes grants single use. Nil skips both checks.
	Ledger ledger.Ledger
	Now    func() time.Time
}

// Verify parses token and checks its signature, lifetime, responder and issuer.
func (v *GrantVerifier) Verify(ctx context.Context, token string) (*Grant, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidGrant)
	}
	var issuer []byte
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		raw, err := base64.StdEncoding.DecodeString(kid)
		if err != nil {
			return nil, fmt.Errorf("kid: %w", err)
		}
		der, err := crypto.NormalizePublicKey(raw)
		if err != nil {
			return nil, err
		}
		pub, err := crypto.ParsePublicKey(der)
		if err != nil {
			return nil, err
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("grant issuer key is not ed25519")
		}
		if v.Ledger != nil {
			revoked, err := v.Ledger.IsRevoked(ctx, der)
			if err != nil {
				return nil, err
			}
			if revoked {
				return nil, fmt.Errorf("grant issuer is revoked")
			}
		}
		issuer = der
		return edPub, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}
	g := &Grant{}
	if _, err := jwt.ParseWithClaims(token, g, keyFunc, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if v.Identity != "" && g.Responder != v.Identity {
		return nil, fmt.Errorf("%w: granted for %q", ErrInvalidGrant, g.Responder)
	}
	if g.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidGrant)
	}
	if v.Offers == nil {
		return nil, fmt.Errorf("%w: no offers to grant against", ErrInvalidGrant)
	}
	requestID, ok := v.Offers.IssuedOffer(g.ID)
	if !ok {
		return nil, fmt.Errorf("%w: jti %q is not a live offer", ErrInvalidGrant, g.ID)
	}
	if requestID != g.RequestID {
		return nil, fmt.Errorf("%w: offer %q was for request %q", ErrInvalidGrant, g.ID, requestID)
	}
	g.IssuerKey = issuer
	return g, nil
}

// Claim marks g as used. It fails for a grant that was already claimed.
func (v *GrantVerifier) Claim(ctx context.Context, g *Grant) error {
	if v.Ledger == nil {
		return nil
	}
	first, err := v.Ledger.ClaimToken(ctx, "grant:"+g.ID, ledger.EncodeKey(g.IssuerKey))
	if err != nil {
		return fmt.Errorf("upload: claim grant: %w", err)
	}
	if !first {
		return fmt.Errorf("%w: already used", ErrInvalidGrant)
	}
	return nil
}
