package offer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dreadstar/abhaya-sensor-android/pkg/canonicalize"
	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
	"github.com/dreadstar/abhaya-sensor-android/pkg/observability"
)

// Options configures a Verifier. The zero value verifies signatures when present, accepts
// unsigned offers and keeps no trust state.
type Options struct {
	Resolver PublicKeyResolver
	Ledger   ledger.Ledger
	Now      func() time.Time

	// RequireSignature rejects unsigned offers instead of accepting them with no trust.
	RequireSignature bool
	// RequireChainLedger rejects offers carrying a capability when no ledger is configured.
	RequireChainLedger bool
	// AllowRevokedSigners skips the revocation check on outer signers and chain issuers.
	AllowRevokedSigners bool

	Logger  *slog.Logger
	Metrics *observability.Provider
}

// Verifier runs the offer verification pipeline. It is safe for concurrent use.
type Verifier struct {
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

func NewVerifier(opts Options) *Verifier {
	v := &Verifier{opts: opts, now: opts.Now, logger: opts.Logger}
	if v.now == nil {
		v.now = time.Now
	}
	if v.logger == nil {
		v.logger = slog.Default().With("component", "offer-verifier")
	}
	return v
}

// Ledger returns the trust ledger the verifier consults, or nil.
func (v *Verifier) Ledger() ledger.Ledger { return v.opts.Ledger }

// Verify checks raw as an offer for expectedRequestID (any request id when empty).
func (v *Verifier) Verify(ctx context.Context, raw []byte, expectedRequestID string) Result {
	start := time.Now()
	ctx, span := v.opts.Metrics.StartSpan(ctx, "offer.verify")
	defer span.End()

	res := v.verify(ctx, raw, expectedRequestID)

	v.opts.Metrics.RecordVerification(ctx, res.Valid, string(res.Reason), time.Since(start))
	if !res.Valid {
		v.logger.DebugContext(ctx, "offer rejected", "reason", string(res.Reason), "detail", res.Detail)
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, raw []byte, expectedRequestID string) Result {
	obj, err := canonicalize.Decode(raw)
	if err != nil {
		return invalid(ReasonMalformedPayload, "%v", err)
	}
	if err := validateStructure(obj); err != nil {
		return invalid(ReasonMalformedPayload, "%v", err)
	}

	requestID := stringField(obj, FieldRequestID)
	if requestID == "" {
		return invalid(ReasonMissingField, FieldRequestID)
	}
	responder := stringField(obj, FieldResponderNode, FieldResponderIdentity)
	if responder == "" {
		return invalid(ReasonMissingField, FieldResponderNode)
	}
	if expectedRequestID != "" && expectedRequestID != requestID {
		return invalid(ReasonRequestIDMismatch, "expected %q got %q", expectedRequestID, requestID)
	}

	now := v.now()
	expiresAt, err := timeField(obj, FieldExpiresAt, FieldExpiresAtAlt)
	if err != nil {
		return invalid(ReasonMalformedTimestamp, "%v", err)
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return invalid(ReasonExpired, "expired at %s", expiresAt.Format(time.RFC3339Nano))
	}
	issuedAt, err := timeField(obj, FieldTimestamp)
	if err != nil {
		return invalid(ReasonMalformedTimestamp, "%v", err)
	}

	capacity, err := intField(obj, FieldAvailableStorage)
	if err != nil {
		return invalid(ReasonMalformedPayload, "%v", err)
	}
	latency, err := intField(obj, FieldLatencyMs)
	if err != nil {
		return invalid(ReasonMalformedPayload, "%v", err)
	}

	o := &Offer{
		RequestID:         requestID,
		ResponderIdentity: responder,
		AvailableCapacity: capacity,
		LatencyHint:       latency,
		Endpoint:          stringField(obj, FieldEndpoint),
		IssuedAt:          issuedAt,
		ExpiresAt:         expiresAt,
		TokenID:           stringField(obj, FieldTokenID),
		RawBytes:          append([]byte(nil), raw...),
	}

	sigValue, signed := obj[canonicalize.KeySignature]
	if !signed || sigValue == nil {
		if v.opts.RequireSignature {
			return invalid(ReasonUnsignedRejected, "no signature")
		}
		return valid(o)
	}
	sigB64, _ := sigValue.(string)
	if sigB64 == "" {
		return invalid(ReasonMalformedSignature, "empty signature")
	}

	pub, res := v.signerKey(ctx, obj, responder)
	if pub == nil {
		return res
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) == 0 {
		return invalid(ReasonMalformedSignature, "signature: bad base64")
	}
	msg, err := canonicalize.ForSigning(obj)
	if err != nil {
		return invalid(ReasonMalformedPayload, "%v", err)
	}
	if err := crypto.VerifySignature(pub, msg, sig); err != nil {
		if errors.Is(err, crypto.ErrUnsupportedKey) {
			return invalid(ReasonMalformedSignature, "%v", err)
		}
		return invalid(ReasonBadSignature, "%v", err)
	}
	o.Signature = sig
	o.SignerPublicKey = pub

	lg := v.opts.Ledger
	if lg != nil && !v.opts.AllowRevokedSigners {
		revoked, err := lg.IsRevoked(ctx, pub)
		if err != nil {
			return invalid(ReasonLedgerUnavailable, "%v", err)
		}
		if revoked {
			return invalid(ReasonRevokedSigner, "signer %s", ledger.EncodeKey(pub))
		}
	}

	if capability, ok := obj[FieldCapability]; ok && capability != nil {
		if lg == nil && v.opts.RequireChainLedger {
			return invalid(ReasonChainInvalid, "no trust ledger to verify chain")
		}
		chain, err := ParseChain(capability)
		if err != nil {
			return invalid(ReasonChainInvalid, "%v", err)
		}
		if err := v.VerifyChain(ctx, chain, pub); err != nil {
			if errors.Is(err, errLedger) {
				return invalid(ReasonLedgerUnavailable, "%v", err)
			}
			return invalid(ReasonChainInvalid, "%v", err)
		}
		o.Capability = chain
	}

	if lg == nil {
		return valid(o)
	}

	signerB64 := ledger.EncodeKey(pub)
	if o.TokenID != "" {
		claimed, err := lg.ClaimToken(ctx, o.TokenID, signerB64)
		if errors.Is(err, ledger.ErrInvalidKey) {
			return invalid(ReasonMalformedPayload, "tokenId %q cannot be recorded", o.TokenID)
		}
		if err != nil {
			return invalid(ReasonLedgerUnavailable, "%v", err)
		}
		if !claimed {
			return invalid(ReasonReplay, "tokenId %q already seen", o.TokenID)
		}
	}

	if err := lg.RecordObservedKey(ctx, pub); err != nil {
		return invalid(ReasonLedgerUnavailable, "%v", err)
	}
	if o.Capability != nil {
		for _, link := range o.Capability.Links {
			if err := lg.RecordObservedKey(ctx, link.IssuerPublicKey); err != nil {
				return invalid(ReasonLedgerUnavailable, "%v", err)
			}
		}
	}
	contentID, err := o.ContentID()
	if err != nil {
		return invalid(ReasonMalformedPayload, "%v", err)
	}
	if err := lg.RecordReceipt(ctx, contentID, signerB64); err != nil {
		return invalid(ReasonLedgerUnavailable, "%v", err)
	}
	return valid(o)
}

// signerKey returns the embedded signer key, or the resolved one, as SPKI DER. On failure the key
// is nil and the Result says why. The resolver runs without any ledger lock held.
func (v *Verifier) signerKey(ctx context.Context, obj map[string]any, responder string) ([]byte, Result) {
	var pub []byte
	if embedded := stringField(obj, canonicalize.KeySignerPublicKey); embedded != "" {
		b, err := base64.StdEncoding.DecodeString(embedded)
		if err != nil || len(b) == 0 {
			return nil, invalid(ReasonMalformedSignature, "signerPublicKey: bad base64")
		}
		pub = b
	} else {
		if v.opts.Resolver == nil {
			return nil, invalid(ReasonUnresolvableSigner, "no resolver for %q", responder)
		}
		b, err := v.opts.Resolver.Resolve(ctx, responder)
		if err != nil {
			return nil, invalid(ReasonResolverFailure, "%v", err)
		}
		if len(b) == 0 {
			return nil, invalid(ReasonUnresolvableSigner, "no key for %q", responder)
		}
		pub = b
	}
	der, err := crypto.NormalizePublicKey(pub)
	if err != nil {
		return nil, invalid(ReasonMalformedSignature, "%v", err)
	}
	return der, Result{}
}

// stringField returns the first non-empty string among keys. The schema has already
// guaranteed these are strings or null.
func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func timeField(obj map[string]any, keys ...string) (*time.Time, error) {
	s := stringField(obj, keys...)
	if s == "" {
		return nil, nil
	}
	t, err := parseInstant(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseInstant reads an RFC 3339 timestamp with or without fractional seconds.
func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func intField(obj map[string]any, key string) (*int64, error) {
	n, ok := obj[key].(json.Number)
	if !ok {
		return nil, nil
	}
	if i, err := n.Int64(); err == nil {
		return &i, nil
	}
	// the schema accepts 12.0 as an integer
	f, err := n.Float64()
	if err != nil || f != float64(int64(f)) {
		return nil, fmt.Errorf("%s: %q is not an integer", key, n)
	}
	i := int64(f)
	return &i, nil
}
