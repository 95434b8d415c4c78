// Package offer parses and verifies resource offers received from untrusted peers.
//
// A verifier never returns an error for peer input. Every rejection is a Result with a Reason,
// so callers can drop invalid offers uniformly or inspect the reason for diagnostics.
package offer

import (
	"fmt"
	"time"

	"github.com/dreadstar/abhaya-sensor-android/pkg/canonicalize"
)

// Reason names why an offer was rejected.
type Reason string

const (
	ReasonMalformedPayload   Reason = "malformed payload"
	ReasonMissingField       Reason = "missing required field"
	ReasonRequestIDMismatch  Reason = "requestId mismatch"
	ReasonExpired            Reason = "expired"
	ReasonMalformedTimestamp Reason = "malformed timestamp"
	ReasonUnresolvableSigner Reason = "unresolvable signer"
	ReasonMalformedSignature Reason = "malformed signature/key"
	ReasonBadSignature       Reason = "bad signature"
	ReasonChainInvalid       Reason = "delegation chain invalid"
	ReasonReplay             Reason = "replay"
	ReasonRevokedSigner      Reason = "revoked signer"
	ReasonUnsignedRejected   Reason = "unsigned offer rejected"
	ReasonLedgerUnavailable  Reason = "ledger unavailable"
	ReasonResolverFailure    Reason = "resolver failure"
)

// Wire field names.
const (
	FieldRequestID         = "requestId"
	FieldResponderNode     = "responderNode"
	FieldResponderIdentity = "responderIdentity"
	FieldAvailableStorage  = "availableStorage"
	FieldLatencyMs         = "latencyMs"
	FieldEndpoint          = "endpoint"
	FieldExpiresAt         = "expires_at"
	FieldExpiresAtAlt      = "expiresAt"
	FieldTimestamp         = "timestamp"
	FieldTokenID           = "tokenId"
	FieldCapability        = "capability"
	FieldDelegations       = "delegations"
	FieldSubjectPublicKey  = "subjectPublicKey"
)

// Offer is a verified offer. It is only built by Verifier and never mutated afterwards.
type Offer struct {
	RequestID         string     `json:"requestId"`
	ResponderIdentity string     `json:"responderIdentity"`
	AvailableCapacity *int64     `json:"availableCapacity,omitempty"`
	LatencyHint       *int64     `json:"latencyHint,omitempty"`
	Endpoint          string     `json:"endpoint,omitempty"`
	IssuedAt          *time.Time `json:"issuedAt,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	TokenID           string     `json:"tokenId,omitempty"`

	// RawBytes are the bytes exactly as received.
	RawBytes        []byte `json:"-"`
	Signature       []byte `json:"signature,omitempty"`
	SignerPublicKey []byte `json:"signerPublicKey,omitempty"`

	// Capability is set only for signed offers whose chain verified.
	Capability *DelegationChain `json:"-"`
}

// Signed reports whether the offer carried a signature that verified.
func (o *Offer) Signed() bool { return len(o.Signature) > 0 }

// Delegated reports whether the offer carries a verified, non-empty delegation chain.
func (o *Offer) Delegated() bool { return o.Capability != nil && len(o.Capability.Links) > 0 }

// ContentID identifies the offer document independently of key order and whitespace.
func (o *Offer) ContentID() (string, error) {
	return canonicalize.ContentID(o.RawBytes)
}

// Result is the outcome of one verification.
type Result struct {
	Valid  bool
	Offer  *Offer
	Reason Reason
	Detail string
}

func (r Result) String() string {
	if r.Valid {
		return "valid"
	}
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func valid(o *Offer) Result { return Result{Valid: true, Offer: o} }

func invalid(reason Reason, format string, args ...any) Result {
	return Result{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
