package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
	"github.com/dreadstar/abhaya-sensor-android/pkg/offer"
	"github.com/dreadstar/abhaya-sensor-android/pkg/transport"
)

// DefaultProtocolConstraint accepts any 1.x request.
const DefaultProtocolConstraint = "^1"

// Terms is what a responder is willing to offer for one request.
type Terms struct {
	AvailableStorage *int64
	LatencyMs        *int64
	Endpoint         string
	// Capability is a decoded delegation chain ({"delegations": [...]}) to attach.
	Capability map[string]any
}

// OfferFunc decides whether and how to answer a request. Returning false declines.
type OfferFunc func(ctx context.Context, req transport.Envelope) (Terms, bool)

// ResponderOptions configures a Responder.
type ResponderOptions struct {
	Identity string
	Signer   crypto.Signer
	// EmbedKey puts the signer key in each offer. Without it receivers need a key resolver.
	EmbedKey bool
	// TTL is the lifetime stamped into expires_at. Zero means one minute.
	TTL time.Duration
	// WrapOffers sends offers inside a ResourceOffer envelope instead of bare.
	WrapOffers bool
	// ProtocolConstraint filters requests by protocolVersion. Empty means DefaultProtocolConstraint.
	ProtocolConstraint string
	Now                func() time.Time
	Logger             *slog.Logger
}

// Responder answers ResourceRequest envelopes seen on a transport with signed offers.
type Responder struct {
	transport  transport.Transport
	offerFn    OfferFunc
	opts       ResponderOptions
	constraint *semver.Constraints
	logger     *slog.Logger
	sub        transport.Subscription

	mu     sync.Mutex
	closed bool
	issued map[string]issuedOffer

	closeOnce sync.Once
	inflight  sync.WaitGroup
}

type issuedOffer struct {
	requestID string
	expiresAt time.Time
}

func NewResponder(t transport.Transport, fn OfferFunc, opts ResponderOptions) (*Responder, error) {
	if opts.Identity == "" {
		return nil, errors.New("negotiation: responder identity is required")
	}
	if fn == nil {
		return nil, errors.New("negotiation: offer func is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProtocolConstraint == "" {
		opts.ProtocolConstraint = DefaultProtocolConstraint
	}
	constraint, err := semver.NewConstraint(opts.ProtocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("negotiation: protocol constraint: %w", err)
	}
	r := &Responder{
		transport:  t,
		offerFn:    fn,
		opts:       opts,
		constraint: constraint,
		logger:     opts.Logger,
		issued:     make(map[string]issuedOffer),
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "responder", "identity", opts.Identity)
	}
	if t != nil {
		sub, err := t.Subscribe(r.handle)
		if err != nil {
			return nil, err
		}
		r.sub = sub
	}
	return r, nil
}

func (r *Responder) handle(payload []byte) {
	if transport.PeekType(payload) != transport.TypeResourceRequest {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.inflight.Done()
		ctx := context.Background()
		env, err := transport.UnwrapRequest(payload)
		if err != nil {
			r.logger.DebugContext(ctx, "bad request envelope", "error", err)
			return
		}
		if err := r.Respond(ctx, env); err != nil {
			r.logger.WarnContext(ctx, "respond failed", "requestId", env.RequestID, "error", err)
		}
	}()
}

// Supports reports whether a request with protocolVersion is answered. An absent version is
// read as ProtocolVersion.
func (r *Responder) Supports(protocolVersion string) bool {
	if protocolVersion == "" {
		protocolVersion = transport.ProtocolVersion
	}
	v, err := semver.NewVersion(protocolVersion)
	if err != nil {
		return false
	}
	return r.constraint.Check(v)
}

// Respond builds, signs and publishes an offer for req, unless the offer func declines or the
// protocol version is unsupported.
func (r *Responder) Respond(ctx context.Context, req transport.Envelope) error {
	if !r.Supports(req.ProtocolVersion) {
		r.logger.InfoContext(ctx, "unsupported protocol version", "requestId", req.RequestID, "version", req.ProtocolVersion)
		return nil
	}
	terms, ok := r.offerFn(ctx, req)
	if !ok {
		return nil
	}
	raw, err := r.BuildOffer(req.RequestID, terms)
	if err != nil {
		return err
	}
	payload := raw
	if r.opts.WrapOffers {
		if payload, err = transport.WrapOffer(req.RequestID, raw); err != nil {
			return err
		}
	}
	if r.transport == nil {
		return errors.New("negotiation: responder has no transport")
	}
	if err := r.transport.Publish(ctx, payload); err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "offer published", "requestId", req.RequestID)
	return nil
}

// BuildOffer returns the signed offer bytes for requestID.
func (r *Responder) BuildOffer(requestID string, terms Terms) ([]byte, error) {
	now := r.opts.Now().UTC()
	expiresAt := now.Add(r.opts.TTL)
	tokenID := uuid.NewString()
	obj := map[string]any{
		offer.FieldRequestID:     requestID,
		offer.FieldResponderNode: r.opts.Identity,
		offer.FieldTimestamp:     now.Format(time.RFC3339Nano),
		offer.FieldExpiresAt:     expiresAt.Format(time.RFC3339Nano),
		offer.FieldTokenID:       tokenID,
	}
	if terms.AvailableStorage != nil {
		obj[offer.FieldAvailableStorage] = *terms.AvailableStorage
	}
	if terms.LatencyMs != nil {
		obj[offer.FieldLatencyMs] = *terms.LatencyMs
	}
	if terms.Endpoint != "" {
		obj[offer.FieldEndpoint] = terms.Endpoint
	}
	if terms.Capability != nil {
		obj[offer.FieldCapability] = terms.Capability
	}
	if r.opts.Signer != nil {
		if err := crypto.SignObject(r.opts.Signer, obj, r.opts.EmbedKey); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	r.remember(tokenID, requestID, expiresAt, now)
	return raw, nil
}

func (r *Responder) remember(tokenID, requestID string, expiresAt, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.issued {
		if !o.expiresAt.After(now) {
			delete(r.issued, id)
		}
	}
	r.issued[tokenID] = issuedOffer{requestID: requestID, expiresAt: expiresAt}
}

// IssuedOffer reports the request a live offer with tokenID was made for. Offers are remembered
// in memory until they expire.
func (r *Responder) IssuedOffer(tokenID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.issued[tokenID]
	if !ok || !o.expiresAt.After(r.opts.Now()) {
		return "", false
	}
	return o.requestID, true
}

// Close stops answering requests and waits for offers being published.
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		if r.transport != nil {
			err = r.transport.Unsubscribe(r.sub)
		}
		r.inflight.Wait()
	})
	return err
}
