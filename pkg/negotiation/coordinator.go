// Package negotiation runs the request/offer exchange: a Coordinator broadcasts resource
// requests and collects verified offers, a Responder answers requests with signed offers.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dreadstar/abhaya-sensor-android/pkg/observability"
	"github.com/dreadstar/abhaya-sensor-android/pkg/offer"
	"github.com/dreadstar/abhaya-sensor-android/pkg/transport"
)

var ErrClosed = errors.New("negotiation: coordinator closed")

// ResourceRequest is a published request. It is immutable once returned by Broadcast.
type ResourceRequest struct {
	RequestID  string
	Descriptor json.RawMessage
	// Envelope is the exact payload handed to the transport.
	Envelope []byte
}

// Options configures a Coordinator.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Provider

	// InboundLimiter drops payloads arriving faster than it allows. Nil accepts everything.
	InboundLimiter *rate.Limiter

	// RevocationAuthorities are the SPKI keys whose signed revocation lists are merged into
	// the verifier's ledger. Lists signed by anyone else are ignored.
	RevocationAuthorities [][]byte

	// AcceptUnsolicited keeps offers for request ids this coordinator is not waiting on: ids it
	// never broadcast, or has already collected. By default such offers are dropped.
	AcceptUnsolicited bool
}

// Coordinator owns one subscription on a transport and the queue of verified offers.
//
// Each inbound payload is verified on its own goroutine, so offers reach the queue in
// verification-completion order. Offers are kept per request id until collected or until
// the coordinator closes.
type Coordinator struct {
	transport transport.Transport
	verifier  *offer.Verifier
	opts      Options
	logger    *slog.Logger
	sub       transport.Subscription

	mu       sync.Mutex
	queues   map[string][]*offer.Offer
	wanted   map[string]struct{}
	closed   bool
	closedCh chan struct{}
	inflight sync.WaitGroup
}

// NewCoordinator subscribes to t. Offers are checked with v.
func NewCoordinator(t transport.Transport, v *offer.Verifier, opts Options) (*Coordinator, error) {
	if t == nil || v == nil {
		return nil, errors.New("negotiation: transport and verifier are required")
	}
	c := &Coordinator{
		transport: t,
		verifier:  v,
		opts:      opts,
		logger:    opts.Logger,
		queues:    make(map[string][]*offer.Offer),
		wanted:    make(map[string]struct{}),
		closedCh:  make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "negotiation")
	}
	sub, err := t.Subscribe(c.handle)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

// Broadcast publishes descriptor as a ResourceRequest. An empty requestID gets a fresh UUID.
func (c *Coordinator) Broadcast(ctx context.Context, descriptor any, requestID string) (ResourceRequest, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	env, err := transport.WrapRequest(requestID, descriptor)
	if err != nil {
		return ResourceRequest{}, err
	}
	unwrapped, err := transport.UnwrapRequest(env)
	if err != nil {
		return ResourceRequest{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ResourceRequest{}, ErrClosed
	}
	c.wanted[requestID] = struct{}{}
	c.mu.Unlock()

	if err := c.transport.Publish(ctx, env); err != nil {
		return ResourceRequest{}, err
	}
	c.logger.InfoContext(ctx, "request broadcast", "requestId", requestID)
	return ResourceRequest{RequestID: requestID, Descriptor: unwrapped.Payload, Envelope: env}, nil
}

// Collect waits for timeout (or until ctx is done or the coordinator closes) and returns every
// verified offer queued for requestID. Offers for other request ids stay queued. An empty
// result is a normal outcome: nobody trustworthy answered in time.
//
// Once Collect returns, requestID is no longer solicited and later offers for it are dropped.
func (c *Coordinator) Collect(ctx context.Context, requestID string, timeout time.Duration) []*offer.Offer {
	c.mu.Lock()
	if !c.closed {
		c.wanted[requestID] = struct{}{}
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.closedCh:
	}

	c.mu.Lock()
	offers := c.queues[requestID]
	delete(c.queues, requestID)
	delete(c.wanted, requestID)
	c.mu.Unlock()

	c.opts.Metrics.RecordCollected(ctx, len(offers))
	c.logger.DebugContext(ctx, "collect finished", "requestId", requestID, "offers", len(offers))
	return offers
}

// Close unsubscribes and drops queued offers. Verifications still running finish on their own;
// their results are discarded. Close is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queues = nil
	c.wanted = nil
	close(c.closedCh)
	c.mu.Unlock()

	return c.transport.Unsubscribe(c.sub)
}

// Wait blocks until every verification started so far has finished.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) handle(payload []byte) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.inflight.Add(1)
	}
	c.mu.Unlock()
	if closed {
		return
	}
	if c.opts.InboundLimiter != nil && !c.opts.InboundLimiter.Allow() {
		c.inflight.Done()
		c.logger.Debug("inbound payload dropped by rate limiter")
		return
	}
	go func() {
		defer c.inflight.Done()
		c.process(context.Background(), payload)
	}()
}

func (c *Coordinator) process(ctx context.Context, payload []byte) {
	raw := payload
	switch transport.PeekType(payload) {
	case transport.TypeResourceRequest:
		return
	case transport.TypeRevocationList:
		c.mergeRevocations(ctx, payload)
		return
	case transport.TypeResourceOffer:
		inner, err := transport.UnwrapOffer(payload)
		if err != nil {
			c.logger.DebugContext(ctx, "offer envelope dropped", "error", err)
			return
		}
		raw = inner
	}

	if !c.opts.AcceptUnsolicited {
		id := peekRequestID(raw)
		if !c.isWanted(id) {
			c.logger.DebugContext(ctx, "unsolicited offer dropped", "requestId", id)
			return
		}
	}

	res := c.verifier.Verify(ctx, raw, "")
	if !res.Valid {
		c.logger.WarnContext(ctx, "offer dropped", "reason", string(res.Reason), "detail", res.Detail)
		return
	}
	c.enqueue(res.Offer)
}

func (c *Coordinator) enqueue(o *offer.Offer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.wanted[o.RequestID]; !ok && !c.opts.AcceptUnsolicited {
		return
	}
	c.queues[o.RequestID] = append(c.queues[o.RequestID], o)
}

func (c *Coordinator) isWanted(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.wanted[requestID]
	return ok
}

func (c *Coordinator) mergeRevocations(ctx context.Context, payload []byte) {
	lg := c.verifier.Ledger()
	if lg == nil || len(c.opts.RevocationAuthorities) == 0 {
		return
	}
	env, err := transport.Unwrap(payload)
	if err != nil {
		return
	}
	keys, err := VerifyRevocations(env.Payload, c.opts.RevocationAuthorities)
	if err != nil {
		c.logger.WarnContext(ctx, "revocation list rejected", "error", err)
		return
	}
	added, err := lg.MergeRevocations(ctx, keys)
	if err != nil {
		c.logger.ErrorContext(ctx, "revocation merge failed", "error", err)
		return
	}
	c.logger.InfoContext(ctx, "revocation list merged", "listed", len(keys), "added", added)
}

func peekRequestID(raw []byte) string {
	var head struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.RequestID
}
