package negotiation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
	"github.com/dreadstar/abhaya-sensor-android/pkg/offer"
	"github.com/dreadstar/abhaya-sensor-android/pkg/transport"
)

func int64p(v int64) *int64 { return &v }

type node struct {
	coord  *Coordinator
	ledger *ledger.FileLedger
}

func newNode(t *testing.T, hub *transport.Hub, opts Options) node {
	t.Helper()
	lg := ledger.NewMemoryLedger()
	v := offer.NewVerifier(offer.Options{Ledger: lg, RequireSignature: true})
	c, err := NewCoordinator(hub.Endpoint(), v, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return node{coord: c, ledger: lg}
}

func newResponder(t *testing.T, hub *transport.Hub, identity string, opts ResponderOptions, terms Terms) (*Responder, *crypto.Ed25519Signer) {
	t.Helper()
	s, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	opts.Identity = identity
	opts.Signer = s
	opts.EmbedKey = true
	r, err := NewResponder(hub.Endpoint(), func(context.Context, transport.Envelope) (Terms, bool) {
		return terms, true
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, s
}

func TestEndToEnd_OneOfferCollected(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	a := newNode(t, hub, Options{})
	_, signerB := newResponder(t, hub, "B", ResponderOptions{}, Terms{
		AvailableStorage: int64p(5 << 30),
		LatencyMs:        int64p(30),
		Endpoint:         "https://b.example/upload",
	})

	ctx := context.Background()
	req, err := a.coord.Broadcast(ctx, map[string]any{"bytes": 1024}, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", req.RequestID)
	assert.JSONEq(t, `{"bytes":1024}`, string(req.Descriptor))

	offers := a.coord.Collect(ctx, "r1", time.Second)
	require.Len(t, offers, 1)
	assert.Equal(t, "B", offers[0].ResponderIdentity)
	assert.Equal(t, signerB.PublicKeyDER(), offers[0].SignerPublicKey)

	score, err := a.ledger.TrustScore(ctx, signerB.PublicKeyDER())
	require.NoError(t, err)
	assert.Equal(t, 1, score)
}

func TestEndToEnd_SkewedClockYieldsNothing(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	a := newNode(t, hub, Options{})
	newResponder(t, hub, "B", ResponderOptions{
		Now: func() time.Time { return time.Now().Add(-2 * time.Hour) },
	}, Terms{Endpoint: "https://b.example/upload"})

	ctx := context.Background()
	_, err := a.coord.Broadcast(ctx, nil, "r1")
	require.NoError(t, err)
	assert.Empty(t, a.coord.Collect(ctx, "r1", time.Second))
}

func TestCollect_KeepsOtherRequestsQueued(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	a := newNode(t, hub, Options{})
	newResponder(t, hub, "B", ResponderOptions{}, Terms{})

	ctx := context.Background()
	_, err := a.coord.Broadcast(ctx, nil, "r1")
	require.NoError(t, err)
	_, err = a.coord.Broadcast(ctx, nil, "r2")
	require.NoError(t, err)

	first := a.coord.Collect(ctx, "r1", 500*time.Millisecond)
	require.Len(t, first, 1)
	assert.Equal(t, "r1", first[0].RequestID)

	// r2 was answered while r1 was being collected
	second := a.coord.Collect(ctx, "r2", 10*time.Millisecond)
	require.Len(t, second, 1)
	assert.Equal(t, "r2", second[0].RequestID)

	assert.Empty(t, a.coord.Collect(ctx, "r1", 10*time.Millisecond))
}

func TestCollect_ReturnsWhenContextDone(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()
	a := newNode(t, hub, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Empty(t, a.coord.Collect(ctx, "r1", time.Minute))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCoordinator_DropsUnsolicitedAndInvalidOffers(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	a := newNode(t, hub, Options{})
	ctx := context.Background()
	_, err := a.coord.Broadcast(ctx, nil, "r1")
	require.NoError(t, err)

	pub := hub.Endpoint()
	s, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	unsolicited := map[string]any{"requestId": "other", "responderNode": "C"}
	require.NoError(t, crypto.SignObject(s, unsolicited, true))
	raw, _ := json.Marshal(unsolicited)
	require.NoError(t, pub.Publish(ctx, raw))

	unsigned, _ := json.Marshal(map[string]any{"requestId": "r1", "responderNode": "D"})
	require.NoError(t, pub.Publish(ctx, unsigned))
	require.NoError(t, pub.Publish(ctx, []byte("garbage")))

	good := map[string]any{"requestId": "r1", "responderNode": "E"}
	require.NoError(t, crypto.SignObject(s, good, true))
	raw, _ = json.Marshal(good)
	wrapped, err := transport.WrapOffer("r1", raw)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, wrapped))

	offers := a.coord.Collect(ctx, "r1", 300*time.Millisecond)
	require.Len(t, offers, 1)
	assert.Equal(t, "E", offers[0].ResponderIdentity)
	assert.Empty(t, a.coord.Collect(ctx, "other", 10*time.Millisecond))
}

func TestCoordinator_CloseIsIdempotentAndDropsLateOffers(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	a := newNode(t, hub, Options{})
	ctx := context.Background()
	_, err := a.coord.Broadcast(ctx, nil, "r1")
	require.NoError(t, err)

	require.NoError(t, a.coord.Close())
	require.NoError(t, a.coord.Close())

	// late results must not panic
	a.coord.enqueue(&offer.Offer{RequestID: "r1"})
	a.coord.handle([]byte(`{"requestId":"r1"}`))
	a.coord.Wait()

	assert.Empty(t, a.coord.Collect(ctx, "r1", time.Second))
	_, err = a.coord.Broadcast(ctx, nil, "r2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCoordinator_InboundRateLimit(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	a := newNode(t, hub, Options{InboundLimiter: rate.NewLimiter(0, 1), AcceptUnsolicited: true})
	pub := hub.Endpoint()
	ctx := context.Background()

	for _, who := range []string{"B", "C", "D"} {
		raw, _ := json.Marshal(map[string]any{"requestId": "r1", "responderNode": who})
		require.NoError(t, pub.Publish(ctx, raw))
	}
	// unsigned offers fail verification, so this only checks that the limiter spends its single
	// token and the coordinator stays healthy
	time.Sleep(100 * time.Millisecond)
	a.coord.Wait()
	assert.False(t, a.coord.opts.InboundLimiter.Allow())
}

func TestCoordinator_MergesAuthorityRevocations(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	authority, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	rogue, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	victim, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	a := newNode(t, hub, Options{RevocationAuthorities: [][]byte{authority.PublicKeyDER()}})
	pub := hub.Endpoint()
	ctx := context.Background()

	forged, err := SignRevocations(rogue, []string{authority.PublicKeyBase64()}, time.Now())
	require.NoError(t, err)
	env, err := transport.WrapRevocations(forged)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, env))

	list, err := SignRevocations(authority, []string{victim.PublicKeyBase64()}, time.Now())
	require.NoError(t, err)
	env, err = transport.WrapRevocations(list)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, env))

	require.Eventually(t, func() bool {
		revoked, err := a.ledger.IsRevoked(ctx, victim.PublicKeyDER())
		return err == nil && revoked
	}, 2*time.Second, 10*time.Millisecond)

	a.coord.Wait()
	revoked, err := a.ledger.IsRevoked(ctx, authority.PublicKeyDER())
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestResponder_ProtocolVersion(t *testing.T) {
	r, err := NewResponder(nil, func(context.Context, transport.Envelope) (Terms, bool) { return Terms{}, true },
		ResponderOptions{Identity: "B"})
	require.NoError(t, err)

	assert.True(t, r.Supports("1.0.0"))
	assert.True(t, r.Supports("1.4.2"))
	assert.True(t, r.Supports(""))
	assert.False(t, r.Supports("2.0.0"))
	assert.False(t, r.Supports("banana"))

	// unsupported versions are declined silently, before the missing transport matters
	assert.NoError(t, r.Respond(context.Background(), transport.Envelope{RequestID: "r1", ProtocolVersion: "2.0.0"}))
}

func TestResponder_BuildOfferVerifies(t *testing.T) {
	s, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r, err := NewResponder(nil, func(context.Context, transport.Envelope) (Terms, bool) { return Terms{}, true },
		ResponderOptions{Identity: "B", Signer: s, EmbedKey: true, TTL: 30 * time.Second, Now: func() time.Time { return now }})
	require.NoError(t, err)

	raw, err := r.BuildOffer("r9", Terms{LatencyMs: int64p(12), Endpoint: "s3://bucket/in"})
	require.NoError(t, err)

	v := offer.NewVerifier(offer.Options{Now: func() time.Time { return now.Add(29 * time.Second) }})
	res := v.Verify(context.Background(), raw, "r9")
	require.True(t, res.Valid, res.String())
	assert.NotEmpty(t, res.Offer.TokenID)
	require.NotNil(t, res.Offer.ExpiresAt)
	assert.True(t, now.Add(30*time.Second).Equal(*res.Offer.ExpiresAt))

	v = offer.NewVerifier(offer.Options{Now: func() time.Time { return now.Add(30 * time.Second) }})
	assert.Equal(t, offer.ReasonExpired, v.Verify(context.Background(), raw, "r9").Reason)
}

func TestCollect_ForgetsCollectedRequest(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	a := newNode(t, hub, Options{})
	ctx := context.Background()
	_, err := a.coord.Broadcast(ctx, nil, "r1")
	require.NoError(t, err)
	assert.Empty(t, a.coord.Collect(ctx, "r1", 10*time.Millisecond))

	a.coord.mu.Lock()
	_, stillWanted := a.coord.wanted["r1"]
	a.coord.mu.Unlock()
	assert.False(t, stillWanted)

	s, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	late := map[string]any{"requestId": "r1", "responderNode": "B"}
	require.NoError(t, crypto.SignObject(s, late, true))
	raw, err := json.Marshal(late)
	require.NoError(t, err)
	a.coord.handle(raw)
	a.coord.Wait()

	a.coord.mu.Lock()
	queued := len(a.coord.queues)
	a.coord.mu.Unlock()
	assert.Zero(t, queued)
}

func TestResponder_RemembersIssuedOffers(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	r, err := NewResponder(nil, func(context.Context, transport.Envelope) (Terms, bool) { return Terms{}, true },
		ResponderOptions{Identity: "B", TTL: time.Minute, Now: func() time.Time { return clock }})
	require.NoError(t, err)

	raw, err := r.BuildOffer("r7", Terms{})
	require.NoError(t, err)
	var built struct {
		TokenID string `json:"tokenId"`
	}
	require.NoError(t, json.Unmarshal(raw, &built))

	rid, ok := r.IssuedOffer(built.TokenID)
	assert.True(t, ok)
	assert.Equal(t, "r7", rid)

	_, ok = r.IssuedOffer("never-issued")
	assert.False(t, ok)

	clock = now.Add(time.Minute)
	_, ok = r.IssuedOffer(built.TokenID)
	assert.False(t, ok, "expired offers are forgotten")
}

func TestResponder_IgnoresRequestsAfterClose(t *testing.T) {
	hub := transport.NewHub()
	defer func() { _ = hub.Close() }()

	answered := make(chan struct{}, 1)
	r, err := NewResponder(hub.Endpoint(), func(context.Context, transport.Envelope) (Terms, bool) {
		answered <- struct{}{}
		return Terms{}, false
	}, ResponderOptions{Identity: "B"})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	req, err := transport.WrapRequest("r1", nil)
	require.NoError(t, err)
	r.handle(req)
	r.inflight.Wait()

	select {
	case <-answered:
		t.Fatal("closed responder answered a request")
	default:
	}
}
