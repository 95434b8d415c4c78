package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got [][]byte
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 64)} }

func (c *collector) handle(p []byte) {
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for payload %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.got...)
}

func TestLoopback_BroadcastToAllEndpoints(t *testing.T) {
	hub := NewHub()
	defer func() { _ = hub.Close() }()

	a, b := hub.Endpoint(), hub.Endpoint()
	ca, cb := newCollector(), newCollector()
	_, err := a.Subscribe(ca.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(cb.handle)
	require.NoError(t, err)

	payload := []byte(`{"requestId":"r1"}`)
	require.NoError(t, a.Publish(context.Background(), payload))
	payload[0] = 'X' // publisher may reuse its buffer

	assert.Equal(t, `{"requestId":"r1"}`, string(ca.wait(t, 1)[0]))
	assert.Equal(t, `{"requestId":"r1"}`, string(cb.wait(t, 1)[0]))
}

func TestLoopback_UnsubscribeAndClose(t *testing.T) {
	hub := NewHub()
	defer func() { _ = hub.Close() }()

	a, b := hub.Endpoint(), hub.Endpoint()
	c := newCollector()
	sub, err := b.Subscribe(c.handle)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub))

	watcher := newCollector()
	_, err = a.Subscribe(watcher.handle)
	require.NoError(t, err)
	require.NoError(t, a.Publish(context.Background(), []byte("x")))
	watcher.wait(t, 1)
	assert.Empty(t, c.got)

	require.NoError(t, b.Close())
	_, err = b.Subscribe(c.handle)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), []byte("x")), ErrClosed)
}

func TestEnvelope_RequestRoundTrip(t *testing.T) {
	b, err := WrapRequest("r1", map[string]any{"size": 10})
	require.NoError(t, err)
	assert.Equal(t, TypeResourceRequest, PeekType(b))

	env, err := UnwrapRequest(b)
	require.NoError(t, err)
	assert.Equal(t, "r1", env.RequestID)
	assert.Equal(t, ProtocolVersion, env.ProtocolVersion)
	assert.JSONEq(t, `{"size":10}`, string(env.Payload))

	b, err = WrapRequest("r2", []byte("not json"))
	require.NoError(t, err)
	env, err = UnwrapRequest(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":"not json"}`, string(env.Payload))

	_, err = WrapRequest("", nil)
	assert.Error(t, err)
}

func TestEnvelope_OfferKeepsExactBytes(t *testing.T) {
	raw := []byte(`{ "requestId" : "r1", "endpoint":"http://b/up?a=1&b=<2>" }`)
	b, err := WrapOffer("r1", raw)
	require.NoError(t, err)
	assert.Equal(t, TypeResourceOffer, PeekType(b))

	got, err := UnwrapOffer(b)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestEnvelope_PeekTypeOnBareOffer(t *testing.T) {
	assert.Equal(t, "", PeekType([]byte(`{"requestId":"r1"}`)))
	assert.Equal(t, "", PeekType([]byte(`garbage`)))
	_, err := UnwrapRequest([]byte(`{"requestId":"r1"}`))
	assert.Error(t, err)
}

func TestHTTPTransport_Publish(t *testing.T) {
	var gotBody, gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/descriptor", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get(AuthHeader)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", "tok", nil)
	require.NoError(t, tr.Publish(context.Background(), []byte(`{"a":1}`)))
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "tok", gotAuth)
	assert.Equal(t, "application/json", gotType)
}

func TestHTTPTransport_PublishError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewHTTPTransport(srv.URL, "", nil).Publish(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPTransport_ServeHTTP(t *testing.T) {
	receiver := NewHTTPTransport("http://unused", "tok", nil)
	c := newCollector()
	_, err := receiver.Subscribe(c.handle)
	require.NoError(t, err)

	srv := httptest.NewServer(receiver)
	defer srv.Close()

	sender := NewHTTPTransport(srv.URL, "tok", nil)
	require.NoError(t, sender.Publish(context.Background(), []byte(`{"requestId":"r1"}`)))
	assert.Equal(t, `{"requestId":"r1"}`, string(c.wait(t, 1)[0]))

	err = NewHTTPTransport(srv.URL, "wrong", nil).Publish(context.Background(), []byte(`{}`))
	assert.Error(t, err)

	resp, err := http.Get(srv.URL + "/descriptor")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/descriptor", "application/json", strings.NewReader(strings.Repeat("a", MaxPayloadSize+1)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNew(t *testing.T) {
	tr, err := New(context.Background(), Config{Kind: KindLoopback})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	tr, err = New(context.Background(), Config{Kind: KindHTTP, HTTPBaseURL: "http://x"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPTransport{}, tr)

	_, err = New(context.Background(), Config{Kind: KindHTTP})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

// TestRedisTransport_Integration requires a running Redis and skips otherwise.
func TestRedisTransport_Integration(t *testing.T) {
	ctx := context.Background()
	pinger := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := pinger.Ping(ctx).Err(); err != nil {
		_ = pinger.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	_ = pinger.Close()

	channel := "mesh:test:" + time.Now().Format("150405.000000")
	a, err := NewRedisTransport(ctx, RedisOptions{Addr: "localhost:6379", Channel: channel})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := NewRedisTransport(ctx, RedisOptions{Addr: "localhost:6379", Channel: channel})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	c := newCollector()
	_, err = b.Subscribe(c.handle)
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, []byte(`{"requestId":"r1"}`)))
	assert.Equal(t, `{"requestId":"r1"}`, string(c.wait(t, 1)[0]))
}
