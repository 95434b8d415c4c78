package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTransport publishes by POSTing each payload to {base}/descriptor. It has no way to pull
// from the mesh: subscribers only see payloads that reach ServeHTTP, when the transport is also
// mounted as a server.
type HTTPTransport struct {
	base      string
	authToken string
	client    *http.Client
	reg       registry
}

func NewHTTPTransport(baseURL, authToken string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		base:      strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    client,
	}
}

func (t *HTTPTransport) Publish(ctx context.Context, payload []byte) error {
	if t.reg.isClosed() {
		return ErrClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/descriptor", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set(AuthHeader, t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("transport: publish: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *HTTPTransport) Subscribe(h Handler) (Subscription, error) { return t.reg.add(h) }

func (t *HTTPTransport) Unsubscribe(s Subscription) error { return t.reg.remove(s) }

func (t *HTTPTransport) Close() error {
	t.reg.close()
	return nil
}

// ServeHTTP accepts POST /descriptor and hands the body to subscribers. When an auth token is
// configured, requests must carry it.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if t.authToken != "" && r.Header.Get(AuthHeader) != t.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if t.reg.isClosed() {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadSize+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(body) > MaxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	t.reg.deliver(body)
	w.WriteHeader(http.StatusAccepted)
}

var _ Transport = (*HTTPTransport)(nil)
