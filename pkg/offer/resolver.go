package offer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

// PublicKeyResolver looks up the public key of a responder identity. It may block on I/O.
// A nil key with a nil error means the identity is unknown.
type PublicKeyResolver interface {
	Resolve(ctx context.Context, identity string) ([]byte, error)
}

// ResolverFunc adapts a function to PublicKeyResolver.
type ResolverFunc func(ctx context.Context, identity string) ([]byte, error)

func (f ResolverFunc) Resolve(ctx context.Context, identity string) ([]byte, error) {
	return f(ctx, identity)
}

// StaticResolver resolves from a fixed identity to key map.
type StaticResolver map[string][]byte

func (s StaticResolver) Resolve(_ context.Context, identity string) ([]byte, error) {
	k, ok := s[identity]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), k...), nil
}

// DirectoryOptions configures a DirectoryResolver.
type DirectoryOptions struct {
	Client    *http.Client
	CacheTTL  time.Duration
	Limiter   *rate.Limiter
	AuthToken string
	Now       func() time.Time
}

// DirectoryResolver resolves keys from a directory service: GET {base}/keys/{identity} answers
// {"publicKey": "<base64 SPKI>"}, 404 means unknown. Identities are NFC-normalized so that
// visually identical names share one cache entry and one directory record.
type DirectoryResolver struct {
	base      string
	client    *http.Client
	ttl       time.Duration
	limiter   *rate.Limiter
	authToken string
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedKey
}

type cachedKey struct {
	key     []byte
	expires time.Time
}

func NewDirectoryResolver(base string, opts DirectoryOptions) *DirectoryResolver {
	r := &DirectoryResolver{
		base:      strings.TrimRight(base, "/"),
		client:    opts.Client,
		ttl:       opts.CacheTTL,
		limiter:   opts.Limiter,
		authToken: opts.AuthToken,
		now:       opts.Now,
		cache:     make(map[string]cachedKey),
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.ttl <= 0 {
		r.ttl = 5 * time.Minute
	}
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(rate.Limit(20), 5)
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *DirectoryResolver) Resolve(ctx context.Context, identity string) ([]byte, error) {
	id := norm.NFC.String(identity)
	if id == "" {
		return nil, nil
	}

	r.mu.Lock()
	if c, ok := r.cache[id]; ok && r.now().Before(c.expires) {
		r.mu.Unlock()
		return append([]byte(nil), c.key...), nil
	}
	r.mu.Unlock()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("directory: rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/keys/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.authToken != "" {
		req.Header.Set(AuthHeader, r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("directory: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("directory: decode: %w", err)
	}
	if doc.PublicKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("directory: bad publicKey encoding: %w", err)
	}

	r.mu.Lock()
	r.cache[id] = cachedKey{key: key, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return append([]byte(nil), key...), nil
}

// AuthHeader carries the mesh auth token on HTTP requests.
const AuthHeader = "X-Meshrabiya-Auth"
