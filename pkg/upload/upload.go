// Package upload moves payloads to the endpoint named by an accepted offer.
//
// Endpoints are URLs and the scheme picks the backend: http(s) posts to a peer's ingest handler,
// s3 and gs write to object storage, file writes into a local content-addressed blob store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/dreadstar/abhaya-sensor-android/pkg/transport"
)

var (
	ErrUnsupportedScheme = errors.New("upload: unsupported endpoint scheme")
	ErrInvalidGrant      = errors.New("upload: invalid grant")
)

// AuthHeader carries the upload grant on HTTP uploads.
const AuthHeader = transport.AuthHeader

// Uploader sends r to endpoint and returns a reference to the stored payload.
type Uploader interface {
	Upload(ctx context.Context, endpoint string, r io.Reader, authToken string) (string, error)
}

// Options configures the backends a Router registers.
type Options struct {
	HTTPClient *http.Client
	// S3 enables s3:// endpoints. Nil leaves them unsupported.
	S3 *S3Config
	// GCS enables gs:// endpoints. Requires a binary built with -tags gcp.
	GCS bool
}

// Router dispatches uploads by endpoint scheme.
type Router struct {
	mu        sync.RWMutex
	uploaders map[string]Uploader
}

// NewRouter registers http, https and file, plus s3 and gs when configured.
func NewRouter(ctx context.Context, opts Options) (*Router, error) {
	r := &Router{uploaders: make(map[string]Uploader)}
	h := NewHTTPUploader(opts.HTTPClient)
	r.Register("http", h)
	r.Register("https", h)
	r.Register("file", NewFileUploader())

	if opts.S3 != nil {
		s3u, err := NewS3Uploader(ctx, *opts.S3)
		if err != nil {
			return nil, err
		}
		r.Register("s3", s3u)
	}
	if opts.GCS {
		gcs, err := newGCSUploader(ctx)
		if err != nil {
			return nil, err
		}
		r.Register("gs", gcs)
	}
	return r, nil
}

// Register sets the uploader for scheme, replacing any previous one.
func (r *Router) Register(scheme string, u Uploader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploaders == nil {
		r.uploaders = make(map[string]Uploader)
	}
	r.uploaders[strings.ToLower(scheme)] = u
}

func (r *Router) Upload(ctx context.Context, endpoint string, body io.Reader, authToken string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("upload: bad endpoint %q: %w", endpoint, err)
	}
	r.mu.RLock()
	up, ok := r.uploaders[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return up.Upload(ctx, endpoint, body, authToken)
}

// bucketAndPrefix splits "s3://bucket/some/prefix" into its bucket and a "/"-terminated prefix.
func bucketAndPrefix(endpoint, scheme string) (string, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != scheme || u.Host == "" {
		return "", "", fmt.Errorf("upload: expected %s://bucket/prefix, got %q", scheme, endpoint)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return u.Host, prefix, nil
}
