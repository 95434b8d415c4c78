package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const contentPrefix = "sha256:"

// BlobStore is a filesystem content-addressed store. Blobs live at <dir>/<hex>.blob and are
// written through a temporary file, so a crash never leaves a partial blob under its address.
type BlobStore struct {
	dir string
}

func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure blob dir: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Put stores r and returns its content id ("sha256:<hex>"). Storing the same bytes twice is a no-op.
func (s *BlobStore) Put(ctx context.Context, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "incoming-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), readerWithContext(ctx, r)); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	hashStr := hex.EncodeToString(h.Sum(nil))
	path := s.path(hashStr)
	if _, err := os.Stat(path); err == nil {
		return contentPrefix + hashStr, nil
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return contentPrefix + hashStr, nil
}

// Open returns the blob stored under id.
func (s *BlobStore) Open(id string) (io.ReadCloser, error) {
	hashStr, err := parseContentID(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(hashStr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", id)
		}
		return nil, err
	}
	return f, nil
}

func (s *BlobStore) Exists(id string) (bool, error) {
	hashStr, err := parseContentID(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(hashStr))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *BlobStore) path(hashStr string) string {
	return filepath.Join(s.dir, hashStr+".blob")
}

func parseContentID(id string) (string, error) {
	if !strings.HasPrefix(id, contentPrefix) {
		return "", fmt.Errorf("invalid content id format: %s", id)
	}
	raw := id[len(contentPrefix):]
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid content id hex: %s", id)
	}
	return raw, nil
}

// FileUploader stores payloads sent to file:///dir endpoints in a BlobStore rooted at dir.
type FileUploader struct {
	mu     sync.Mutex
	stores map[string]*BlobStore
}

func NewFileUploader() *FileUploader {
	return &FileUploader{stores: make(map[string]*BlobStore)}
}

func (u *FileUploader) Upload(ctx context.Context, endpoint string, r io.Reader, _ string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "file" || parsed.Path == "" {
		return "", fmt.Errorf("upload: expected file:///dir, got %q", endpoint)
	}
	store, err := u.store(filepath.FromSlash(parsed.Path))
	if err != nil {
		return "", err
	}
	return store.Put(ctx, r)
}

func (u *FileUploader) store(dir string) (*BlobStore, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.stores[dir]; ok {
		return s, nil
	}
	s, err := NewBlobStore(dir)
	if err != nil {
		return nil, err
	}
	u.stores[dir] = s
	return s, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

func randomName() string {
	return uuid.NewString()
}
