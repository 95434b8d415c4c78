package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorExcerpt = 512

// HTTPUploader posts the payload to a peer's ingest endpoint.
type HTTPUploader struct {
	client *http.Client
}

func NewHTTPUploader(client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPUploader{client: client}
}

// Upload returns the contentId reported by the receiver, or its Location header when the
// response carries no JSON body.
func (u *HTTPUploader) Upload(ctx context.Context, endpoint string, r io.Reader, authToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, r)
	if err != nil {
		return "", fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if authToken != "" {
		req.Header.Set(AuthHeader, authToken)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(body))
		if len(excerpt) > maxErrorExcerpt {
			excerpt = excerpt[:maxErrorExcerpt]
		}
		return "", fmt.Errorf("upload: %s returned %s: %s", endpoint, resp.Status, excerpt)
	}

	var receipt ingestResponse
	if json.Unmarshal(body, &receipt) == nil && receipt.ContentID != "" {
		return receipt.ContentID, nil
	}
	return resp.Header.Get("Location"), nil
}
