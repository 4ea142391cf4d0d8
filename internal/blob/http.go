// Package blob fetches raw document bytes by URI from local files or HTTP(S)
// endpoints. Missing objects are reported as rag.ErrBlobNotFound.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// defaultMaxBytes caps a single fetched document.
const defaultMaxBytes = 64 << 20

// HTTPConfig holds the configuration for HTTPStore.
type HTTPConfig struct {
	// Timeout bounds each fetch request. Defaults to 30s if zero.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// MaxBytes caps the response body size. Defaults to 64 MiB if zero.
	MaxBytes int64
}

// HTTPStore fetches documents over HTTP(S).
type HTTPStore struct {
	// client performs fetch requests.
	client *http.Client

	// cfg holds the resolved configuration.
	cfg *HTTPConfig
}

// NewHTTPStore constructs an HTTPStore.
func NewHTTPStore(cfg *HTTPConfig) *HTTPStore {
	if cfg == nil {
		cfg = &HTTPConfig{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ragpipe-go/1.0 (document ingestion)"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &HTTPStore{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

// Fetch retrieves the body at uri. 404 and 410 map to rag.ErrBlobNotFound.
func (s *HTTPStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: creating request for %s: %w", uri, err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: http get %s: %w", uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("blob: %s: status %d: %w", uri, resp.StatusCode, rag.ErrBlobNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("blob: unexpected status %d for %s", resp.StatusCode, uri)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("blob: reading body of %s: %w", uri, err)
	}
	if int64(len(body)) > s.cfg.MaxBytes {
		return nil, fmt.Errorf("blob: %s exceeds %d bytes", uri, s.cfg.MaxBytes)
	}
	return body, nil
}
