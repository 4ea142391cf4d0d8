package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// Router dispatches Fetch to a store by URI scheme. URIs without a scheme
// go to the "file" store.
type Router struct {
	// stores maps a lower-case scheme to its fetcher.
	stores map[string]rag.BlobStore
}

// NewRouter returns a Router serving file, http and https URIs.
func NewRouter(files *FileStore, web *HTTPStore) *Router {
	r := &Router{stores: make(map[string]rag.BlobStore)}
	if files != nil {
		r.Register("file", files)
	}
	if web != nil {
		r.Register("http", web)
		r.Register("https", web)
	}
	return r
}

// Register adds or replaces the store for scheme.
func (r *Router) Register(scheme string, store rag.BlobStore) {
	r.stores[strings.ToLower(scheme)] = store
}

// Fetch implements rag.BlobStore.
func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, error) {
	scheme := "file"
	if u, err := url.Parse(uri); err == nil && len(u.Scheme) > 1 {
		scheme = strings.ToLower(u.Scheme)
	}
	store, ok := r.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("blob: no store for scheme %q in %s", scheme, uri)
	}
	return store.Fetch(ctx, uri)
}
