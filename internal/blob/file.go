package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// FileStore reads documents from the local filesystem. URIs may be bare
// paths or file:// URLs.
type FileStore struct {
	// root, when set, confines reads to paths beneath it.
	root string

	// maxBytes caps a single document.
	maxBytes int64
}

// NewFileStore constructs a FileStore. An empty root allows any path.
func NewFileStore(root string) *FileStore {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &FileStore{root: root, maxBytes: defaultMaxBytes}
}

// Fetch reads the file named by uri.
func (s *FileStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob: %s: %w", uri, rag.ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", uri, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", uri, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("blob: %s exceeds %d bytes", uri, s.maxBytes)
	}
	return data, nil
}

func (s *FileStore) resolve(uri string) (string, error) {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("blob: parse %s: %w", uri, err)
		}
		path = u.Path
	}
	if path == "" {
		return "", fmt.Errorf("blob: empty path in %q", uri)
	}

	if s.root == "" {
		return filepath.Clean(path), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob: %s escapes root %s", uri, s.root)
	}
	return path, nil
}
