package file

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pureboot/pureboot/pkg/data"
)

// Blobs resolves artifact template references against a local directory,
// falling back to absolute http(s) references. Implements the engine's
// BlobStore.
type Blobs struct {
	// Root is the local artifact directory. Refs resolve to file URLs
	// inside it; path escapes are rejected.
	Root string
	// Client fetches http(s) refs. Nil means http.DefaultClient.
	Client *http.Client
}

// Resolve implements BlobStore.
func (b *Blobs) Resolve(_ context.Context, ref string) (*url.URL, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: artifact ref %q", data.ErrNotFound, ref)
		}
		return u, nil
	}

	clean := path.Clean("/" + ref)
	full := filepath.Join(b.Root, filepath.FromSlash(clean))
	if _, err := os.Stat(full); err != nil {
		return nil, fmt.Errorf("artifact %q: %w", ref, data.ErrNotFound)
	}
	return &url.URL{Scheme: "file", Path: full}, nil
}

// Open implements BlobStore.
func (b *Blobs) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, string, error) {
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, 0, "", fmt.Errorf("opening %s: %w", u.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, "", err
		}
		etag := fmt.Sprintf("%x-%x", info.ModTime().Unix(), info.Size())
		return f, info.Size(), etag, nil
	case "http", "https":
		client := b.Client
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, 0, "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, 0, "", fmt.Errorf("fetching %s: %w", u, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, 0, "", fmt.Errorf("fetching %s: unexpected status %d", u, resp.StatusCode)
		}
		return resp.Body, resp.ContentLength, resp.Header.Get("ETag"), nil
	default:
		return nil, 0, "", fmt.Errorf("unsupported artifact scheme %q", u.Scheme)
	}
}
