// Package assets - Resolution of opaque resource references (model labels, images)
// to their raw bytes.
package assets

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// SchemeAsset addresses a file inside the resolver's embedded filesystem.
	SchemeAsset = "asset"
	// SchemeFile addresses a file on the local filesystem.
	SchemeFile = "file"
	// DefaultFetchTimeout bounds remote fetches when the caller's context has no deadline.
	DefaultFetchTimeout = 30 * time.Second
)

var (
	// ErrEmptyReference is returned when an empty resource reference is resolved.
	ErrEmptyReference = errors.New("empty resource reference")
	// ErrUnsupportedScheme is returned for references with an unknown URI scheme.
	ErrUnsupportedScheme = errors.New("unsupported resource scheme")
	// ErrNoAssetFS is returned when an asset:// reference is resolved without an embedded filesystem.
	ErrNoAssetFS = errors.New("no asset filesystem configured")
	// ErrFetch is returned when a remote resource answers with a non-2xx status.
	ErrFetch = errors.New("remote resource fetch failed")
)

// Resolver turns resource references into readable streams.
//
// Supported reference forms:
//   - "asset://models/labels.txt": a file inside FS.
//   - "file:///abs/path.jpg" or "file://relative/path.jpg": a local file.
//   - "http://..." and "https://...": fetched with Client.
//   - anything else: a filesystem path, relative paths are joined to BaseDir.
type Resolver struct {
	// FS holds embedded assets addressed by the asset:// scheme.
	FS fs.FS
	// BaseDir anchors relative filesystem paths. Empty means the working directory.
	BaseDir string
	// Client performs remote fetches. Nil means a client with DefaultFetchTimeout.
	Client *http.Client
}

// NewResolver creates a resolver rooted at baseDir with an optional embedded filesystem.
//
// Arguments:
//   - baseDir: The directory relative paths are resolved against.
//   - assetFS: The embedded filesystem for asset:// references (may be nil).
//
// Returns:
//   - *Resolver: The resolver.
func NewResolver(baseDir string, assetFS fs.FS) *Resolver {
	return &Resolver{
		FS:      assetFS,
		BaseDir: baseDir,
		Client:  &http.Client{Timeout: DefaultFetchTimeout},
	}
}

// Open resolves ref and returns a stream over its content. The caller closes it.
//
// Arguments:
//   - ctx: Cancels remote fetches.
//   - ref: The resource reference.
//
// Returns:
//   - io.ReadCloser: The resource content.
//   - error: An error if the reference cannot be resolved.
func (r *Resolver) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyReference
	}

	if p, ok := r.LocalPath(ref); ok {
		return r.openPath(p)
	}

	scheme, rest, _ := strings.Cut(ref, "://")
	switch strings.ToLower(scheme) {
	case "http", "https":
		return r.fetch(ctx, ref)
	case SchemeAsset:
		if r.FS == nil {
			return nil, errors.Wrapf(ErrNoAssetFS, "open %q", ref)
		}
		f, err := r.FS.Open(strings.TrimPrefix(rest, "/"))
		if err != nil {
			return nil, errors.Wrapf(err, "open asset %q", ref)
		}
		return f, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", scheme)
	}
}

// LocalPath returns the filesystem path a plain path or file:// reference names.
// Relative paths are joined to BaseDir. ok is false for every other scheme.
func (r *Resolver) LocalPath(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	scheme, _, hasScheme := strings.Cut(ref, "://")

	var p string
	switch {
	case ref == "":
		return "", false
	case !hasScheme:
		p = ref
	case strings.EqualFold(scheme, SchemeFile):
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		p = u.Path
		if u.Host != "" {
			// file://relative/path puts the first segment into Host.
			p = u.Host + u.Path
		}
	default:
		return "", false
	}

	if !filepath.IsAbs(p) && r.BaseDir != "" {
		p = filepath.Join(r.BaseDir, p)
	}
	return p, true
}

// ReadAll resolves ref and reads its whole content.
//
// Arguments:
//   - ctx: Cancels remote fetches.
//   - ref: The resource reference.
//
// Returns:
//   - []byte: The resource content.
//   - error: An error if the reference cannot be resolved or read.
func (r *Resolver) ReadAll(ctx context.Context, ref string) ([]byte, error) {
	rc, err := r.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", ref)
	}
	return data, nil
}

func (r *Resolver) openPath(p string) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "open file %q", p)
	}
	return f, nil
}

func (r *Resolver) fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %q", ref)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %q", ref)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, errors.Wrapf(ErrFetch, "%q: status %d", ref, resp.StatusCode)
	}
	return resp.Body, nil
}
