// Package labels - Label catalogs: the ordered class names a model's output
// indices map to, loaded from a newline-delimited resource.
package labels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nvr-ai/go-cropcheck/assets"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrNotLoaded is returned when a catalog is queried before a successful load.
	ErrNotLoaded = errors.New("label catalog not loaded")
	// ErrIndexOutOfRange is returned for class indices outside the catalog.
	ErrIndexOutOfRange = errors.New("class index out of range")
)

// Parse splits a label resource on "\n". No trimming or filtering is applied, so a
// trailing newline yields an empty label at the final index.
//
// Arguments:
//   - text: The resource body.
//
// Returns:
//   - []string: One entry per line.
func Parse(text string) []string {
	return strings.Split(text, "\n")
}

// LoadTimeout bounds a shared label fetch once it no longer follows a caller's
// context.
const LoadTimeout = 30 * time.Second

// Loader fetches the raw body of a label resource.
type Loader interface {
	ReadAll(ctx context.Context, ref string) ([]byte, error)
}

// Catalog is the lazily loaded label list of one model. Concurrent Load calls share
// a single fetch. A failed load leaves the catalog unloaded so a later Load retries.
type Catalog struct {
	ref    string
	loader Loader
	logger logrus.FieldLogger

	group singleflight.Group

	mu      sync.RWMutex
	labels  []string
	byLabel map[string]int
}

// NewCatalog creates an unloaded catalog for the resource ref.
//
// Arguments:
//   - ref: The label resource reference.
//   - loader: Fetches the resource, usually an *assets.Resolver.
//   - logger: The logger (may be nil).
//
// Returns:
//   - *Catalog: The unloaded catalog.
func NewCatalog(ref string, loader Loader, logger logrus.FieldLogger) *Catalog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Catalog{
		ref:    ref,
		loader: loader,
		logger: logger.WithField("labels", ref),
	}
}

// FromList creates a loaded catalog from an in-memory list.
func FromList(list []string) *Catalog {
	c := &Catalog{logger: logrus.StandardLogger()}
	c.set(list)
	return c
}

var _ Loader = (*assets.Resolver)(nil)

// Ref returns the resource reference the catalog loads from.
func (c *Catalog) Ref() string {
	return c.ref
}

// Load fetches and parses the resource unless the catalog is already loaded.
//
// Arguments:
//   - ctx: Bounds the wait. Cancelling it does not abort a fetch other callers share.
//
// Returns:
//   - error: The fetch error, or nil once loaded.
func (c *Catalog) Load(ctx context.Context) error {
	if c.Loaded() {
		return nil
	}
	if c.loader == nil {
		return errors.Wrapf(ErrNotLoaded, "no loader for %q", c.ref)
	}

	// The shared fetch outlives any single caller; each caller waits on its own ctx.
	ch := c.group.DoChan(c.ref, func() (interface{}, error) {
		if c.Loaded() {
			return nil, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), LoadTimeout)
		defer cancel()

		body, err := c.loader.ReadAll(fetchCtx, c.ref)
		if err != nil {
			c.logger.WithError(err).Warn("label catalog load failed")
			return nil, errors.Wrapf(err, "load labels %q", c.ref)
		}

		list := Parse(string(body))
		c.set(list)
		c.logger.WithField("count", len(list)).Debug("label catalog loaded")
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) set(list []string) {
	byLabel := make(map[string]int, len(list))
	for i, l := range list {
		key := strings.ToLower(strings.TrimSpace(l))
		if _, dup := byLabel[key]; !dup {
			byLabel[key] = i
		}
	}

	c.mu.Lock()
	c.labels = list
	c.byLabel = byLabel
	c.mu.Unlock()
}

// Loaded reports whether a load has succeeded.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.labels != nil
}

// Len returns the number of labels, zero when unloaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.labels)
}

// Labels returns a copy of the raw label list.
func (c *Catalog) Labels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.labels == nil {
		return nil
	}
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

// Label returns the label for a class index, trimmed of surrounding whitespace.
//
// Arguments:
//   - index: The class index.
//
// Returns:
//   - string: The label.
//   - error: ErrNotLoaded or ErrIndexOutOfRange.
func (c *Catalog) Label(index int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.labels == nil {
		return "", ErrNotLoaded
	}
	if index < 0 || index >= len(c.labels) {
		return "", errors.Wrap(ErrIndexOutOfRange, fmt.Sprintf("index %d of %d", index, len(c.labels)))
	}
	return strings.TrimSpace(c.labels[index]), nil
}

// Index returns the first class index whose label matches name, ignoring case and
// surrounding whitespace.
func (c *Catalog) Index(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byLabel[strings.ToLower(strings.TrimSpace(name))]
	return i, ok
}

// Title formats a raw label for display: underscores become spaces and each word is
// title-cased, so "bean_rust" becomes "Bean Rust".
func Title(label string) string {
	label = strings.TrimSpace(strings.ReplaceAll(label, "_", " "))
	return cases.Title(language.Und).String(label)
}
