package models

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nvr-ai/go-cropcheck/assets"
	"github.com/nvr-ai/go-cropcheck/inference"
	"github.com/nvr-ai/go-cropcheck/labels"
	"github.com/sirupsen/logrus"
)

// Config lists the models, the root of every cascade and the routing table.
type Config struct {
	// Root is the model every cascade starts with.
	Root string `json:"root" yaml:"root"`
	// Models lists every model to load.
	Models []ModelConfig `json:"models" yaml:"models"`
	// Routes maps a predicted label to the child model refining it.
	Routes map[string]string `json:"routes" yaml:"routes"`
}

// Validate checks that names are unique and that the root and every route target
// name a configured model.
func (c Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("no models configured")
	}

	names := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		name := NormalizeName(m.Name)
		if name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if m.Path == "" {
			return fmt.Errorf("model %q: path is required", name)
		}
		if m.Labels == "" {
			return fmt.Errorf("model %q: labels is required", name)
		}
		if names[name] {
			return fmt.Errorf("model %q is configured twice", name)
		}
		names[name] = true
	}

	if !names[NormalizeName(c.Root)] {
		return fmt.Errorf("root model %q is not configured", c.Root)
	}
	for label, target := range c.Routes {
		if !names[NormalizeName(target)] {
			return fmt.Errorf("route %q targets unknown model %q", label, target)
		}
	}
	return nil
}

// Opener loads the model a ModelConfig names.
type Opener func(ctx context.Context, cfg ModelConfig) (inference.Invoker, error)

// ONNXOpener opens models with ONNX Runtime. Plain paths are opened directly;
// other references are fetched through resolver and loaded from memory.
//
// Arguments:
//   - resolver: Fetches non-path model references.
//   - opts: Invoker options shared by every model. Fallback sizes come from the
//     model config when set.
//
// Returns:
//   - Opener: The opener.
func ONNXOpener(resolver *assets.Resolver, opts inference.ONNXOptions) Opener {
	return func(ctx context.Context, cfg ModelConfig) (inference.Invoker, error) {
		o := opts
		if cfg.Width > 0 {
			o.FallbackWidth = cfg.Width
		}
		if cfg.Height > 0 {
			o.FallbackHeight = cfg.Height
		}

		if path, ok := resolver.LocalPath(cfg.Path); ok {
			return inference.NewONNXInvoker(path, o)
		}

		data, err := resolver.ReadAll(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("fetch model %q: %w", cfg.Name, err)
		}
		return inference.NewONNXInvokerFromData(cfg.Name, data, o)
	}
}

// Registry holds the descriptors of every configured model and the routing table.
// It is shared by all controllers and safe for concurrent use.
type Registry struct {
	root   string
	routes RoutingTable
	order  []string
	models map[string]*Descriptor
	opener Opener
	logger logrus.FieldLogger

	wg sync.WaitGroup
}

// NewRegistry creates a registry with unloaded descriptors.
//
// Arguments:
//   - cfg: The model configuration.
//   - opener: Loads each model.
//   - loader: Fetches label resources.
//   - logger: The logger (may be nil).
//
// Returns:
//   - *Registry: The registry. Call Start or Load to load the models.
//   - error: A configuration error.
func NewRegistry(cfg Config, opener Opener, loader labels.Loader, logger logrus.FieldLogger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &Registry{
		root:   NormalizeName(cfg.Root),
		routes: NewRoutingTable(cfg.Routes),
		models: make(map[string]*Descriptor, len(cfg.Models)),
		opener: opener,
		logger: logger.WithField("component", "registry"),
	}
	for _, m := range cfg.Models {
		d := NewDescriptor(m, labels.NewCatalog(m.Labels, loader, logger), nil)
		r.models[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// Register adds or replaces a descriptor. It must be called before Start.
func (r *Registry) Register(d *Descriptor) {
	if _, ok := r.models[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	r.models[d.Name] = d
}

// Start loads every model and label catalog in the background. Callers that need
// the models use Wait, or rely on Descriptor.Ready.
func (r *Registry) Start(ctx context.Context) {
	for _, name := range r.order {
		d := r.models[name]
		if d.Ready() {
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.load(ctx, d)
		}()
	}
}

// Wait blocks until every load started by Start has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Load starts loading and waits for it.
//
// Returns:
//   - error: An error naming every model that failed to load.
func (r *Registry) Load(ctx context.Context) error {
	r.Start(ctx)
	r.Wait()

	var failed []string
	for _, name := range r.order {
		if !r.models[name].Ready() {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("models not loaded: %v", failed)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, d *Descriptor) {
	logger := r.logger.WithField("model", d.Name)

	if d.Catalog != nil {
		if err := d.Catalog.Load(ctx); err != nil {
			logger.WithError(err).Warn("label catalog unavailable")
		}
	}

	if d.Invoker() != nil || r.opener == nil {
		return
	}
	inv, err := r.opener(ctx, d.Config)
	if err != nil {
		logger.WithError(err).Error("model load failed")
		d.SetInvoker(nil, err)
		return
	}
	d.SetInvoker(inv, nil)
	logger.WithFields(logrus.Fields{
		"input": inv.Spec().String(),
		"kind":  inv.Kind().String(),
	}).Info("model ready")
}

// Get returns the descriptor for a model name (case-insensitive).
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.models[NormalizeName(name)]
	return d, ok
}

// Root returns the name of the cascade's root model.
func (r *Registry) Root() string {
	return r.root
}

// Routes returns the routing table.
func (r *Registry) Routes() RoutingTable {
	return r.routes
}

// Names returns the model names in configuration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Children returns the names of models reachable through the routing table,
// sorted. These are the models a user may pick as an override.
func (r *Registry) Children() []string {
	seen := map[string]bool{}
	var out []string
	for _, child := range r.routes {
		if !seen[child] {
			seen[child] = true
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out
}

// Describe returns the state of every model in configuration order.
func (r *Registry) Describe() []Info {
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name].Describe())
	}
	return out
}

// Close waits for pending loads and closes every loaded model.
func (r *Registry) Close() error {
	r.wg.Wait()

	var firstErr error
	for _, name := range r.order {
		if inv := r.models[name].Invoker(); inv != nil {
			if err := inv.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close model %q: %w", name, err)
			}
		}
	}
	return firstErr
}
