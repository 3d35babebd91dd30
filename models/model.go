// Package models - Model descriptors, the routing table that chains a parent
// model's label to a child model, and the registry that loads both from config.
package models

import (
	"strings"
	"sync"

	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/inference"
	"github.com/nvr-ai/go-cropcheck/labels"
)

// ModelConfig describes one model to load.
type ModelConfig struct {
	// The routing name of the model, e.g. "beans". Stored lowercase.
	Name string `json:"name" yaml:"name"`
	// The model resource: a path, file://, asset:// or http(s):// reference.
	Path string `json:"path" yaml:"path"`
	// The label resource reference.
	Labels string `json:"labels" yaml:"labels"`
	// Input size used when the model declares dynamic dimensions.
	Width int `json:"width" yaml:"width"`
	// Input size used when the model declares dynamic dimensions.
	Height int `json:"height" yaml:"height"`
	// Title shown to users. Defaults to labels.Title of the name.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Descriptor is a named model: its invoker, label catalog and declared input. The
// invoker is attached asynchronously, so a descriptor may exist before it is ready.
type Descriptor struct {
	Name    string
	Title   string
	Config  ModelConfig
	Catalog *labels.Catalog

	mu      sync.RWMutex
	invoker inference.Invoker
	loadErr error
}

// NewDescriptor creates a descriptor. inv may be nil until the model is loaded.
func NewDescriptor(cfg ModelConfig, catalog *labels.Catalog, inv inference.Invoker) *Descriptor {
	name := NormalizeName(cfg.Name)
	title := cfg.Title
	if title == "" {
		title = labels.Title(name)
	}
	return &Descriptor{
		Name:    name,
		Title:   title,
		Config:  cfg,
		Catalog: catalog,
		invoker: inv,
	}
}

// NormalizeName returns the routing key form of a model name or label.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SetInvoker attaches the loaded model, or records why loading failed.
func (d *Descriptor) SetInvoker(inv inference.Invoker, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invoker = inv
	d.loadErr = err
}

// Invoker returns the loaded model, or nil if it is not loaded yet.
func (d *Descriptor) Invoker() inference.Invoker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.invoker
}

// LoadError returns the error of the last failed load, if any.
func (d *Descriptor) LoadError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loadErr
}

// Ready reports whether both the model and its label catalog are loaded.
func (d *Descriptor) Ready() bool {
	return d != nil && d.Invoker() != nil && d.Catalog != nil && d.Catalog.Loaded()
}

// Spec returns the declared input contract, ok is false until the model is loaded.
func (d *Descriptor) Spec() (images.Spec, bool) {
	inv := d.Invoker()
	if inv == nil {
		return images.Spec{}, false
	}
	return inv.Spec(), true
}

// Info is a serializable description of a descriptor.
type Info struct {
	Name    string               `json:"name"`
	Title   string               `json:"title"`
	Ready   bool                 `json:"ready"`
	Labels  int                  `json:"labels"`
	Input   string               `json:"input,omitempty"`
	Kind    string               `json:"kind,omitempty"`
	Details *inference.ModelInfo `json:"details,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Describe returns the descriptor's current state.
func (d *Descriptor) Describe() Info {
	info := Info{
		Name:  d.Name,
		Title: d.Title,
		Ready: d.Ready(),
	}
	if d.Catalog != nil {
		info.Labels = d.Catalog.Len()
	}
	if inv := d.Invoker(); inv != nil {
		info.Input = inv.Spec().String()
		info.Kind = inv.Kind().String()
		if described, ok := inv.(interface{ Describe() inference.ModelInfo }); ok {
			mi := described.Describe()
			info.Details = &mi
		}
	}
	if err := d.LoadError(); err != nil {
		info.Error = err.Error()
	}
	return info
}
