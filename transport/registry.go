package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps broker.system names to broker adapters. Adapter packages
// register themselves from init; the event bus builds through it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapter
}

type adapter struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry holds every adapter linked into the binary.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]adapter)}
}

// Register adds an adapter without declared capabilities.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{})
}

// RegisterWithCapabilities adds an adapter and what it offers the bus.
// Registering a name again replaces the earlier adapter.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter{build: builder, caps: caps}
}

// GetCapabilities returns the capabilities registered under name, or a
// zero set carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[name]; ok {
		return a.caps
	}
	return Capabilities{Name: name}
}

// Build runs the adapter selected by cfg.GetPubSubSystem and checks that it
// produced a publisher and a subscriber. The result carries the registered
// capabilities. A transport that fails the check is closed.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetPubSubSystem()
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport %q (registered: %v)", name, r.Names())
	}

	tr, err := a.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if err := tr.usable(); err != nil {
		_ = tr.Close()
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	tr.Capabilities = a.caps
	return tr, nil
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// Register adds an adapter to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds an adapter and its capabilities to the
// default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}
