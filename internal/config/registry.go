package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/micbridge/pkg/audio"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to constructors for capture sources and
// playback sinks. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]func(ProviderEntry) (audio.Source, error)
	sinks   map[string]func(ProviderEntry) (audio.Sink, error)
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]func(ProviderEntry) (audio.Source, error)),
		sinks:   make(map[string]func(ProviderEntry) (audio.Sink, error)),
	}
}

// RegisterSource registers a capture backend factory under name. A later
// registration under the same name replaces the earlier one.
func (r *Registry) RegisterSource(name string, factory func(ProviderEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers a playback sink factory under name.
func (r *Registry) RegisterSink(name string, factory func(ProviderEntry) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateSource builds the capture backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] for an unknown name.
func (r *Registry) CreateSource(entry ProviderEntry) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSink builds the playback sink registered under entry.Name.
func (r *Registry) CreateSink(entry ProviderEntry) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered source and sink names, sorted.
func (r *Registry) Names() (sources, sinks []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.sources {
		sources = append(sources, name)
	}
	for name := range r.sinks {
		sinks = append(sinks, name)
	}
	slices.Sort(sources)
	slices.Sort(sinks)
	return sources, sinks
}
