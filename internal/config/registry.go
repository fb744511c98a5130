package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/clonecall/pkg/blob"
	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered for the backend type.
var ErrBackendNotRegistered = errors.New("config: sample backend not registered")

// Registry maps provider names and sample backend types to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	voice    map[string]func(ProviderConfig) (voice.Provider, error)
	backends map[string]func(SampleBackendConfig) (blob.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		voice:    make(map[string]func(ProviderConfig) (voice.Provider, error)),
		backends: make(map[string]func(SampleBackendConfig) (blob.Store, error)),
	}
}

// RegisterVoice registers a voice provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVoice(name string, factory func(ProviderConfig) (voice.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// RegisterBackend registers a sample backend factory under typ.
func (r *Registry) RegisterBackend(typ string, factory func(SampleBackendConfig) (blob.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[typ] = factory
}

// CreateVoice instantiates a voice provider using the factory registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVoice(cfg ProviderConfig) (voice.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voice[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateBackend instantiates a sample backend using the factory registered under cfg.Type.
func (r *Registry) CreateBackend(cfg SampleBackendConfig) (blob.Store, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Type)
	}
	return factory(cfg)
}

// VoiceNames returns the registered voice provider names, sorted.
func (r *Registry) VoiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.voice))
}
