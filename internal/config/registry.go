package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/skygazer42/TingWu/pkg/backend"
	"github.com/skygazer42/TingWu/pkg/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend kind or provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend kinds and LLM provider names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[BackendKind]func(BackendConfig) (backend.Backend, error)
	llms     map[string]func(LLMConfig) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[BackendKind]func(BackendConfig) (backend.Backend, error)),
		llms:     make(map[string]func(LLMConfig) (llm.Provider, error)),
	}
}

// RegisterBackend registers a backend factory under kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) RegisterBackend(kind BackendKind, factory func(BackendConfig) (backend.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(LLMConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llms[name] = factory
}

// CreateBackend instantiates the backend selected by cfg.Kind.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that kind.
func (r *Registry) CreateBackend(cfg BackendConfig) (backend.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrProviderNotRegistered, cfg.Kind)
	}
	return factory(cfg)
}

// CreateLLM instantiates the LLM provider selected by cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateLLM(cfg LLMConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llms[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
