package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/rjsadow/ssap/internal/config"
	"github.com/rjsadow/ssap/internal/principal"
	"github.com/rjsadow/ssap/internal/provider"
)

// ProviderFactory builds a provider.Client (C2 backend) from resolved
// configuration.
type ProviderFactory func(ctx context.Context, cfg *config.Config) (provider.Client, error)

// PrincipalFactory builds a principal.Extractor (C8 backend) from resolved
// configuration.
type PrincipalFactory func(ctx context.Context, cfg *config.Config) (principal.Extractor, error)

// Registry holds the named factories for both pluggable categories, so
// selecting a backend is a config value (cfg.Provider.Backend,
// cfg.Principal.Backend) rather than a code change.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]ProviderFactory
	principals map[string]PrincipalFactory
}

// NewRegistry builds a Registry pre-populated with SSAP's built-in backends.
func NewRegistry() *Registry {
	r := &Registry{
		providers:  make(map[string]ProviderFactory),
		principals: make(map[string]PrincipalFactory),
	}
	r.RegisterProvider("http", newHTTPProvider)
	r.RegisterProvider("kubernetes", newKubernetesProvider)
	r.RegisterPrincipal("header", newHeaderPrincipal)
	r.RegisterPrincipal("oidc", newOIDCPrincipal)
	r.RegisterPrincipal("apikey", newAPIKeyPrincipal)
	return r
}

// RegisterProvider adds or replaces a provider backend factory.
func (r *Registry) RegisterProvider(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterPrincipal adds or replaces a principal backend factory.
func (r *Registry) RegisterPrincipal(name string, factory PrincipalFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principals[name] = factory
}

// BuildProvider constructs the provider.Client named by cfg.Provider.Backend.
func (r *Registry) BuildProvider(ctx context.Context, cfg *config.Config) (provider.Client, error) {
	r.mu.RLock()
	factory, ok := r.providers[cfg.Provider.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderBackend, cfg.Provider.Backend)
	}
	return factory(ctx, cfg)
}

// BuildPrincipal constructs the principal.Extractor named by
// cfg.Principal.Backend.
func (r *Registry) BuildPrincipal(ctx context.Context, cfg *config.Config) (principal.Extractor, error) {
	r.mu.RLock()
	factory, ok := r.principals[cfg.Principal.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrincipalBackend, cfg.Principal.Backend)
	}
	return factory(ctx, cfg)
}
