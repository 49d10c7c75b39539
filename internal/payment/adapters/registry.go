package adapters

import (
	"sort"
	"strings"

	"github.com/smallbiznis/commerce/internal/payment/domain"
)

// Registry maps provider names to adapter factories. Providers without a
// dedicated factory use the fallback when one is set.
type Registry struct {
	factories map[string]domain.AdapterFactory
	fallback  domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// WithFallback sets the factory used for providers not registered by name.
func (r *Registry) WithFallback(factory domain.AdapterFactory) *Registry {
	r.fallback = factory
	return r
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}
	factory, ok := r.factories[provider]
	if !ok {
		if r.fallback == nil {
			return nil, domain.ErrProviderNotFound
		}
		factory = r.fallback
	}
	cfg.Provider = provider
	return factory.NewAdapter(cfg)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
