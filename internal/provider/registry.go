package provider

import (
	"fmt"
	"sort"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
)

// Registry is an immutable lookup table of adapters keyed by provider type.
type Registry struct {
	adapters map[model.ProviderType]Adapter
	types    []model.ProviderType
}

// NewRegistry builds a registry; registering a type twice is an error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[model.ProviderType]Adapter, len(adapters))}
	for _, a := range adapters {
		t := a.Info().Type
		if t == "" {
			return nil, fmt.Errorf("provider registry: adapter without type")
		}
		if _, dup := r.adapters[t]; dup {
			return nil, fmt.Errorf("provider registry: %q registered twice", t)
		}
		r.adapters[t] = a
		r.types = append(r.types, t)
	}
	sort.Slice(r.types, func(i, j int) bool { return r.types[i] < r.types[j] })
	return r, nil
}

// MustRegistry is NewRegistry that panics on error, for static wiring.
func MustRegistry(adapters ...Adapter) *Registry {
	r, err := NewRegistry(adapters...)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the adapter for t or ErrUnsupportedProvider.
func (r *Registry) Get(t model.ProviderType) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%q: %w", t, errs.ErrUnsupportedProvider)
	}
	return a, nil
}

// Has reports whether t is registered.
func (r *Registry) Has(t model.ProviderType) bool {
	_, ok := r.adapters[t]
	return ok
}

// Types returns registered provider types in sorted order.
func (r *Registry) Types() []model.ProviderType {
	out := make([]model.ProviderType, len(r.types))
	copy(out, r.types)
	return out
}

// ListAll returns the info of every registered provider, sorted by type.
func (r *Registry) ListAll() []Info {
	out := make([]Info, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, r.adapters[t].Info())
	}
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.types) }
