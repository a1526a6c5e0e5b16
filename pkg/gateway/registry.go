package gateway

import "sort"

// Registry holds the set of configured payment providers. Having no provider
// configured is a normal, caller-visible condition ("no payment methods
// available"), never an error: checkout surfaces an empty method list instead
// of failing.
type Registry struct {
	providers map[string]Gateway
}

// NewRegistry builds a registry from the given providers. Nil providers are
// skipped; an empty registry is valid.
func NewRegistry(providers ...Gateway) *Registry {
	r := &Registry{providers: make(map[string]Gateway, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Get returns the named provider. The boolean follows the map-lookup idiom;
// callers treat a miss as "provider not available", not as a failure.
func (r *Registry) Get(name string) (Gateway, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Default returns an arbitrary-but-stable provider when exactly which one
// does not matter (single-provider installs). Returns false when none is
// configured.
func (r *Registry) Default() (Gateway, bool) {
	names := r.Names()
	if len(names) == 0 {
		return nil, false
	}
	return r.providers[names[0]], true
}

// Names returns the configured provider names in sorted order.
// An empty slice means no payment methods are available.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no provider is configured.
func (r *Registry) Empty() bool {
	return len(r.providers) == 0
}
