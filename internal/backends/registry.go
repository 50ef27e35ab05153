package backends

import (
	"fmt"
	"sort"
)

type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend not registered: %s", name)
	}
	return b, nil
}

// Names lists registered backends in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered backend and returns the first error.
func (r *Registry) Close() error {
	var first error
	for _, n := range r.Names() {
		if err := r.backends[n].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
