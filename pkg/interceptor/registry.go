package interceptor

import "sync"

// Registry records the active interceptor per registry key. At most one
// instance per key is active in a registry; instances applied after it proxy
// their listeners to it.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Interceptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Interceptor)}
}

// DefaultRegistry is used by interceptors created without WithRegistry.
var DefaultRegistry = NewRegistry()

// Lookup returns the active interceptor for key. An interceptor whose Setup
// is still running is already returned.
func (r *Registry) Lookup(key string) (*Interceptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.active[key]
	return i, ok
}

// Keys returns the keys with an active interceptor.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for s := range r.active {
		out = append(out, s)
	}
	return out
}

// remove clears the entry for key if it still points at i.
func (r *Registry) remove(key string, i *Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[key] == i {
		delete(r.active, key)
	}
}
