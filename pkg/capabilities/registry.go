package capabilities

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered providers in registration order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byKeyword map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKeyword: make(map[string]Provider)}
}

// Register adds p. Keywords must be unique and non-empty.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("capabilities: nil provider")
	}
	kw := p.TriggerKeyword()
	if kw == "" {
		return fmt.Errorf("capabilities: provider %s has no trigger keyword", p.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKeyword[kw]; ok {
		return fmt.Errorf("capabilities: keyword %q already registered by %s", kw, existing.Name())
	}
	r.providers = append(r.providers, p)
	r.byKeyword[kw] = p
	return nil
}

// Keywords returns every registered keyword in registration order,
// regardless of availability.
func (r *Registry) Keywords() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.providers))
	for i, p := range r.providers {
		out[i] = p.TriggerKeyword()
	}
	return out
}

// Resolve returns the provider registered for keyword if it is available now.
func (r *Registry) Resolve(keyword string) (Provider, bool) {
	r.mu.RLock()
	p, ok := r.byKeyword[keyword]
	r.mu.RUnlock()
	if !ok || !p.IsAvailable() {
		return nil, false
	}
	return p, true
}

// Default returns the highest-priority available provider. Ties go to the
// provider registered first.
func (r *Registry) Default() (Provider, bool) {
	avail := r.ListAvailable()
	if len(avail) == 0 {
		return nil, false
	}
	return avail[0], true
}

// ListAvailable returns the available providers ordered by descending
// priority, then registration order.
func (r *Registry) ListAvailable() []Provider {
	r.mu.RLock()
	snapshot := make([]Provider, len(r.providers))
	copy(snapshot, r.providers)
	r.mu.RUnlock()

	out := snapshot[:0]
	for _, p := range snapshot {
		if p.IsAvailable() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}
