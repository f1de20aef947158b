package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps entity types to strategies. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register binds s to entityType. Each type may be registered once.
func (r *Registry) Register(entityType string, s Strategy) error {
	if entityType == "" {
		return fmt.Errorf("register strategy: empty entity type")
	}
	if s == nil {
		return fmt.Errorf("register strategy %q: nil strategy", entityType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[entityType]; exists {
		return fmt.Errorf("register strategy %q: already registered", entityType)
	}
	r.strategies[entityType] = s
	return nil
}

// MustRegister is Register for wiring code. It panics on error.
func (r *Registry) MustRegister(entityType string, s Strategy) {
	if err := r.Register(entityType, s); err != nil {
		panic(err)
	}
}

// Lookup returns the strategy for entityType.
func (r *Registry) Lookup(entityType string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[entityType]
	return s, ok
}

// Types returns the registered entity types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
