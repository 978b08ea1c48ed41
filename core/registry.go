package core

import "sync"

// ── Registry ──────────────────────────────────────────────────────────────────

// DefaultRegistry is a thread-safe implementation of Registry.
type DefaultRegistry struct {
	mu       sync.RWMutex
	backends map[string]EngineFactory
}

// NewRegistry returns an empty DefaultRegistry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{backends: make(map[string]EngineFactory)}
}

func (r *DefaultRegistry) RegisterBackend(name string, f EngineFactory) {
	r.mu.Lock()
	r.backends[name] = f
	r.mu.Unlock()
}

func (r *DefaultRegistry) BackendFor(name string) (EngineFactory, bool) {
	r.mu.RLock()
	f, ok := r.backends[name]
	r.mu.RUnlock()
	return f, ok
}
