package dispatch

import (
	"sync"

	"github.com/ulala-x/playhouse-go/internal/contract"
)

// Registry holds content factories keyed by stage_type (spec.md §9:
// "a factory registry keyed by stage_type").
type Registry struct {
	mu        sync.RWMutex
	factories map[string]contract.ContentFactory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]contract.ContentFactory)}
}

// Register binds stageType to f. A second call for the same stageType
// replaces the previous binding.
func (r *Registry) Register(stageType string, f contract.ContentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stageType] = f
}

// Lookup returns the factory bound to stageType, if any.
func (r *Registry) Lookup(stageType string) (contract.ContentFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[stageType]
	return f, ok
}
