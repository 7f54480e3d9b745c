package supervisor

import (
	"fmt"
	"sync"

	"github.com/uniset/mediator/internal/errs"
)

// Registry is a compile-time factory table keyed by a module's ImplClass
// (spec §6's ModuleConfig.ImplClass). Concrete module packages register
// themselves in an init() function; the supervisor looks them up by name
// from configuration, the way the teacher's config layer selects a storage
// backend by a string field (cfg.Storage).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates implClass with factory. Registering the same
// implClass twice replaces the previous factory — useful for tests that
// substitute a fake module.
func (r *Registry) Register(implClass string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[implClass] = factory
}

// New constructs a fresh Module instance for cfg via its registered
// factory.
func (r *Registry) New(cfg ModuleConfig) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.ImplClass]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.Request, "supervisor.Registry.New", fmt.Errorf("no module registered for ImplClass %q", cfg.ImplClass))
	}
	return factory(cfg)
}
