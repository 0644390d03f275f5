package saga

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds named saga definitions.
//
// Definitions are identified by their Name. Registration is an upsert:
// registering a definition under an existing name replaces the prior
// one, and subsequent executions use only the latest version. There is
// no versioning. The registry is safe for concurrent use; it is the
// read-mostly shared state between executions.
type Registry struct {
	defs *xsync.MapOf[string, *SagaDefinition]
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: xsync.NewMapOf[string, *SagaDefinition](),
	}
}

// Register validates and stores a definition, overwriting any prior
// definition with the same name.
func (r *Registry) Register(def *SagaDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.defs.Store(def.Name, def)
	return nil
}

// Lookup retrieves a definition by name.
func (r *Registry) Lookup(name string) (*SagaDefinition, bool) {
	return r.defs.Load(name)
}

// Names returns the names of all registered definitions.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.defs.Size())
	r.defs.Range(func(name string, _ *SagaDefinition) bool {
		names = append(names, name)
		return true
	})
	return names
}
