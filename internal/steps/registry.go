package steps

import (
	"sort"
	"strings"
	"sync"

	"github.com/vantle/stepflow/pkg/schema"
)

// Registry is the concrete thread-safe StepRegistry implementation.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]Step),
	}
}

// Register adds a step type to the registry. Registering a name twice fails
// with a conflict error; a later registration never replaces an earlier one.
func (r *Registry) Register(step Step) error {
	if step == nil {
		return schema.NewError(schema.ErrCodeValidation, "step is nil")
	}
	name := step.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", name)
	}

	r.steps[name] = step
	return nil
}

// Get retrieves a step type by name. Unknown names report the registered
// types so a typo in a definition is easy to spot.
func (r *Registry) Get(name string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType,
			"step type %q not registered (registered: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return step, nil
}

// List returns info for all registered step types, sorted by name.
func (r *Registry) List() []StepInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StepInfo, 0, len(r.steps))
	for _, s := range r.steps {
		sch := s.Schema()
		infos = append(infos, StepInfo{
			Name:        s.Name(),
			Description: sch.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if a step type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[name]
	return ok
}

// Count returns the number of registered step types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
