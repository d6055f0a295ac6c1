package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/aide/internal/tools"
)

// Instances holds the constructed tool implementations available for
// server-side dispatch, keyed by name. Registration happens at boot;
// dispatch looks instances up in O(1).
type Instances struct {
	mu    sync.RWMutex
	tools map[string]tools.Tool
}

// NewInstances creates an empty instance registry.
func NewInstances() *Instances {
	return &Instances{tools: make(map[string]tools.Tool)}
}

// Register adds a tool instance. Registering the same name again replaces
// the previous instance.
func (i *Instances) Register(t tools.Tool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tools[t.Name()] = t
}

// Get returns a tool instance by name.
func (i *Instances) Get(name string) (tools.Tool, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.tools[name]
	return t, ok
}

// Names returns the registered instance names in sorted order.
func (i *Instances) Names() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.tools))
	for name := range i.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered instances.
func (i *Instances) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.tools)
}

// Bind injects each registered instance with the schemas its catalog entry
// declares. Instances whose name is missing from the catalog are an error:
// the planner could never select them.
func (i *Instances) Bind(reg *Registry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for name, t := range i.tools {
		meta, ok := reg.Get(name)
		if !ok {
			return fmt.Errorf("registry: instance %q has no catalog entry", name)
		}
		t.SetSchemas(meta.ParamsSchema, meta.OutputSchema)
	}
	return nil
}
