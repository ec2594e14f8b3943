// Package tools holds the tool schema registry and the local executor used
// when no external tool runner is attached.
package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/floegence/modelgate/internal/gateway"
)

// Registry is a static lookup of tool schemas by name. It is populated at
// startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]gateway.ToolSchema
}

func NewRegistry() *Registry {
	return &Registry{schemas: map[string]gateway.ToolSchema{}}
}

// Register adds a schema. Names are unique; re-registering a name is a
// configuration error.
func (r *Registry) Register(schema gateway.ToolSchema) error {
	name := strings.TrimSpace(schema.Name)
	if name == "" {
		return fmt.Errorf("tool schema missing name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.schemas[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	schema.Name = name
	r.schemas[name] = schema
	return nil
}

// Lookup returns the schema for a name.
func (r *Registry) Lookup(name string) (gateway.ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[strings.TrimSpace(name)]
	return schema, ok
}

// Snapshot returns all schemas sorted by name.
func (r *Registry) Snapshot() []gateway.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gateway.ToolSchema, 0, len(r.schemas))
	for _, schema := range r.schemas {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
