// Package engine runs workflows: the registry maps names to workflow
// functions, the workflow context exposes the deterministic operations user
// code may call, and the worker pulls leased workflows and drives them.
package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gasoline-run/gasoline/pkg/api"
)

// RawWorkflowFn is the untyped form every registered workflow compiles
// down to.
type RawWorkflowFn func(c *WorkflowCtx, input json.RawMessage) (json.RawMessage, error)

// Registry maps workflow names to their functions. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]RawWorkflowFn
}

func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]RawWorkflowFn)}
}

// RegisterRaw registers an untyped workflow function. Most callers use the
// typed Register instead.
func (r *Registry) RegisterRaw(name string, fn RawWorkflowFn) error {
	if name == "" {
		return fmt.Errorf("engine: workflow name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("engine: workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (RawWorkflowFn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

// Register registers a typed workflow function under name. Input and output
// cross the persistence boundary as JSON.
func Register[I, O any](r *Registry, name string, fn func(c *WorkflowCtx, input I) (O, error)) error {
	return r.RegisterRaw(name, func(c *WorkflowCtx, raw json.RawMessage) (json.RawMessage, error) {
		var input I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, fmt.Errorf("workflow %s: %w: %v", name, api.ErrSerializeInput, err)
			}
		}
		out, err := fn(c, input)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w: %v", name, api.ErrSerializeInput, err)
		}
		return encoded, nil
	})
}
