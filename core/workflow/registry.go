package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownHandler is returned when a step names a handler that was never registered.
	ErrUnknownHandler = errors.New("workflow: unknown handler")
	// ErrUnknownWorkflow is returned when a workflow name is not in the catalog.
	ErrUnknownWorkflow = errors.New("workflow: unknown workflow")
)

// Registry holds named handlers and workflow definitions. It is constructed explicitly and
// passed to the components that need it.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	workflows map[string]*Workflow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  map[string]Handler{},
		workflows: map[string]*Workflow{},
	}
}

// RegisterHandler binds name to h. Re-registering a name replaces the previous handler.
func (r *Registry) RegisterHandler(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("handler name required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Handler looks up a handler.
func (r *Registry) Handler(name string) (Handler, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	return h, nil
}

// RegisterWorkflow adds wf to the catalog after checking that it resolves.
func (r *Registry) RegisterWorkflow(wf *Workflow) error {
	if wf == nil || strings.TrimSpace(wf.Name) == "" {
		return fmt.Errorf("workflow name required")
	}
	if _, err := Resolve(wf, nil, "validate"); err != nil {
		return fmt.Errorf("register workflow %s: %w", wf.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.Name] = wf
	return nil
}

// Workflow looks up a catalog workflow.
func (r *Registry) Workflow(name string) (*Workflow, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return wf, nil
}

// Workflows lists catalog workflow names in sorted order.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
