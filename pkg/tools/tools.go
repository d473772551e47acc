package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidInput is returned (wrapped) by tools when the model supplied
// arguments that do not match the input schema.
var ErrInvalidInput = errors.New("invalid tool input")

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any // Simple representation of JSON schema
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Registry manages the available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []Tool {
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// StringArg extracts a required non-empty string argument.
func StringArg(input map[string]any, name string) (string, error) {
	v, ok := input[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: argument '%s' is required and must be a string", ErrInvalidInput, name)
	}
	return v, nil
}
