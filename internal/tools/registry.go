// ABOUTME: Immutable operation registry: descriptors keyed by name, with argument schemas.
// ABOUTME: Built once at startup; lookups and listings are safe for concurrent use without locks.

package tools

import (
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrInvalidArguments indicates tool arguments did not match the input schema.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrDuplicateTool indicates two descriptors share a name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// BinaryHandler computes an outcome from the two operands a and b.
type BinaryHandler func(a, b float64) Outcome

// Descriptor describes one operation: its name, summary, input schema and handler.
type Descriptor struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema

	handler  BinaryHandler
	resolved *jsonschema.Resolved
}

// NewBinaryDescriptor creates a descriptor for an operation over numeric a and b.
func NewBinaryDescriptor(name, description string, handler BinaryHandler) *Descriptor {
	return &Descriptor{
		Name:        name,
		Description: description,
		Schema:      BinaryInputSchema(),
		handler:     handler,
	}
}

// BinaryInputSchema declares two required numbers, a and b, and nothing else.
func BinaryInputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"a": {Type: "number", Description: "First operand"},
			"b": {Type: "number", Description: "Second operand"},
		},
		Required:             []string{"a", "b"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

// Call validates args against the schema and runs the handler.
// Validation failures wrap ErrInvalidArguments; domain failures are reported in the Outcome.
func (d *Descriptor) Call(args map[string]any) (Outcome, error) {
	if args == nil {
		args = map[string]any{}
	}
	if err := d.resolved.Validate(args); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	a, err := number(args, "a")
	if err != nil {
		return Outcome{}, err
	}
	b, err := number(args, "b")
	if err != nil {
		return Outcome{}, err
	}
	return d.handler(a, b), nil
}

// number reads a decoded JSON number.
func number(args map[string]any, key string) (float64, error) {
	switch n := args[key].(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidArguments, key)
	}
}

// Registry is a fixed set of descriptors.
type Registry struct {
	byName  map[string]*Descriptor
	ordered []*Descriptor
}

// NewRegistry resolves each descriptor's schema and indexes it by name.
func NewRegistry(descs ...*Descriptor) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*Descriptor, len(descs)),
		ordered: make([]*Descriptor, 0, len(descs)),
	}
	for _, d := range descs {
		if d.Name == "" {
			return nil, errors.New("descriptor name is required")
		}
		if d.handler == nil {
			return nil, fmt.Errorf("descriptor %q has no handler", d.Name)
		}
		if _, exists := r.byName[d.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
		}
		resolved, err := d.Schema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolving schema for %s: %w", d.Name, err)
		}
		d.resolved = resolved
		r.byName[d.Name] = d
		r.ordered = append(r.ordered, d)
	}
	return r, nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// List returns every descriptor in registration order.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, d := range r.ordered {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	return len(r.ordered)
}
