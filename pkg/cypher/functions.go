package cypher

import (
	"fmt"
	"strings"

	"github.com/askrdb/askr/pkg/graph"
)

// Function is one callable in the function registry. Arity is checked
// by the function itself so variadic builtins like coalesce fit the
// same shape.
type Function struct {
	Name string
	Call func(args []any) (any, error)
}

// Registry maps function names to implementations. Lookup is
// case-insensitive, matching how Cypher treats function names. An
// unregistered name is a compile error, never a silent null.
type Registry struct {
	fns map[string]*Function
}

// NewRegistry returns a registry with the builtin functions installed.
func NewRegistry() *Registry {
	r := &Registry{fns: map[string]*Function{}}
	for _, fn := range builtins {
		r.Register(fn)
	}
	return r
}

// Register adds or replaces a function.
func (r *Registry) Register(fn *Function) {
	r.fns[strings.ToLower(fn.Name)] = fn
}

// Lookup finds a function by name.
func (r *Registry) Lookup(name string) (*Function, bool) {
	fn, ok := r.fns[strings.ToLower(name)]
	return fn, ok
}

func exactly(name string, n int, args []any) error {
	if len(args) != n {
		return fmt.Errorf("%s expects %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

var builtins = []*Function{
	{Name: "toUpper", Call: func(args []any) (any, error) {
		if err := exactly("toUpper", 1, args); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return nil, nil
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("toUpper expects a string, got %T", args[0])
		}
		return strings.ToUpper(s), nil
	}},
	{Name: "toLower", Call: func(args []any) (any, error) {
		if err := exactly("toLower", 1, args); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return nil, nil
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("toLower expects a string, got %T", args[0])
		}
		return strings.ToLower(s), nil
	}},
	{Name: "size", Call: func(args []any) (any, error) {
		if err := exactly("size", 1, args); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case string:
			return int64(len(v)), nil
		case []any:
			return int64(len(v)), nil
		default:
			return nil, fmt.Errorf("size expects a string or list, got %T", args[0])
		}
	}},
	{Name: "coalesce", Call: func(args []any) (any, error) {
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}},
	{Name: "id", Call: func(args []any) (any, error) {
		if err := exactly("id", 1, args); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case *graph.Node:
			return string(v.ID), nil
		case *graph.Relationship:
			return string(v.ID), nil
		default:
			return nil, fmt.Errorf("id expects a node or relationship, got %T", args[0])
		}
	}},
	{Name: "labels", Call: func(args []any) (any, error) {
		if err := exactly("labels", 1, args); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case *graph.Node:
			out := make([]any, len(v.Labels))
			for i, l := range v.Labels {
				out[i] = l
			}
			return out, nil
		default:
			return nil, fmt.Errorf("labels expects a node, got %T", args[0])
		}
	}},
	{Name: "type", Call: func(args []any) (any, error) {
		if err := exactly("type", 1, args); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case *graph.Relationship:
			return v.Type, nil
		default:
			return nil, fmt.Errorf("type expects a relationship, got %T", args[0])
		}
	}},
	{Name: "properties", Call: func(args []any) (any, error) {
		if err := exactly("properties", 1, args); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case *graph.Node:
			return copyProps(v.Properties), nil
		case *graph.Relationship:
			return copyProps(v.Properties), nil
		default:
			return nil, fmt.Errorf("properties expects a node or relationship, got %T", args[0])
		}
	}},
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
