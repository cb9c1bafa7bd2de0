package ontology

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// TypeConstraint restricts which node types may appear in a position: a
// relation endpoint or a node-valued attribute. It is either an exact type
// or a union of types. The zero value matches nothing.
type TypeConstraint struct {
	types []string
}

// Exact returns a constraint matching a single node type.
func Exact(typeName string) TypeConstraint {
	return TypeConstraint{types: []string{typeName}}
}

// OneOf returns a constraint matching any of the given node types.
// Duplicates and empty names are dropped; order of first appearance is kept.
func OneOf(typeNames ...string) TypeConstraint {
	var out []string
	for _, t := range typeNames {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return TypeConstraint{types: out}
}

// Matches reports whether typeName satisfies the constraint.
func (c TypeConstraint) Matches(typeName string) bool {
	return slices.Contains(c.types, typeName)
}

// Types returns the member types in declaration order.
func (c TypeConstraint) Types() []string {
	return slices.Clone(c.types)
}

// IsUnion reports whether more than one type is allowed.
func (c TypeConstraint) IsUnion() bool { return len(c.types) > 1 }

// IsZero reports whether the constraint names no types.
func (c TypeConstraint) IsZero() bool { return len(c.types) == 0 }

// Intersects reports whether any member type satisfies pred.
func (c TypeConstraint) Intersects(pred func(string) bool) bool {
	return slices.ContainsFunc(c.types, pred)
}

func (c TypeConstraint) String() string {
	switch len(c.types) {
	case 0:
		return "<none>"
	case 1:
		return c.types[0]
	default:
		return strings.Join(c.types, " | ")
	}
}

// UnmarshalYAML accepts a scalar (exact type) or a sequence (union).
func (c *TypeConstraint) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*c = OneOf(s)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*c = OneOf(list...)
		return nil
	default:
		return fmt.Errorf("type constraint must be a string or a list of strings (line %d)", value.Line)
	}
}

// MarshalYAML renders exact constraints as a scalar and unions as a list.
func (c TypeConstraint) MarshalYAML() (any, error) {
	if len(c.types) == 1 {
		return c.types[0], nil
	}
	return c.types, nil
}

// UnmarshalJSON accepts a string (exact type) or an array (union).
func (c *TypeConstraint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = OneOf(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("type constraint must be a string or an array of strings: %w", err)
	}
	*c = OneOf(list...)
	return nil
}

// MarshalJSON renders exact constraints as a string and unions as an array.
func (c TypeConstraint) MarshalJSON() ([]byte, error) {
	if len(c.types) == 1 {
		return json.Marshal(c.types[0])
	}
	if c.types == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.types)
}
