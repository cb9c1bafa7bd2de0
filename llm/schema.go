package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Type is a JSON value type in a Schema.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
)

// Schema describes the shape a structured response must take. Schemas are
// plain data built at run time from registry metadata; providers render
// them into their native response-format parameter.
type Schema struct {
	Type        Type
	Description string
	Enum        []string
	Minimum     *float64
	Maximum     *float64
	Nullable    bool

	// Object
	Properties map[string]*Schema
	Required   []string
	order      []string

	// Array
	Items *Schema

	// AnyOf lists alternatives; when set, Type is ignored.
	AnyOf []*Schema
}

// String returns a string schema.
func String(description string) *Schema {
	return &Schema{Type: TypeString, Description: description}
}

// Enum returns a string schema restricted to a closed set of values.
func Enum(description string, values ...string) *Schema {
	return &Schema{Type: TypeString, Description: description, Enum: slices.Clone(values)}
}

// Number returns a number schema.
func Number(description string) *Schema {
	return &Schema{Type: TypeNumber, Description: description}
}

// Integer returns an integer schema bounded to [min, max].
func Integer(description string, min, max float64) *Schema {
	return &Schema{Type: TypeInteger, Description: description, Minimum: &min, Maximum: &max}
}

// Boolean returns a boolean schema.
func Boolean(description string) *Schema {
	return &Schema{Type: TypeBoolean, Description: description}
}

// Array returns an array schema with the given item schema.
func Array(description string, items *Schema) *Schema {
	return &Schema{Type: TypeArray, Description: description, Items: items}
}

// Object returns an empty object schema; add fields with Property.
func Object(description string) *Schema {
	return &Schema{Type: TypeObject, Description: description, Properties: map[string]*Schema{}}
}

// AnyOf returns a schema accepting any of the alternatives.
func AnyOf(description string, alternatives ...*Schema) *Schema {
	return &Schema{Description: description, AnyOf: alternatives}
}

// Property adds a field to an object schema and returns the receiver.
// Fields render in the order they were added.
func (s *Schema) Property(name string, prop *Schema, required bool) *Schema {
	if s.Properties == nil {
		s.Properties = map[string]*Schema{}
	}
	if _, exists := s.Properties[name]; !exists {
		s.order = append(s.order, name)
	}
	s.Properties[name] = prop
	if required && !slices.Contains(s.Required, name) {
		s.Required = append(s.Required, name)
	}
	return s
}

// OrNull marks the schema nullable and returns the receiver.
func (s *Schema) OrNull() *Schema {
	s.Nullable = true
	return s
}

// PropertyNames returns object field names in insertion order. Fields set
// directly on Properties without Property are appended in sorted order.
func (s *Schema) PropertyNames() []string {
	names := slices.Clone(s.order)
	var extra []string
	for name := range s.Properties {
		if !slices.Contains(names, name) {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}

// JSONSchema renders the schema as a JSON Schema document.
func (s *Schema) JSONSchema() map[string]any {
	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.AnyOf) > 0 {
		alts := make([]any, 0, len(s.AnyOf)+1)
		for _, a := range s.AnyOf {
			alts = append(alts, a.JSONSchema())
		}
		if s.Nullable {
			alts = append(alts, map[string]any{"type": "null"})
		}
		out["anyOf"] = alts
		return out
	}

	if s.Nullable {
		out["type"] = []any{string(s.Type), "null"}
	} else {
		out["type"] = string(s.Type)
	}
	if len(s.Enum) > 0 {
		enum := make([]any, 0, len(s.Enum)+1)
		for _, e := range s.Enum {
			enum = append(enum, e)
		}
		if s.Nullable {
			enum = append(enum, nil)
		}
		out["enum"] = enum
	}
	if s.Minimum != nil {
		out["minimum"] = *s.Minimum
	}
	if s.Maximum != nil {
		out["maximum"] = *s.Maximum
	}

	switch s.Type {
	case TypeObject:
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.JSONSchema()
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			req := make([]any, len(s.Required))
			for i, r := range s.Required {
				req[i] = r
			}
			out["required"] = req
		}
		out["additionalProperties"] = false
	case TypeArray:
		if s.Items != nil {
			out["items"] = s.Items.JSONSchema()
		}
	}
	return out
}

// MarshalJSON renders the JSON Schema form.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.JSONSchema())
}

// Validate checks a JSON document against the schema. A failure wraps
// ErrSchemaMismatch.
func (s *Schema) Validate(data []byte) error {
	b, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: response is not JSON: %v", ErrSchemaMismatch, err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return nil
}
