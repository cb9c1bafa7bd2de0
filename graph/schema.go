package graph

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/ontology"
)

// wrapperField returns the property name that carries a DIRECT node in its
// extraction schema: the lowercased type name without "node", suffixed
// with _node or _nodes.
func wrapperField(t ontology.NodeType) string {
	base := strings.ReplaceAll(strings.ToLower(t.Name), "node", "")
	if t.IsList() {
		return base + "_nodes"
	}
	return base + "_node"
}

// schemaBuilder renders node types as llm schemas.
type schemaBuilder struct {
	types    map[string]ontology.NodeType
	maxDepth int
}

func newSchemaBuilder(types []ontology.NodeType, maxDepth int) *schemaBuilder {
	byName := make(map[string]ontology.NodeType, len(types))
	for _, t := range types {
		byName[t.Name] = t
	}
	return &schemaBuilder{types: byName, maxDepth: maxDepth}
}

// wrapper returns the schema for one DIRECT extraction call.
func (sb *schemaBuilder) wrapper(t ontology.NodeType) *llm.Schema {
	node := sb.node(t, 0, false)
	var field *llm.Schema
	if t.IsList() {
		field = llm.Array("Every "+t.Name+" found in the text; empty when there is none.", node)
	} else {
		field = node.OrNull()
		if field.Description == "" {
			field.Description = t.Name + " found in the text, or null when absent."
		}
	}
	return llm.Object("Extraction of "+t.Name+".").Property(wrapperField(t), field, true)
}

// node renders a node type as an object schema. discriminate adds a
// node_type property so union members can be told apart.
func (sb *schemaBuilder) node(t ontology.NodeType, depth int, discriminate bool) *llm.Schema {
	s := llm.Object(t.Description)
	if discriminate {
		s.Property(ontology.AttrNodeType, llm.Enum("Type of this node.", t.Name), true)
	}
	for _, a := range t.Attributes {
		prop := sb.attribute(a, depth)
		if prop == nil {
			continue
		}
		if !a.Required {
			prop.OrNull()
		}
		s.Property(a.Name, prop, a.Required)
	}
	s.Property(ontology.AttrReason, llm.String("Why this node was extracted."), true)
	s.Property(ontology.AttrReferenceText, llm.String("The exact text the node was extracted from."), true)
	return s
}

func (sb *schemaBuilder) attribute(a ontology.Attribute, depth int) *llm.Schema {
	var item *llm.Schema
	switch a.Kind {
	case ontology.KindNumber:
		item = llm.Number(a.Description)
	case ontology.KindInteger:
		item = &llm.Schema{Type: llm.TypeInteger, Description: a.Description}
	case ontology.KindBoolean:
		item = llm.Boolean(a.Description)
	case ontology.KindNode:
		if depth+1 >= sb.maxDepth {
			return nil
		}
		members := a.NodeType.Types()
		if len(members) == 1 {
			item = sb.node(sb.types[members[0]], depth+1, false)
			if a.Description != "" {
				item.Description = a.Description
			}
		} else {
			alts := make([]*llm.Schema, len(members))
			for i, m := range members {
				alts[i] = sb.node(sb.types[m], depth+1, true)
			}
			item = llm.AnyOf(a.Description, alts...)
		}
	default:
		if len(a.Enum) > 0 {
			item = llm.Enum(a.Description, a.Enum...)
		} else {
			item = llm.String(a.Description)
		}
	}
	if a.List {
		return llm.Array(a.Description, item)
	}
	return item
}

// decodeNode builds a node of type t from a decoded JSON object. Absent and
// null attributes and empty lists are dropped.
func (sb *schemaBuilder) decodeNode(t ontology.NodeType, obj map[string]any) (*Node, error) {
	attrs := make(map[string]any, len(t.Attributes))
	for _, a := range t.Attributes {
		v, ok := obj[a.Name]
		if !ok || v == nil {
			continue
		}
		if a.List {
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s: expected a list", llm.ErrSchemaMismatch, t.Name, a.Name)
			}
			var out []any
			for _, elem := range list {
				if elem == nil {
					continue
				}
				dv, err := sb.decodeValue(t, a, elem)
				if err != nil {
					return nil, err
				}
				out = append(out, dv)
			}
			if len(out) == 0 {
				continue
			}
			attrs[a.Name] = out
			continue
		}
		dv, err := sb.decodeValue(t, a, v)
		if err != nil {
			return nil, err
		}
		attrs[a.Name] = dv
	}
	reason, _ := obj[ontology.AttrReason].(string)
	ref, _ := obj[ontology.AttrReferenceText].(string)
	return NewNode(t.Name, attrs, reason, ref), nil
}

func (sb *schemaBuilder) decodeValue(parent ontology.NodeType, a ontology.Attribute, v any) (any, error) {
	if a.Kind != ontology.KindNode {
		return v, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s: expected an object", llm.ErrSchemaMismatch, parent.Name, a.Name)
	}
	typeName := a.NodeType.Types()[0]
	if a.NodeType.IsUnion() {
		typeName, _ = obj[ontology.AttrNodeType].(string)
		if !a.NodeType.Matches(typeName) {
			return nil, fmt.Errorf("%w: %s.%s: node_type %q is not %s", llm.ErrSchemaMismatch, parent.Name, a.Name, typeName, a.NodeType)
		}
	}
	child, ok := sb.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s: unknown node type %q", llm.ErrSchemaMismatch, parent.Name, a.Name, typeName)
	}
	return sb.decodeNode(child, obj)
}
