// Package ontology holds the read-only catalog of node and relation type
// definitions that drive extraction. A Catalog is decoded from YAML or JSON,
// validated and frozen into a Registry, and then only served.
package ontology

import "slices"

// Policy selects how instances of a node type come into existence.
type Policy string

const (
	// PolicyDirect types are asked of the model, one call per type.
	PolicyDirect Policy = "DIRECT"
	// PolicyDerived types are created without a model call when their
	// trigger type is extracted.
	PolicyDerived Policy = "DERIVED"
	// PolicyNested types are produced inside another type's extraction and
	// promoted to top-level nodes afterwards.
	PolicyNested Policy = "NESTED"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyDirect, PolicyDerived, PolicyNested:
		return true
	}
	return false
}

// Cardinality says whether a DIRECT extraction returns one node or a list.
type Cardinality string

const (
	CardinalitySingle Cardinality = "single"
	CardinalityList   Cardinality = "list"
)

// AttributeKind is the value kind of a node attribute.
type AttributeKind string

const (
	KindString  AttributeKind = "string"
	KindNumber  AttributeKind = "number"
	KindInteger AttributeKind = "integer"
	KindBoolean AttributeKind = "boolean"
	KindNode    AttributeKind = "node"
)

func (k AttributeKind) valid() bool {
	switch k {
	case KindString, KindNumber, KindInteger, KindBoolean, KindNode:
		return true
	}
	return false
}

// Attribute names reserved for provenance and union discrimination.
const (
	AttrReason        = "reason"
	AttrReferenceText = "reference_text"
	AttrNodeType      = "node_type"
)

// Attribute describes one field of a node type.
type Attribute struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Kind        AttributeKind  `yaml:"kind,omitempty" json:"kind,omitempty"`
	NodeType    TypeConstraint `yaml:"node_type,omitempty" json:"node_type,omitempty"`
	List        bool           `yaml:"list,omitempty" json:"list,omitempty"`
	Required    bool           `yaml:"required,omitempty" json:"required,omitempty"`
	Enum        []string       `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// NodeType is the definition of one node kind.
type NodeType struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Policy      Policy      `yaml:"policy,omitempty" json:"policy,omitempty"`
	Cardinality Cardinality `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Attributes  []Attribute `yaml:"attributes,omitempty" json:"attributes,omitempty"`

	// Companion names the DERIVED type created automatically when a node of
	// this type is extracted.
	Companion string `yaml:"companion,omitempty" json:"companion,omitempty"`
	// TriggeredBy is the reverse link, declared on the DERIVED type. When
	// several types share the companion it names the first of them.
	TriggeredBy string `yaml:"triggered_by,omitempty" json:"triggered_by,omitempty"`
}

// IsList reports whether a DIRECT extraction of this type yields a list.
func (n NodeType) IsList() bool { return n.Cardinality == CardinalityList }

// Attribute looks up an attribute definition by name.
func (n NodeType) Attribute(name string) (Attribute, bool) {
	i := slices.IndexFunc(n.Attributes, func(a Attribute) bool { return a.Name == name })
	if i < 0 {
		return Attribute{}, false
	}
	return n.Attributes[i], true
}

func (n NodeType) clone() NodeType {
	out := n
	out.Attributes = make([]Attribute, len(n.Attributes))
	for i, a := range n.Attributes {
		a.Enum = slices.Clone(a.Enum)
		out.Attributes[i] = a
	}
	return out
}

// RelationType is the definition of one relation kind.
type RelationType struct {
	Name             string         `yaml:"name" json:"name"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Source           TypeConstraint `yaml:"source" json:"source"`
	Target           TypeConstraint `yaml:"target" json:"target"`
	RequiresJudgment bool           `yaml:"requires_judgment,omitempty" json:"requires_judgment,omitempty"`
}

// Ontology is a named schema: the node and relation types for one document category.
type Ontology struct {
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	NodeTypes     []NodeType     `yaml:"node_types,omitempty" json:"node_types,omitempty"`
	RelationTypes []RelationType `yaml:"relation_types,omitempty" json:"relation_types,omitempty"`
}

// Library groups ontologies under a top-level document family.
type Library struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Ontologies  []Ontology `yaml:"ontologies" json:"ontologies"`
}

// Common holds types appended to every ontology in the catalog.
type Common struct {
	NodeTypes     []NodeType     `yaml:"node_types,omitempty" json:"node_types,omitempty"`
	RelationTypes []RelationType `yaml:"relation_types,omitempty" json:"relation_types,omitempty"`
}

// Catalog is the mutable, decoded form of a registry document.
type Catalog struct {
	Common    Common    `yaml:"common,omitempty" json:"common,omitempty"`
	Libraries []Library `yaml:"libraries" json:"libraries"`
}
