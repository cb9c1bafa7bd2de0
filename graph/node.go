package graph

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/ontology"
)

// Provenance markers for ReferenceText.
const (
	// ProvenancePredefined marks nodes and relations created by rule.
	ProvenancePredefined = "Predefined"
	// ProvenanceLLM marks relations confirmed by a judgment call.
	ProvenanceLLM = "Extracted from the contract with LLM"
)

// Node is an extracted, typed entity instance. Attribute values are
// string, float64, bool, *Node, or []any of those. Nodes are treated as
// immutable; WithAttribute and WithoutAttribute return updated copies that
// keep the same ID.
type Node struct {
	ID            string
	Type          string
	Attributes    map[string]any
	Reason        string
	ReferenceText string
}

// NewNode creates a node with a fresh ID. attrs is copied.
func NewNode(typ string, attrs map[string]any, reason, referenceText string) *Node {
	return &Node{
		ID:            uuid.NewString(),
		Type:          typ,
		Attributes:    maps.Clone(attrs),
		Reason:        reason,
		ReferenceText: referenceText,
	}
}

// Attribute returns an attribute value.
func (n *Node) Attribute(name string) (any, bool) {
	v, ok := n.Attributes[name]
	return v, ok
}

// WithAttribute returns a copy of n with name set to v.
func (n *Node) WithAttribute(name string, v any) *Node {
	out := *n
	out.Attributes = maps.Clone(n.Attributes)
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	out.Attributes[name] = v
	return &out
}

// WithoutAttribute returns a copy of n with name removed.
func (n *Node) WithoutAttribute(name string) *Node {
	out := *n
	out.Attributes = maps.Clone(n.Attributes)
	delete(out.Attributes, name)
	return &out
}

// SameAs reports whether two nodes are the same instance, compared by ID.
func (n *Node) SameAs(other *Node) bool {
	return n != nil && other != nil && n.ID == other.ID
}

func (n *Node) String() string {
	return fmt.Sprintf("%s[%s]", n.Type, n.ID)
}

type nodeJSON struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ReferenceText string         `json:"reference_text,omitempty"`
}

// MarshalJSON renders the node; nested nodes render inline.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{
		ID:            n.ID,
		Type:          n.Type,
		Attributes:    n.Attributes,
		Reason:        n.Reason,
		ReferenceText: n.ReferenceText,
	})
}

// Relation is a directed, typed edge between two nodes. Relations share
// their endpoint nodes with the node list they were built from.
type Relation struct {
	Type          string
	Source        *Node
	Target        *Node
	Reason        string
	ReferenceText string
}

// NewRelation creates a relation of type rt, checking that both endpoints
// satisfy its type constraints.
func NewRelation(rt ontology.RelationType, source, target *Node, reason, referenceText string) (*Relation, error) {
	if source == nil || target == nil {
		return nil, fmt.Errorf("%w: relation %s needs two nodes", llm.ErrSchemaMismatch, rt.Name)
	}
	if !rt.Source.Matches(source.Type) {
		return nil, fmt.Errorf("%w: relation %s source %s is not %s", llm.ErrSchemaMismatch, rt.Name, source.Type, rt.Source)
	}
	if !rt.Target.Matches(target.Type) {
		return nil, fmt.Errorf("%w: relation %s target %s is not %s", llm.ErrSchemaMismatch, rt.Name, target.Type, rt.Target)
	}
	return &Relation{
		Type:          rt.Name,
		Source:        source,
		Target:        target,
		Reason:        reason,
		ReferenceText: referenceText,
	}, nil
}

type relationJSON struct {
	Type          string `json:"type"`
	SourceID      string `json:"source_id"`
	SourceType    string `json:"source_type"`
	TargetID      string `json:"target_id"`
	TargetType    string `json:"target_type"`
	Reason        string `json:"reason,omitempty"`
	ReferenceText string `json:"reference_text,omitempty"`
}

// MarshalJSON renders endpoints by ID.
func (r *Relation) MarshalJSON() ([]byte, error) {
	return json.Marshal(relationJSON{
		Type:          r.Type,
		SourceID:      r.Source.ID,
		SourceType:    r.Source.Type,
		TargetID:      r.Target.ID,
		TargetType:    r.Target.Type,
		Reason:        r.Reason,
		ReferenceText: r.ReferenceText,
	})
}

// Failure stages.
const (
	StageDirect   = "direct"
	StageJudgment = "judgment"
)

// Failure is a unit of work that failed without aborting the run.
type Failure struct {
	Stage string
	Unit  string
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Unit, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// MarshalJSON renders the error as a string.
func (f Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Stage string `json:"stage"`
		Unit  string `json:"unit"`
		Error string `json:"error"`
	}{f.Stage, f.Unit, f.Err.Error()})
}

// Graph is the full extraction output.
type Graph struct {
	Nodes     []*Node     `json:"nodes"`
	Relations []*Relation `json:"relations"`
	Failures  []Failure   `json:"failures,omitempty"`
}
