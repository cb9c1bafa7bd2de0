package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/ontology"
)

// NodeResult is the output of node extraction.
type NodeResult struct {
	// Nodes are DIRECT nodes, then DERIVED nodes, then promoted NESTED nodes.
	Nodes []*Node
	// Relations are the Has<Nested> relations in promotion order.
	Relations []*Relation
	Failures  []Failure
}

// ExtractNodes runs the DIRECT, DERIVED and NESTED passes over text for the
// given node types, then tags the general document info node with the
// ontology name.
func (b *Builder) ExtractNodes(ctx context.Context, text string, nodeTypes []ontology.NodeType, ontologyName string) (*NodeResult, error) {
	start := time.Now()
	sb := newSchemaBuilder(nodeTypes, b.cfg.MaxDepth)

	var direct []ontology.NodeType
	for _, t := range nodeTypes {
		if t.Policy == ontology.PolicyDirect || t.Policy == "" {
			direct = append(direct, t)
		}
	}

	slog.Info("graph: extracting nodes",
		"ontology", ontologyName,
		"direct_types", len(direct),
		"concurrency", b.cfg.Concurrency)

	perType := make([][]*Node, len(direct))
	errs, err := b.fanOut(llm.WithStage(ctx, StageLabelDirect), StageDirect, len(direct),
		func(i int) string { return direct[i].Name },
		func(ctx context.Context, i int) error {
			nodes, err := b.extractDirect(ctx, sb, text, direct[i])
			if err != nil {
				b.metrics.unit(StageDirect, "failed")
				return err
			}
			b.metrics.unit(StageDirect, "ok")
			perType[i] = nodes
			return nil
		})
	if err != nil {
		return nil, err
	}

	res := &NodeResult{}
	var directNodes []*Node
	for i, nodes := range perType {
		if errs[i] != nil {
			res.Failures = append(res.Failures, Failure{Stage: StageDirect, Unit: direct[i].Name, Err: errs[i]})
			continue
		}
		directNodes = append(directNodes, nodes...)
	}
	if len(direct) > 0 && len(res.Failures) == len(direct) {
		return nil, fmt.Errorf("%w: %d node type(s); first error: %w", ErrAllFailed, len(direct), res.Failures[0].Err)
	}

	directNodes = b.tagDocumentInfo(directNodes, ontologyName)
	derived := deriveCompanions(directNodes, nodeTypes)
	directNodes, promoted, hasRels := promoteNested(directNodes, nodeTypes)

	res.Nodes = slices.Concat(directNodes, derived, promoted)
	res.Relations = hasRels

	b.metrics.addNodes(string(ontology.PolicyDirect), len(directNodes))
	b.metrics.addNodes(string(ontology.PolicyDerived), len(derived))
	b.metrics.addNodes(string(ontology.PolicyNested), len(promoted))

	slog.Info("graph: nodes extracted",
		"ontology", ontologyName,
		"direct", len(directNodes),
		"derived", len(derived),
		"nested", len(promoted),
		"failures", len(res.Failures),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// extractDirect asks the model for the instances of one DIRECT type.
func (b *Builder) extractDirect(ctx context.Context, sb *schemaBuilder, text string, t ontology.NodeType) ([]*Node, error) {
	raw, err := b.gen.Generate(ctx, b.directPrompt(t), text, sb.wrapper(t))
	if err != nil {
		return nil, err
	}

	var wrapper map[string]any
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", llm.ErrSchemaMismatch, t.Name, err)
	}

	field := wrapperField(t)
	switch v := wrapper[field].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		n, err := sb.decodeNode(t, v)
		if err != nil {
			return nil, err
		}
		return []*Node{n}, nil
	case []any:
		var out []*Node
		for _, elem := range v {
			obj, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			n, err := sb.decodeNode(t, obj)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s: unexpected %T in %s", llm.ErrSchemaMismatch, t.Name, v, field)
	}
}

func (b *Builder) directPrompt(t ontology.NodeType) string {
	var sb strings.Builder
	sb.WriteString("You are an expert at extracting knowledge-graph nodes from documents.\n")
	sb.WriteString("Your task:\n")
	fmt.Fprintf(&sb, "- Extract the %s node from the text in the user message.\n", t.Name)
	sb.WriteString("- Return it in exactly the requested format, with every field you can support from the text.\n")
	sb.WriteString("- Quote the supporting passage in reference_text and explain the extraction in reason.\n")
	if t.IsList() {
		sb.WriteString("- The text may contain several of these; return all of them.\n")
	}
	if t.Description != "" {
		fmt.Fprintf(&sb, "The node's description matters most; read it carefully.\nDescription of %s: %s\n", t.Name, t.Description)
	}
	if b.cfg.Language != "" {
		fmt.Fprintf(&sb, "Write free-text fields in %s.\n", b.cfg.Language)
	}
	return sb.String()
}

// tagDocumentInfo sets the document-type attribute of the general document
// info node to the ontology name.
func (b *Builder) tagDocumentInfo(nodes []*Node, ontologyName string) []*Node {
	out := slices.Clone(nodes)
	for i, n := range out {
		if n.Type == b.cfg.DocInfoType {
			out[i] = n.WithAttribute(b.cfg.DocInfoAttribute, ontologyName)
		}
	}
	return out
}

// deriveCompanions creates one node per DERIVED type whose trigger appears
// among the DIRECT nodes, in trigger order.
func deriveCompanions(direct []*Node, nodeTypes []ontology.NodeType) []*Node {
	companionOf := make(map[string]string)
	pending := make(map[string]bool)
	for _, t := range nodeTypes {
		if t.Companion != "" {
			companionOf[t.Name] = t.Companion
		}
		if t.Policy == ontology.PolicyDerived {
			pending[t.Name] = true
		}
	}

	var out []*Node
	for _, n := range direct {
		c := companionOf[n.Type]
		if c == "" || !pending[c] {
			continue
		}
		out = append(out, NewNode(c, nil, ProvenancePredefined, ProvenancePredefined))
		delete(pending, c)
	}
	return out
}

// promoteNested detaches NESTED-typed values from the DIRECT nodes'
// attributes and promotes them to top-level nodes, each linked to its
// parent by a Has<Type> relation. It returns the updated parents.
func promoteNested(direct []*Node, nodeTypes []ontology.NodeType) ([]*Node, []*Node, []*Relation) {
	byName := make(map[string]ontology.NodeType, len(nodeTypes))
	nested := make(map[string]bool)
	for _, t := range nodeTypes {
		byName[t.Name] = t
		if t.Policy == ontology.PolicyNested {
			nested[t.Name] = true
		}
	}
	isNested := func(name string) bool { return nested[name] }

	parents := slices.Clone(direct)
	var promoted []*Node
	var rels []*Relation

	for i, parent := range parents {
		t := byName[parent.Type]
		var children []*Node
		updated := parent
		for _, a := range t.Attributes {
			if a.Kind != ontology.KindNode || !a.NodeType.Intersects(isNested) {
				continue
			}
			v, ok := updated.Attribute(a.Name)
			if !ok {
				continue
			}
			switch val := v.(type) {
			case *Node:
				if !isNested(val.Type) {
					continue
				}
				children = append(children, val)
				updated = updated.WithoutAttribute(a.Name)
			case []any:
				var keep []any
				for _, elem := range val {
					if c, ok := elem.(*Node); ok && isNested(c.Type) {
						children = append(children, c)
						continue
					}
					keep = append(keep, elem)
				}
				if len(keep) == len(val) {
					continue
				}
				if len(keep) == 0 {
					updated = updated.WithoutAttribute(a.Name)
				} else {
					updated = updated.WithAttribute(a.Name, keep)
				}
			}
		}
		if len(children) == 0 {
			continue
		}
		parents[i] = updated
		for _, c := range children {
			promoted = append(promoted, c)
			rels = append(rels, &Relation{
				Type:          "Has" + c.Type,
				Source:        updated,
				Target:        c,
				Reason:        fmt.Sprintf("%s is extracted from %s", c.Type, updated.Type),
				ReferenceText: ProvenancePredefined,
			})
		}
	}
	return parents, promoted, rels
}
