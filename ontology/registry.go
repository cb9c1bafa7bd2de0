package ontology

import (
	"fmt"
	"slices"
	"strings"
)

// Unknown is the reserved choice meaning "none of the offered options".
// It may not be used as a library or ontology name.
const Unknown = "UNKNOWN"

// Registry is a frozen, validated catalog. It is safe for concurrent use:
// every accessor returns copies so callers cannot mutate shared state.
type Registry struct {
	libraries  []string
	byLibrary  map[string][]string
	ontologies map[string]*Ontology
	libraryOf  map[string]string
}

// Libraries returns the library names in catalog order.
func (r *Registry) Libraries() []string {
	return slices.Clone(r.libraries)
}

// Ontologies returns the ontology names of a library in catalog order.
func (r *Registry) Ontologies(library string) ([]string, error) {
	names, ok := r.byLibrary[library]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLibrary, library)
	}
	return slices.Clone(names), nil
}

// AllOntologies returns every ontology name grouped by library order.
func (r *Registry) AllOntologies() []string {
	var out []string
	for _, lib := range r.libraries {
		out = append(out, r.byLibrary[lib]...)
	}
	return out
}

// Library returns the library an ontology belongs to.
func (r *Registry) Library(ontology string) (string, error) {
	lib, ok := r.libraryOf[ontology]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOntology, ontology)
	}
	return lib, nil
}

// Ontology returns a copy of the merged ontology definition, with the
// catalog's common types appended.
func (r *Registry) Ontology(name string) (Ontology, error) {
	o, ok := r.ontologies[name]
	if !ok {
		return Ontology{}, fmt.Errorf("%w: %q", ErrUnknownOntology, name)
	}
	return cloneOntology(*o), nil
}

// NodeTypes returns the node type definitions of an ontology in declaration order.
func (r *Registry) NodeTypes(ontology string) ([]NodeType, error) {
	o, err := r.Ontology(ontology)
	if err != nil {
		return nil, err
	}
	return o.NodeTypes, nil
}

// RelationTypes returns the relation type definitions of an ontology in declaration order.
func (r *Registry) RelationTypes(ontology string) ([]RelationType, error) {
	o, err := r.Ontology(ontology)
	if err != nil {
		return nil, err
	}
	return o.RelationTypes, nil
}

// Describe returns the descriptions of a library's ontologies keyed by name.
func (r *Registry) Describe(library string) (map[string]string, error) {
	names, err := r.Ontologies(library)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = r.ontologies[n].Description
	}
	return out, nil
}

// Freeze validates the catalog and returns an immutable Registry. The
// catalog is deep-copied; later changes to c do not affect the registry.
func (c *Catalog) Freeze() (*Registry, error) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	r := &Registry{
		byLibrary:  make(map[string][]string),
		ontologies: make(map[string]*Ontology),
		libraryOf:  make(map[string]string),
	}

	if len(c.Libraries) == 0 {
		fail("catalog declares no libraries")
	}

	for _, lib := range c.Libraries {
		libName := strings.TrimSpace(lib.Name)
		switch {
		case libName == "":
			fail("library with empty name")
			continue
		case libName == Unknown:
			fail("library name %q is reserved", Unknown)
			continue
		}
		if _, dup := r.byLibrary[libName]; dup {
			fail("duplicate library %q", libName)
			continue
		}
		r.libraries = append(r.libraries, libName)
		r.byLibrary[libName] = nil

		for _, o := range lib.Ontologies {
			name := strings.TrimSpace(o.Name)
			switch {
			case name == "":
				fail("library %q: ontology with empty name", libName)
				continue
			case name == Unknown:
				fail("library %q: ontology name %q is reserved", libName, Unknown)
				continue
			}
			if prev, dup := r.libraryOf[name]; dup {
				fail("ontology %q declared in both %q and %q", name, prev, libName)
				continue
			}

			merged := mergeCommon(o, c.Common)
			merged.Name = name
			for _, p := range validateOntology(&merged) {
				fail("ontology %q: %s", name, p)
			}

			r.byLibrary[libName] = append(r.byLibrary[libName], name)
			r.libraryOf[name] = libName
			r.ontologies[name] = &merged
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCatalog, strings.Join(problems, "; "))
	}
	return r, nil
}

func mergeCommon(o Ontology, common Common) Ontology {
	out := cloneOntology(o)
	for _, nt := range common.NodeTypes {
		out.NodeTypes = append(out.NodeTypes, nt.clone())
	}
	out.RelationTypes = append(out.RelationTypes, common.RelationTypes...)
	return out
}

func cloneOntology(o Ontology) Ontology {
	out := o
	out.NodeTypes = make([]NodeType, len(o.NodeTypes))
	for i, nt := range o.NodeTypes {
		out.NodeTypes[i] = nt.clone()
	}
	out.RelationTypes = slices.Clone(o.RelationTypes)
	return out
}

// validateOntology applies defaults in place and returns every problem found.
func validateOntology(o *Ontology) []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	byName := make(map[string]int, len(o.NodeTypes))
	for i := range o.NodeTypes {
		nt := &o.NodeTypes[i]
		if nt.Name == "" {
			fail("node type with empty name")
			continue
		}
		if _, dup := byName[nt.Name]; dup {
			fail("duplicate node type %q", nt.Name)
			continue
		}
		byName[nt.Name] = i
		if nt.Policy == "" {
			nt.Policy = PolicyDirect
		}
		if !nt.Policy.Valid() {
			fail("node type %q: unknown policy %q", nt.Name, nt.Policy)
		}
		if nt.Cardinality == "" {
			nt.Cardinality = CardinalitySingle
		}
		if nt.Cardinality != CardinalitySingle && nt.Cardinality != CardinalityList {
			fail("node type %q: unknown cardinality %q", nt.Name, nt.Cardinality)
		}
	}

	policyOf := func(name string) (Policy, bool) {
		i, ok := byName[name]
		if !ok {
			return "", false
		}
		return o.NodeTypes[i].Policy, true
	}

	for i := range o.NodeTypes {
		nt := &o.NodeTypes[i]
		seen := make(map[string]bool, len(nt.Attributes))
		for j := range nt.Attributes {
			a := &nt.Attributes[j]
			switch {
			case a.Name == "":
				fail("node type %q: attribute with empty name", nt.Name)
				continue
			case a.Name == AttrReason || a.Name == AttrReferenceText || a.Name == AttrNodeType:
				fail("node type %q: attribute name %q is reserved", nt.Name, a.Name)
				continue
			case seen[a.Name]:
				fail("node type %q: duplicate attribute %q", nt.Name, a.Name)
				continue
			}
			seen[a.Name] = true

			if a.Kind == "" {
				if a.NodeType.IsZero() {
					a.Kind = KindString
				} else {
					a.Kind = KindNode
				}
			}
			if !a.Kind.valid() {
				fail("node type %q: attribute %q has unknown kind %q", nt.Name, a.Name, a.Kind)
				continue
			}
			if a.Kind == KindNode {
				if a.NodeType.IsZero() {
					fail("node type %q: attribute %q of kind node names no node_type", nt.Name, a.Name)
				}
				for _, ref := range a.NodeType.Types() {
					if _, ok := byName[ref]; !ok {
						fail("node type %q: attribute %q references unknown node type %q", nt.Name, a.Name, ref)
					}
				}
			} else if !a.NodeType.IsZero() {
				fail("node type %q: attribute %q of kind %s cannot carry a node_type", nt.Name, a.Name, a.Kind)
			}
			if len(a.Enum) > 0 && a.Kind != KindString {
				fail("node type %q: attribute %q: enum is only allowed on strings", nt.Name, a.Name)
			}
		}
	}

	// Reconcile companion links. Either side may declare the link; both
	// directions end up populated.
	for i := range o.NodeTypes {
		nt := &o.NodeTypes[i]
		if nt.TriggeredBy == "" {
			continue
		}
		if nt.Policy != PolicyDerived {
			fail("node type %q: triggered_by is only valid on DERIVED types", nt.Name)
			continue
		}
		ti, ok := byName[nt.TriggeredBy]
		if !ok {
			fail("node type %q: triggered_by references unknown node type %q", nt.Name, nt.TriggeredBy)
			continue
		}
		trigger := &o.NodeTypes[ti]
		switch trigger.Companion {
		case "":
			trigger.Companion = nt.Name
		case nt.Name:
		default:
			fail("node type %q: companion %q conflicts with %q triggered_by", trigger.Name, trigger.Companion, nt.Name)
		}
	}
	for i := range o.NodeTypes {
		nt := &o.NodeTypes[i]
		if nt.Companion == "" {
			continue
		}
		p, ok := policyOf(nt.Companion)
		if !ok {
			fail("node type %q: companion references unknown node type %q", nt.Name, nt.Companion)
			continue
		}
		if p != PolicyDerived {
			fail("node type %q: companion %q must be DERIVED", nt.Name, nt.Companion)
			continue
		}
		if nt.Policy != PolicyDirect {
			fail("node type %q: only DIRECT types can trigger a companion", nt.Name)
		}
		// Several DIRECT types may share a companion; the first one is kept
		// as the reverse link.
		if c := &o.NodeTypes[byName[nt.Companion]]; c.TriggeredBy == "" {
			c.TriggeredBy = nt.Name
		}
	}
	for _, nt := range o.NodeTypes {
		if nt.Policy == PolicyDerived && nt.TriggeredBy == "" {
			fail("DERIVED node type %q has no trigger", nt.Name)
		}
	}

	relNames := make(map[string]bool, len(o.RelationTypes))
	for _, rt := range o.RelationTypes {
		if rt.Name == "" {
			fail("relation type with empty name")
			continue
		}
		if relNames[rt.Name] {
			fail("duplicate relation type %q", rt.Name)
			continue
		}
		relNames[rt.Name] = true
		if rt.Source.IsZero() || rt.Target.IsZero() {
			fail("relation type %q: source and target are required", rt.Name)
			continue
		}
		for _, ref := range append(rt.Source.Types(), rt.Target.Types()...) {
			if _, ok := byName[ref]; !ok {
				fail("relation type %q references unknown node type %q", rt.Name, ref)
			}
		}
	}
	return problems
}
