package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/llm/llmtest"
	"github.com/brunobiangulo/ontograph/ontology"
)

const contractCatalog = `
common:
  node_types:
    - name: GeneralDocumentInfo
      attributes:
        - name: title
        - name: document_type
libraries:
  - name: Legal
    ontologies:
      - name: Contract
        node_types:
          - name: ContractNode
            description: The contract itself.
            companion: SignatureNode
            attributes:
              - name: title
                required: true
              - name: payment
                node_type: PaymentTerm
          - name: PaymentTerm
            policy: NESTED
            attributes:
              - name: amount
                kind: number
              - name: currency
                enum: [TRY, USD]
          - name: SignatureNode
            policy: DERIVED
          - name: PartyNode
            attributes:
              - name: name
        relation_types:
          - name: HasParty
            source: ContractNode
            target: PartyNode
          - name: Obligates
            source: ContractNode
            target: [PartyNode, SignatureNode]
            requires_judgment: true
`

func contractTypes(t *testing.T) ([]ontology.NodeType, []ontology.RelationType) {
	t.Helper()
	reg, err := ontology.Load([]byte(contractCatalog))
	require.NoError(t, err)
	nts, err := reg.NodeTypes("Contract")
	require.NoError(t, err)
	rts, err := reg.RelationTypes("Contract")
	require.NoError(t, err)
	return nts, rts
}

func nodeTypesOnly(t *testing.T, catalog, ont string) []ontology.NodeType {
	t.Helper()
	reg, err := ontology.Load([]byte(catalog))
	require.NoError(t, err)
	nts, err := reg.NodeTypes(ont)
	require.NoError(t, err)
	return nts
}

func extracting(system, typeName string) bool {
	return strings.Contains(system, "Extract the "+typeName+" node")
}

// contractResponder answers the contract scenario: one contract with a
// payment, one party, no general document info, and a positive verdict only
// for contract -> party.
func contractResponder(_ context.Context, c llmtest.Call) (string, error) {
	switch c.Stage {
	case StageLabelDirect:
		switch {
		case extracting(c.System, "ContractNode"):
			return `{"contract_node":{"title":"Service Agreement","payment":{"amount":1000,"currency":"TRY","reason":"payment clause","reference_text":"1000 TRY monthly"},"reason":"contract header","reference_text":"SERVICE AGREEMENT"}}`, nil
		case extracting(c.System, "PartyNode"):
			return `{"party_node":{"name":"Acme Ltd","reason":"named party","reference_text":"Acme Ltd"}}`, nil
		case extracting(c.System, "GeneralDocumentInfo"):
			return `{"generaldocumentinfo_node":null}`, nil
		}
	case StageLabelJudgment:
		if strings.Contains(c.User, `Target node: {"type":"PartyNode"`) {
			return `{"value":true,"reason":"the contract binds Acme"}`, nil
		}
		return `{"value":false,"reason":"a signature block carries no obligation"}`, nil
	}
	return "", fmt.Errorf("unexpected call: stage=%s system=%q", c.Stage, c.System)
}

func TestExtractContractScenario(t *testing.T) {
	nts, rts := contractTypes(t)
	gen := &llmtest.FakeGenerator{Respond: contractResponder, Validate: true}
	b := NewBuilder(gen, Config{})

	g, err := b.Extract(context.Background(), "SERVICE AGREEMENT between Acme Ltd ...", nts, rts, "Contract")
	require.NoError(t, err)
	require.Empty(t, g.Failures)

	// 2 DIRECT + 1 DERIVED + 1 promoted NESTED.
	require.Len(t, g.Nodes, 4)
	var types []string
	for _, n := range g.Nodes {
		types = append(types, n.Type)
	}
	assert.Equal(t, []string{"ContractNode", "PartyNode", "SignatureNode", "PaymentTerm"}, types)

	contract, party, signature, payment := g.Nodes[0], g.Nodes[1], g.Nodes[2], g.Nodes[3]
	_, hasPayment := contract.Attribute("payment")
	assert.False(t, hasPayment, "nested payment should be detached from the contract")
	assert.Equal(t, "Service Agreement", contract.Attributes["title"])
	assert.Equal(t, 1000.0, payment.Attributes["amount"])
	assert.Equal(t, ProvenancePredefined, signature.Reason)
	assert.Equal(t, ProvenancePredefined, signature.ReferenceText)

	// HasPaymentTerm + 1 rule relation + 1 judgment positive.
	require.Len(t, g.Relations, 3)

	has := g.Relations[0]
	assert.Equal(t, "HasPaymentTerm", has.Type)
	assert.True(t, has.Source.SameAs(contract))
	assert.Same(t, contract, has.Source)
	assert.True(t, has.Target.SameAs(payment))
	assert.Equal(t, "PaymentTerm is extracted from ContractNode", has.Reason)
	assert.Equal(t, ProvenancePredefined, has.ReferenceText)

	rule := g.Relations[1]
	assert.Equal(t, "HasParty", rule.Type)
	assert.Equal(t, "ContractNode is related to PartyNode, created if two nodes are extracted", rule.Reason)
	assert.True(t, rule.Target.SameAs(party))

	judged := g.Relations[2]
	assert.Equal(t, "Obligates", judged.Type)
	assert.True(t, judged.Target.SameAs(party))
	assert.Equal(t, "the contract binds Acme", judged.Reason)
	assert.Equal(t, ProvenanceLLM, judged.ReferenceText)

	// One call per DIRECT type; contract x {party, signature} judged.
	assert.Equal(t, 3, gen.StageCount(StageLabelDirect))
	assert.Equal(t, 2, gen.StageCount(StageLabelJudgment))
}

func TestDirectWrapperSchema(t *testing.T) {
	nts, _ := contractTypes(t)
	gen := &llmtest.FakeGenerator{Respond: contractResponder}
	_, err := NewBuilder(gen, Config{Language: "Turkish"}).ExtractNodes(context.Background(), "text", nts, "Contract")
	require.NoError(t, err)

	for _, c := range gen.Calls() {
		if !extracting(c.System, "ContractNode") {
			continue
		}
		assert.Equal(t, []string{"contract_node"}, c.Schema.PropertyNames())
		node := c.Schema.Properties["contract_node"]
		assert.True(t, node.Nullable)
		assert.Equal(t, []string{"title", "payment", "reason", "reference_text"}, node.PropertyNames())
		assert.Equal(t, []string{"title", "reason", "reference_text"}, node.Required)
		assert.Equal(t, llm.TypeObject, node.Properties["payment"].Type)
		assert.Contains(t, c.System, "The contract itself.")
		assert.Contains(t, c.System, "Turkish")
		return
	}
	t.Fatal("no ContractNode extraction call recorded")
}

func TestWrapperField(t *testing.T) {
	tests := []struct {
		typ  ontology.NodeType
		want string
	}{
		{ontology.NodeType{Name: "ContractNode"}, "contract_node"},
		{ontology.NodeType{Name: "PartyNode", Cardinality: ontology.CardinalityList}, "party_nodes"},
		{ontology.NodeType{Name: "GeneralDocumentInfo"}, "generaldocumentinfo_node"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wrapperField(tt.typ), tt.typ.Name)
	}
}

const unionCatalog = `
libraries:
  - name: Legal
    ontologies:
      - name: Deed
        node_types:
          - name: DeedNode
            attributes:
              - name: holder
                node_type: [PersonNode, CompanyNode]
              - name: witnesses
                node_type: PersonNode
                list: true
          - name: PersonNode
            policy: NESTED
            attributes:
              - name: name
          - name: CompanyNode
            policy: NESTED
            attributes:
              - name: name
`

func TestNestedPromotion(t *testing.T) {
	nts := nodeTypesOnly(t, unionCatalog, "Deed")

	tests := []struct {
		name      string
		response  string
		wantTypes []string
		wantRels  []string
	}{
		{
			name:      "union member and list elements",
			response:  `{"deed_node":{"holder":{"node_type":"CompanyNode","name":"Acme","reason":"r","reference_text":"t"},"witnesses":[{"name":"Ann","reason":"r","reference_text":"t"},{"name":"Bob","reason":"r","reference_text":"t"}],"reason":"r","reference_text":"t"}}`,
			wantTypes: []string{"DeedNode", "CompanyNode", "PersonNode", "PersonNode"},
			wantRels:  []string{"HasCompanyNode", "HasPersonNode", "HasPersonNode"},
		},
		{
			name:      "absent and empty values promote nothing",
			response:  `{"deed_node":{"holder":null,"witnesses":[],"reason":"r","reference_text":"t"}}`,
			wantTypes: []string{"DeedNode"},
		},
		{
			name:      "single populated attribute",
			response:  `{"deed_node":{"holder":{"node_type":"PersonNode","name":"Ann","reason":"r","reference_text":"t"},"reason":"r","reference_text":"t"}}`,
			wantTypes: []string{"DeedNode", "PersonNode"},
			wantRels:  []string{"HasPersonNode"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &llmtest.FakeGenerator{Responses: []string{tt.response}, Validate: true}
			res, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Deed")
			require.NoError(t, err)

			var types, rels []string
			for _, n := range res.Nodes {
				types = append(types, n.Type)
			}
			for _, r := range res.Relations {
				rels = append(rels, r.Type)
				assert.Same(t, res.Nodes[0], r.Source)
			}
			assert.Equal(t, tt.wantTypes, types)
			assert.Equal(t, tt.wantRels, rels)

			parent := res.Nodes[0]
			assert.NotContains(t, parent.Attributes, "holder")
			assert.NotContains(t, parent.Attributes, "witnesses")
		})
	}
}

func TestNestedDetachDoesNotMutateOriginal(t *testing.T) {
	child := NewNode("PersonNode", map[string]any{"name": "Ann"}, "r", "t")
	parent := NewNode("DeedNode", map[string]any{"witnesses": []any{child}}, "r", "t")
	nts := nodeTypesOnly(t, unionCatalog, "Deed")

	parents, promoted, rels := promoteNested([]*Node{parent}, nts)
	require.Len(t, promoted, 1)
	require.Len(t, rels, 1)
	assert.Contains(t, parent.Attributes, "witnesses")
	assert.NotContains(t, parents[0].Attributes, "witnesses")
	assert.Equal(t, parent.ID, parents[0].ID)
}

const derivedCatalog = `
libraries:
  - name: Legal
    ontologies:
      - name: Minutes
        node_types:
          - name: ResolutionNode
            cardinality: list
            companion: SealNode
            attributes:
              - name: text
          - name: SealNode
            policy: DERIVED
`

func TestDerivedAtMostOncePerCompanion(t *testing.T) {
	nts := nodeTypesOnly(t, derivedCatalog, "Minutes")
	gen := &llmtest.FakeGenerator{Responses: []string{
		`{"resolution_nodes":[{"text":"a","reason":"r","reference_text":"t"},{"text":"b","reason":"r","reference_text":"t"},{"text":"c","reason":"r","reference_text":"t"}]}`,
	}, Validate: true}

	res, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Minutes")
	require.NoError(t, err)
	require.Len(t, res.Nodes, 4)

	seals := 0
	for _, n := range res.Nodes {
		if n.Type == "SealNode" {
			seals++
		}
	}
	assert.Equal(t, 1, seals)
	assert.Equal(t, "SealNode", res.Nodes[3].Type)
	assert.Equal(t, 1, gen.CallCount(), "DERIVED types are never sent to the model")
}

const sharedCompanionCatalog = `
libraries:
  - name: Legal
    ontologies:
      - name: Minutes
        node_types:
          - name: ResolutionNode
            companion: SealNode
            attributes:
              - name: text
          - name: VoteNode
            companion: SealNode
            attributes:
              - name: outcome
          - name: SealNode
            policy: DERIVED
`

func TestDerivedSharedByTwoTriggers(t *testing.T) {
	nts := nodeTypesOnly(t, sharedCompanionCatalog, "Minutes")
	gen := &llmtest.FakeGenerator{Respond: func(_ context.Context, c llmtest.Call) (string, error) {
		if extracting(c.System, "VoteNode") {
			return `{"vote_node":{"outcome":"carried","reason":"r","reference_text":"t"}}`, nil
		}
		return `{"resolution_node":{"text":"a","reason":"r","reference_text":"t"}}`, nil
	}}

	res, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Minutes")
	require.NoError(t, err)

	var types []string
	for _, n := range res.Nodes {
		types = append(types, n.Type)
	}
	assert.Equal(t, []string{"ResolutionNode", "VoteNode", "SealNode"}, types)
}

func TestDerivedSkippedWithoutTrigger(t *testing.T) {
	nts := nodeTypesOnly(t, derivedCatalog, "Minutes")
	gen := &llmtest.FakeGenerator{Responses: []string{`{"resolution_nodes":[]}`}}

	res, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Minutes")
	require.NoError(t, err)
	assert.Empty(t, res.Nodes)
}

func TestDocumentInfoTagged(t *testing.T) {
	nts, _ := contractTypes(t)
	gen := &llmtest.FakeGenerator{Respond: func(ctx context.Context, c llmtest.Call) (string, error) {
		if extracting(c.System, "GeneralDocumentInfo") {
			return `{"generaldocumentinfo_node":{"title":"Agreement","document_type":"letter","reason":"r","reference_text":"t"}}`, nil
		}
		return contractResponder(ctx, c)
	}}

	res, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Contract")
	require.NoError(t, err)

	var info *Node
	for _, n := range res.Nodes {
		if n.Type == DefaultDocInfoType {
			info = n
		}
	}
	require.NotNil(t, info)
	assert.Equal(t, "Contract", info.Attributes[DefaultDocInfoAttribute])
	assert.Equal(t, "Agreement", info.Attributes["title"])
}

func ruleNodes(nContracts, nParties int) []*Node {
	var nodes []*Node
	for i := 0; i < nContracts; i++ {
		nodes = append(nodes, NewNode("ContractNode", nil, "", ""))
	}
	for i := 0; i < nParties; i++ {
		nodes = append(nodes, NewNode("PartyNode", nil, "", ""))
	}
	return nodes
}

func TestRuleRelationsCrossProduct(t *testing.T) {
	hasParty := ontology.RelationType{Name: "HasParty", Source: ontology.Exact("ContractNode"), Target: ontology.Exact("PartyNode")}
	for _, tc := range []struct{ n, m int }{{0, 3}, {1, 1}, {2, 3}, {4, 5}} {
		rels := RuleRelations(ruleNodes(tc.n, tc.m), []ontology.RelationType{hasParty})
		assert.Len(t, rels, tc.n*tc.m, "%d x %d", tc.n, tc.m)
	}
}

func TestRuleRelationsKeepsSelfPairs(t *testing.T) {
	related := ontology.RelationType{Name: "Mentions", Source: ontology.OneOf("ContractNode", "PartyNode"), Target: ontology.Exact("PartyNode")}
	nodes := ruleNodes(1, 2)

	rels := RuleRelations(nodes, []ontology.RelationType{related})
	// 3 sources x 2 targets, two of which are self-pairs.
	require.Len(t, rels, 6)
	self := 0
	for _, r := range rels {
		if r.Source.SameAs(r.Target) {
			self++
		}
	}
	assert.Equal(t, 2, self)
}

func TestRuleRelationsIdempotent(t *testing.T) {
	_, rts := contractTypes(t)
	nodes := ruleNodes(2, 3)

	key := func(rels []*Relation) []string {
		var out []string
		for _, r := range rels {
			out = append(out, r.Type+":"+r.Source.ID+"->"+r.Target.ID+":"+r.Reason)
		}
		return out
	}
	first := key(RuleRelations(nodes, rts))
	second := key(RuleRelations(nodes, rts))
	assert.ElementsMatch(t, first, second)
	assert.Len(t, first, 6)
}

func TestJudgmentNeverPairsNodeWithItself(t *testing.T) {
	self := ontology.RelationType{Name: "Cites", Source: ontology.Exact("PartyNode"), Target: ontology.Exact("PartyNode"), RequiresJudgment: true}
	nodes := ruleNodes(0, 3)
	gen := &llmtest.FakeGenerator{Respond: func(context.Context, llmtest.Call) (string, error) {
		return `{"value":true,"reason":"yes"}`, nil
	}}

	res, err := NewBuilder(gen, Config{}).ExtractRelations(context.Background(), nodes, []ontology.RelationType{self})
	require.NoError(t, err)
	assert.Equal(t, 6, gen.CallCount())
	require.Len(t, res.Relations, 6)
	for _, r := range res.Relations {
		assert.False(t, r.Source.SameAs(r.Target))
	}
}

func TestJudgmentResultsInTaskOrder(t *testing.T) {
	obligates := ontology.RelationType{Name: "Obligates", Source: ontology.Exact("ContractNode"), Target: ontology.Exact("PartyNode"), RequiresJudgment: true}
	nodes := ruleNodes(1, 8)
	gen := &llmtest.FakeGenerator{Respond: func(context.Context, llmtest.Call) (string, error) {
		return `{"value":true,"reason":"yes"}`, nil
	}}

	res, err := NewBuilder(gen, Config{Concurrency: 4}).ExtractRelations(context.Background(), nodes, []ontology.RelationType{obligates})
	require.NoError(t, err)
	require.Len(t, res.Relations, 8)
	for i, r := range res.Relations {
		assert.Same(t, nodes[i+1], r.Target)
	}
}

func TestJudgmentFailureIsolated(t *testing.T) {
	obligates := ontology.RelationType{Name: "Obligates", Source: ontology.Exact("ContractNode"), Target: ontology.Exact("PartyNode"), RequiresJudgment: true}
	nodes := ruleNodes(1, 3)
	var n atomic.Int32
	gen := &llmtest.FakeGenerator{Respond: func(context.Context, llmtest.Call) (string, error) {
		if n.Add(1) == 2 {
			return "", llm.ErrGeneration
		}
		return `{"value":true,"reason":"yes"}`, nil
	}}

	res, err := NewBuilder(gen, Config{Concurrency: 1}).ExtractRelations(context.Background(), nodes, []ontology.RelationType{obligates})
	require.NoError(t, err)
	assert.Len(t, res.Relations, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageJudgment, res.Failures[0].Stage)
	assert.ErrorIs(t, res.Failures[0], llm.ErrGeneration)
}

func TestJudgmentFailFast(t *testing.T) {
	obligates := ontology.RelationType{Name: "Obligates", Source: ontology.Exact("ContractNode"), Target: ontology.Exact("PartyNode"), RequiresJudgment: true}
	gen := &llmtest.FakeGenerator{Err: llm.ErrGeneration}

	res, err := NewBuilder(gen, Config{FailurePolicy: FailFast}).ExtractRelations(context.Background(), ruleNodes(1, 3), []ontology.RelationType{obligates})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, llm.ErrGeneration)
}

func TestDirectFailureIsolated(t *testing.T) {
	nts, _ := contractTypes(t)
	gen := &llmtest.FakeGenerator{Respond: func(ctx context.Context, c llmtest.Call) (string, error) {
		if extracting(c.System, "PartyNode") {
			return "", &llm.GenerationError{Attempts: 2, Err: errors.New("timeout")}
		}
		return contractResponder(ctx, c)
	}}

	res, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Contract")
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, Failure{Stage: StageDirect, Unit: "PartyNode", Err: res.Failures[0].Err}, res.Failures[0])
	assert.ErrorIs(t, res.Failures[0], llm.ErrGeneration)
	// Contract, signature and promoted payment survive.
	assert.Len(t, res.Nodes, 3)
}

func TestDirectAllFailed(t *testing.T) {
	nts, _ := contractTypes(t)
	gen := &llmtest.FakeGenerator{Err: llm.ErrGeneration}

	_, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Contract")
	require.ErrorIs(t, err, ErrAllFailed)
	assert.ErrorIs(t, err, llm.ErrGeneration)
}

func TestDirectFailFast(t *testing.T) {
	nts, _ := contractTypes(t)
	gen := &llmtest.FakeGenerator{Respond: func(ctx context.Context, c llmtest.Call) (string, error) {
		if extracting(c.System, "PartyNode") {
			return "", llm.ErrGeneration
		}
		return contractResponder(ctx, c)
	}}

	_, err := NewBuilder(gen, Config{FailurePolicy: FailFast}).ExtractNodes(context.Background(), "text", nts, "Contract")
	require.ErrorIs(t, err, llm.ErrGeneration)
	assert.Contains(t, err.Error(), "PartyNode")
}

func TestExtractCanceled(t *testing.T) {
	nts, rts := contractTypes(t)
	ctx, cancel := context.WithCancel(context.Background())
	gen := &llmtest.FakeGenerator{Respond: func(ctx context.Context, c llmtest.Call) (string, error) {
		if c.Stage == StageLabelJudgment {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		}
		return contractResponder(ctx, c)
	}}

	g, err := NewBuilder(gen, Config{}).Extract(ctx, "text", nts, rts, "Contract")
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, g)
}

func TestSchemaMismatchFromDecode(t *testing.T) {
	nts := nodeTypesOnly(t, unionCatalog, "Deed")
	gen := &llmtest.FakeGenerator{Responses: []string{
		`{"deed_node":{"holder":{"node_type":"DeedNode","name":"x","reason":"r","reference_text":"t"},"reason":"r","reference_text":"t"}}`,
	}}

	_, err := NewBuilder(gen, Config{}).ExtractNodes(context.Background(), "text", nts, "Deed")
	require.ErrorIs(t, err, ErrAllFailed)
	assert.ErrorIs(t, err, llm.ErrSchemaMismatch)
}

func TestNewRelationChecksEndpoints(t *testing.T) {
	rt := ontology.RelationType{Name: "HasParty", Source: ontology.Exact("ContractNode"), Target: ontology.Exact("PartyNode")}
	contract := NewNode("ContractNode", nil, "", "")
	party := NewNode("PartyNode", nil, "", "")

	_, err := NewRelation(rt, contract, party, "", "")
	require.NoError(t, err)
	_, err = NewRelation(rt, party, contract, "", "")
	assert.ErrorIs(t, err, llm.ErrSchemaMismatch)
	_, err = NewRelation(rt, contract, nil, "", "")
	assert.ErrorIs(t, err, llm.ErrSchemaMismatch)
}

func TestBuilderMetrics(t *testing.T) {
	nts, rts := contractTypes(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	gen := &llmtest.FakeGenerator{Respond: contractResponder}

	_, err := NewBuilder(gen, Config{}, WithMetrics(m)).Extract(context.Background(), "text", nts, rts, "Contract")
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.units.WithLabelValues(StageDirect, "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.units.WithLabelValues(StageJudgment, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodes.WithLabelValues("NESTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("Obligates", "related")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("Obligates", "unrelated")))
}
