package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/ontology"
)

// RelationResult is the output of relation extraction.
type RelationResult struct {
	// Relations are the rule-based relations followed by the confirmed
	// judgment relations in task order.
	Relations []*Relation
	Failures  []Failure
}

// RuleRelations creates a relation for every ordered (source, target) pair
// of nodes matching a rule-based relation type. A node matching both ends
// pairs with itself.
func RuleRelations(nodes []*Node, relationTypes []ontology.RelationType) []*Relation {
	var out []*Relation
	for _, rt := range relationTypes {
		if rt.RequiresJudgment {
			continue
		}
		for _, s := range nodes {
			if !rt.Source.Matches(s.Type) {
				continue
			}
			for _, t := range nodes {
				if !rt.Target.Matches(t.Type) {
					continue
				}
				out = append(out, &Relation{
					Type:          rt.Name,
					Source:        s,
					Target:        t,
					Reason:        fmt.Sprintf("%s is related to %s, created if two nodes are extracted", s.Type, t.Type),
					ReferenceText: ProvenancePredefined,
				})
			}
		}
	}
	return out
}

// judgmentTask is one candidate relation awaiting a verdict.
type judgmentTask struct {
	rel    ontology.RelationType
	source *Node
	target *Node
}

func (t judgmentTask) String() string {
	return fmt.Sprintf("%s(%s->%s)", t.rel.Name, t.source, t.target)
}

// judgmentTasks enumerates every candidate pair for the judgment relation
// types: source type x target type, then source node x target node, never
// pairing a node with itself.
func judgmentTasks(nodes []*Node, relationTypes []ontology.RelationType) []judgmentTask {
	byType := make(map[string][]*Node)
	for _, n := range nodes {
		byType[n.Type] = append(byType[n.Type], n)
	}

	var tasks []judgmentTask
	for _, rt := range relationTypes {
		if !rt.RequiresJudgment {
			continue
		}
		for _, st := range rt.Source.Types() {
			for _, tt := range rt.Target.Types() {
				for _, s := range byType[st] {
					for _, t := range byType[tt] {
						if s.SameAs(t) {
							continue
						}
						tasks = append(tasks, judgmentTask{rel: rt, source: s, target: t})
					}
				}
			}
		}
	}
	return tasks
}

// verdict is the model's answer for one judgment task.
type verdict struct {
	Value  bool   `json:"value"`
	Reason string `json:"reason"`
}

func verdictSchema() *llm.Schema {
	return llm.Object("Whether the two nodes are related.").
		Property("value", llm.Boolean("Is there a relation of the given type between the two nodes?"), true).
		Property("reason", llm.String("Why you reached this decision."), true)
}

// ExtractRelations builds the rule-based relations and asks the model to
// judge every candidate pair of the judgment relation types.
func (b *Builder) ExtractRelations(ctx context.Context, nodes []*Node, relationTypes []ontology.RelationType) (*RelationResult, error) {
	start := time.Now()
	rules := RuleRelations(nodes, relationTypes)
	tasks := judgmentTasks(nodes, relationTypes)

	slog.Info("graph: extracting relations",
		"nodes", len(nodes),
		"rule_relations", len(rules),
		"judgment_tasks", len(tasks),
		"concurrency", b.cfg.Concurrency)

	results := make([]*Relation, len(tasks))
	schema := verdictSchema()
	system := b.judgmentPrompt()

	errs, err := b.fanOut(llm.WithStage(ctx, StageLabelJudgment), StageJudgment, len(tasks),
		func(i int) string { return tasks[i].String() },
		func(ctx context.Context, i int) error {
			rel, err := b.judge(ctx, system, schema, tasks[i])
			if err != nil {
				b.metrics.unit(StageJudgment, "failed")
				return err
			}
			b.metrics.unit(StageJudgment, "ok")
			results[i] = rel
			return nil
		})
	if err != nil {
		return nil, err
	}

	res := &RelationResult{Relations: rules}
	confirmed := 0
	for i, rel := range results {
		if errs[i] != nil {
			res.Failures = append(res.Failures, Failure{Stage: StageJudgment, Unit: tasks[i].String(), Err: errs[i]})
			continue
		}
		if rel != nil {
			res.Relations = append(res.Relations, rel)
			confirmed++
		}
	}

	slog.Info("graph: relations extracted",
		"rule", len(rules),
		"judged", confirmed,
		"failures", len(res.Failures),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// judge runs one judgment task. A negative verdict returns a nil relation.
func (b *Builder) judge(ctx context.Context, system string, schema *llm.Schema, task judgmentTask) (*Relation, error) {
	raw, err := b.gen.Generate(ctx, system, judgmentQuestion(task), schema)
	if err != nil {
		return nil, err
	}
	var v verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: decoding verdict: %v", llm.ErrSchemaMismatch, err)
	}
	b.metrics.verdict(task.rel.Name, v.Value)
	if !v.Value {
		slog.Debug("graph: relation rejected",
			"relation", task.rel.Name,
			"source", task.source.String(),
			"target", task.target.String(),
			"reason", v.Reason)
		return nil, nil
	}
	return NewRelation(task.rel, task.source, task.target, v.Reason, ProvenanceLLM)
}

func (b *Builder) judgmentPrompt() string {
	var sb strings.Builder
	sb.WriteString("You check whether two knowledge-graph nodes have a relation.\n")
	sb.WriteString("You are given a relation type and two nodes.\n")
	sb.WriteString("Decide whether the source node has that relation to the target node, and explain why.\n")
	if b.cfg.Language != "" {
		fmt.Fprintf(&sb, "Answer in %s.\n", b.cfg.Language)
	}
	return sb.String()
}

func judgmentQuestion(task judgmentTask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Relation type: %s\n", task.rel.Name)
	if task.rel.Description != "" {
		fmt.Fprintf(&sb, "Relation description: %s\n", task.rel.Description)
	}
	fmt.Fprintf(&sb, "Source node: %s\n", describeNode(task.source))
	fmt.Fprintf(&sb, "Target node: %s\n", describeNode(task.target))
	fmt.Fprintf(&sb, "Do the source and target nodes have a %s relation?", task.rel.Name)
	return sb.String()
}

func describeNode(n *Node) string {
	data, err := json.Marshal(struct {
		Type          string         `json:"type"`
		Attributes    map[string]any `json:"attributes,omitempty"`
		ReferenceText string         `json:"reference_text,omitempty"`
	}{n.Type, n.Attributes, n.ReferenceText})
	if err != nil {
		return n.String()
	}
	return string(data)
}
