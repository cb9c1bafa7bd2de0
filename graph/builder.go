package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/ontology"
)

// ErrAllFailed is returned when every DIRECT node type failed to extract.
var ErrAllFailed = errors.New("graph: all direct extractions failed")

// FailurePolicy decides what a failed unit of work (one DIRECT node type or
// one judgment check) does to the run.
type FailurePolicy string

const (
	// Isolate records the failure and continues with the other units.
	Isolate FailurePolicy = "isolate"
	// FailFast aborts the run on the first failure.
	FailFast FailurePolicy = "fail_fast"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == Isolate || p == FailFast
}

// defaultConcurrency is the default number of in-flight generation calls.
const defaultConcurrency = 16

// defaultMaxDepth bounds how deep nested node schemas are rendered.
const defaultMaxDepth = 4

// Defaults for the general document info post-pass.
const (
	DefaultDocInfoType      = "GeneralDocumentInfo"
	DefaultDocInfoAttribute = "document_type"
)

// Stage labels for generation calls.
const (
	StageLabelDirect   = "extract_direct"
	StageLabelJudgment = "judge_relation"
)

// Config tunes the builder.
type Config struct {
	Concurrency      int           `json:"concurrency" yaml:"concurrency"`
	FailurePolicy    FailurePolicy `json:"failure_policy" yaml:"failure_policy"`
	DocInfoType      string        `json:"doc_info_type" yaml:"doc_info_type"`
	DocInfoAttribute string        `json:"doc_info_attribute" yaml:"doc_info_attribute"`
	// Language is the language free-text answers should be written in.
	Language string `json:"language" yaml:"language"`
	// MaxDepth bounds nested node schemas; deeper node attributes are omitted.
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

// Builder extracts nodes and relations from document text using a
// generator. It holds no per-run state and is safe for concurrent use.
type Builder struct {
	gen     llm.Generator
	cfg     Config
	metrics *Metrics
}

// Option configures a Builder.
type Option func(*Builder)

// WithMetrics records unit outcomes.
func WithMetrics(m *Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder creates a new graph builder.
func NewBuilder(gen llm.Generator, cfg Config, opts ...Option) *Builder {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = Isolate
	}
	if cfg.DocInfoType == "" {
		cfg.DocInfoType = DefaultDocInfoType
	}
	if cfg.DocInfoAttribute == "" {
		cfg.DocInfoAttribute = DefaultDocInfoAttribute
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	b := &Builder{gen: gen, cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Extract runs node extraction followed by relation extraction. Relations
// are the Has<Nested> relations followed by rule-based and then judgment
// relations.
func (b *Builder) Extract(ctx context.Context, text string, nodeTypes []ontology.NodeType, relationTypes []ontology.RelationType, ontologyName string) (*Graph, error) {
	start := time.Now()

	nodes, err := b.ExtractNodes(ctx, text, nodeTypes, ontologyName)
	if err != nil {
		return nil, err
	}
	rels, err := b.ExtractRelations(ctx, nodes.Nodes, relationTypes)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		Nodes:     nodes.Nodes,
		Relations: append(nodes.Relations, rels.Relations...),
		Failures:  append(nodes.Failures, rels.Failures...),
	}
	slog.Info("graph: extraction complete",
		"ontology", ontologyName,
		"nodes", len(g.Nodes),
		"relations", len(g.Relations),
		"failures", len(g.Failures),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return g, nil
}

// fanOut runs fn for indices [0, n) with bounded concurrency and returns
// the per-index errors. Under Isolate a failed unit leaves the others
// running; under FailFast the first failure cancels the rest and is
// returned as the run error. Cancellation of ctx always fails the run.
func (b *Builder) fanOut(ctx context.Context, stage string, n int, unit func(i int) string, fn func(ctx context.Context, i int) error) ([]error, error) {
	errs := make([]error, n)
	if n == 0 {
		return errs, nil
	}

	var completed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			unitStart := time.Now()
			err := fn(gctx, i)
			done := completed.Add(1)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if b.cfg.FailurePolicy == FailFast {
					return fmt.Errorf("%s %s: %w", stage, unit(i), err)
				}
				slog.Warn("graph: unit failed",
					"stage", stage,
					"unit", unit(i),
					"error", err,
					"elapsed", time.Since(unitStart).Round(time.Millisecond))
				errs[i] = err
				return nil
			}
			slog.Debug("graph: unit processed",
				"stage", stage,
				"progress", fmt.Sprintf("%d/%d", done, n),
				"unit", unit(i),
				"elapsed", time.Since(unitStart).Round(time.Millisecond),
				"total_elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return errs, nil
}
