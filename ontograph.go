// Package ontograph classifies a document against a catalog of ontologies
// and extracts a typed knowledge graph from it with a language model.
package ontograph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brunobiangulo/ontograph/classifier"
	"github.com/brunobiangulo/ontograph/graph"
	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/ontology"
	"github.com/brunobiangulo/ontograph/parser"
	"github.com/brunobiangulo/ontograph/store"
)

// Status is the outcome of a run.
type Status string

const (
	// StatusExtracted means an ontology matched and a graph was extracted.
	StatusExtracted Status = "extracted"
	// StatusNoMatch means no ontology reached the classification threshold.
	StatusNoMatch Status = "no_match"
)

// Result is the outcome of a run.
type Result struct {
	RunID          string            `json:"run_id,omitempty"`
	Status         Status            `json:"status"`
	Classification classifier.Result `json:"classification"`
	Nodes          []*graph.Node     `json:"nodes"`
	Relations      []*graph.Relation `json:"relations"`
	Failures       []graph.Failure   `json:"failures,omitempty"`
	// Unsupported lists nodes whose reference text has no support in the
	// document.
	Unsupported []Unsupported `json:"unsupported,omitempty"`
	Document    *Document     `json:"document,omitempty"`
}

// Graph returns the extracted nodes, relations and failures.
func (r *Result) Graph() *graph.Graph {
	return &graph.Graph{Nodes: r.Nodes, Relations: r.Relations, Failures: r.Failures}
}

// Document describes the input of a run.
type Document struct {
	Source      string `json:"source"`
	Format      string `json:"format,omitempty"`
	Pages       int    `json:"pages,omitempty"`
	Chars       int    `json:"chars"`
	ContentHash string `json:"content_hash"`
}

// Engine wires the registry, classifier, graph builder, parsers and the
// optional audit store. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	registry   *ontology.Registry
	provider   llm.Provider
	classifier *classifier.Classifier
	builder    *graph.Builder
	parsers    *parser.Registry
	store      *store.Store
	pageMode   parser.PageMode
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	gen        llm.Generator
	registry   *ontology.Registry
	registerer prometheus.Registerer
}

// WithGenerator replaces the provider-backed generator. The Chat config is
// then ignored.
func WithGenerator(gen llm.Generator) Option {
	return func(o *options) { o.gen = gen }
}

// WithRegistry uses reg instead of loading Config.OntologyPath.
func WithRegistry(reg *ontology.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithRegisterer registers generation and extraction metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates an Engine. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pageMode, _ := parser.ParsePageMode(cfg.PageMode)

	reg := o.registry
	if reg == nil {
		var err error
		reg, err = ontology.LoadFile(cfg.OntologyPath)
		if err != nil {
			return nil, fmt.Errorf("loading ontologies: %w", err)
		}
	}

	var s *store.Store
	if cfg.DBPath != "" {
		var err error
		s, err = store.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	var llmMetrics *llm.Metrics
	var graphMetrics *graph.Metrics
	if o.registerer != nil {
		llmMetrics = llm.NewMetrics(o.registerer)
		graphMetrics = graph.NewMetrics(o.registerer)
	}

	e := &Engine{cfg: cfg, registry: reg, parsers: parser.NewRegistry(), store: s, pageMode: pageMode}

	gen := o.gen
	if gen == nil {
		provider, err := llm.NewProvider(cfg.llmConfig())
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("%w: creating chat provider: %v", ErrInvalidConfig, err)
		}
		e.provider = provider
		genOpts := []llm.GeneratorOption{llm.WithMetrics(llmMetrics)}
		if s != nil {
			genOpts = append(genOpts, llm.WithObserver(s))
		}
		gen = llm.NewStructuredGenerator(provider, cfg.generatorConfig(), genOpts...)
	}

	e.classifier = classifier.New(gen, cfg.classifierConfig())
	e.builder = graph.NewBuilder(gen, cfg.builderConfig(), graph.WithMetrics(graphMetrics))

	slog.Info("ontograph: engine ready",
		"provider", cfg.Chat.Provider,
		"model", cfg.Chat.Model,
		"libraries", len(reg.Libraries()),
		"ontologies", len(reg.AllOntologies()),
		"audit", s != nil)
	return e, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = def.FailurePolicy
	}
	if cfg.CallTimeoutSec == 0 {
		cfg.CallTimeoutSec = def.CallTimeoutSec
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PageMode == "" {
		cfg.PageMode = def.PageMode
	}
	if cfg.OntologyPath == "" {
		cfg.OntologyPath = def.OntologyPath
	}
	return cfg
}

// Registry returns the ontology registry.
func (e *Engine) Registry() *ontology.Registry { return e.registry }

// Store returns the audit store, or nil when auditing is disabled.
func (e *Engine) Store() *store.Store { return e.store }

// Close releases the provider and the audit store.
func (e *Engine) Close() error {
	var errs []error
	if c, ok := e.provider.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// Classify picks the library and ontology for text.
func (e *Engine) Classify(ctx context.Context, text string) (classifier.Result, error) {
	if strings.TrimSpace(text) == "" {
		return classifier.Result{}, ErrEmptyDocument
	}
	return e.classifier.Classify(ctx, text, e.registry)
}

// Extract extracts the graph of the named ontology from text, skipping
// classification.
func (e *Engine) Extract(ctx context.Context, text, ontologyName string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}
	lib, err := e.registry.Library(ontologyName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOntology, ontologyName)
	}
	doc := describeText("text", "", 0, text)
	cls := classifier.Result{Library: lib, Ontology: ontologyName}
	return e.audited(ctx, doc, func(ctx context.Context) (*Result, error) {
		return e.extract(ctx, text, cls)
	})
}

// Run classifies text and, when an ontology matches, extracts its graph.
// A document that matches nothing is a StatusNoMatch result, not an error.
func (e *Engine) Run(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}
	return e.run(ctx, text, describeText("text", "", 0, text))
}

// RunFile parses the file at path and runs it.
func (e *Engine) RunFile(ctx context.Context, path string) (*Result, error) {
	text, doc, err := e.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, text, doc)
}

// ParseFile turns a document file into text using the configured page mode.
func (e *Engine) ParseFile(ctx context.Context, path string) (string, *Document, error) {
	format := parser.FormatOf(path)
	p, err := e.parsers.Get(format)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	start := time.Now()
	parsed, err := p.Parse(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	text := parsed.Text(e.pageMode)
	if strings.TrimSpace(text) == "" {
		return "", nil, fmt.Errorf("%w: %s", ErrEmptyDocument, filepath.Base(path))
	}

	slog.Info("ontograph: document parsed",
		"path", path,
		"format", format,
		"sections", len(parsed.Sections),
		"pages", parsed.Pages,
		"chars", len(text),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return text, describeText(path, format, parsed.Pages, text), nil
}

func (e *Engine) run(ctx context.Context, text string, doc *Document) (*Result, error) {
	return e.audited(ctx, doc, func(ctx context.Context) (*Result, error) {
		cls, err := e.classifier.Classify(ctx, text, e.registry)
		if err != nil {
			return nil, fmt.Errorf("classifying: %w", err)
		}
		if !cls.Matched() {
			slog.Info("ontograph: no ontology matched",
				"library", cls.Library,
				"score", cls.Score,
				"threshold", e.classifier.Threshold())
			return &Result{Status: StatusNoMatch, Classification: cls}, nil
		}
		return e.extract(ctx, text, cls)
	})
}

func (e *Engine) extract(ctx context.Context, text string, cls classifier.Result) (*Result, error) {
	nodeTypes, err := e.registry.NodeTypes(cls.Ontology)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOntology, cls.Ontology)
	}
	relationTypes, err := e.registry.RelationTypes(cls.Ontology)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOntology, cls.Ontology)
	}

	g, err := e.builder.Extract(ctx, text, nodeTypes, relationTypes, cls.Ontology)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", cls.Ontology, err)
	}

	res := &Result{
		Status:         StatusExtracted,
		Classification: cls,
		Nodes:          g.Nodes,
		Relations:      g.Relations,
		Failures:       g.Failures,
		Unsupported:    checkReferences(text, g.Nodes),
	}
	for _, u := range res.Unsupported {
		slog.Warn("ontograph: reference text not found in document",
			"node", u.NodeID, "type", u.NodeType, "reference", u.ReferenceText)
	}
	return res, nil
}

// audited runs fn under a fresh run ID and records the run in the audit
// store when one is configured.
func (e *Engine) audited(ctx context.Context, doc *Document, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	runID := uuid.NewString()
	start := time.Now()
	if e.store != nil {
		ctx = store.WithRun(ctx, runID)
		if err := e.store.BeginRun(ctx, store.Run{
			ID: runID, Source: doc.Source, Format: doc.Format, ContentHash: doc.ContentHash,
		}); err != nil {
			slog.Warn("ontograph: audit begin failed", "run_id", runID, "error", err)
		}
	}

	res, err := fn(ctx)
	if res != nil {
		res.RunID = runID
		res.Document = doc
	}

	if e.store != nil {
		e.finishAudit(ctx, runID, res, err)
	}

	if err != nil {
		slog.Error("ontograph: run failed", "run_id", runID, "source", doc.Source,
			"error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil, err
	}
	slog.Info("ontograph: run complete",
		"run_id", runID,
		"status", res.Status,
		"ontology", res.Classification.Ontology,
		"nodes", len(res.Nodes),
		"relations", len(res.Relations),
		"failures", len(res.Failures),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (e *Engine) finishAudit(ctx context.Context, runID string, res *Result, runErr error) {
	out := store.RunOutcome{Status: store.StatusFailed, Err: runErr}
	if runErr == nil {
		out.Status = string(res.Status)
		out.Library = res.Classification.Library
		out.Ontology = res.Classification.Ontology
		out.Score = res.Classification.Score
		out.NodeCount = len(res.Nodes)
		out.RelationCount = len(res.Relations)
		out.FailureCount = len(res.Failures)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.FinishRun(wctx, runID, out); err != nil {
		slog.Warn("ontograph: audit finish failed", "run_id", runID, "error", err)
	}
}

func describeText(source, format string, pages int, text string) *Document {
	sum := sha256.Sum256([]byte(text))
	return &Document{
		Source:      source,
		Format:      format,
		Pages:       pages,
		Chars:       len([]rune(text)),
		ContentHash: hex.EncodeToString(sum[:]),
	}
}
