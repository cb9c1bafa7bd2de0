// Package classifier narrows a document to one ontology with two
// constrained-choice generation calls: first the library, then an ontology
// inside it. Low confidence at either stage yields UNKNOWN, which is a
// result, not an error.
package classifier

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

// Unknown is the choice meaning no option fits.
const Unknown = ontology.Unknown

// DefaultThreshold is the minimum library score for the ontology stage to run.
const DefaultThreshold = 50

// Stage labels for generation calls.
const (
	StageLibrary  = "classify_library"
	StageOntology = "classify_ontology"
)

// Catalog is the registry view the classifier needs.
type Catalog interface {
	Libraries() []string
	Ontologies(library string) ([]string, error)
}

// describer is implemented by catalogs that can describe their ontologies.
type describer interface {
	Describe(library string) (map[string]string, error)
}

// Result is the outcome of a classification.
type Result struct {
	Library          string `json:"library"`
	Ontology         string `json:"ontology"`
	LibraryScore     int    `json:"library_score"`
	OntologyScore    int    `json:"ontology_score,omitempty"`
	Score            int    `json:"score"`
	Rationale        string `json:"rationale"`
	LibraryRationale string `json:"library_rationale,omitempty"`
}

// Matched reports whether an ontology was resolved.
func (r Result) Matched() bool {
	return r.Ontology != "" && r.Ontology != Unknown
}

// Config tunes the classifier.
type Config struct {
	// Threshold is the minimum accepted score; zero means DefaultThreshold.
	Threshold int `json:"threshold" yaml:"threshold"`
	// MaxTextChars truncates the document sent to the model. Zero sends all.
	MaxTextChars int `json:"max_text_chars" yaml:"max_text_chars"`
	// Language is the language the rationale should be written in.
	Language string `json:"language" yaml:"language"`
	// Instructions replaces the default system instruction preamble.
	Instructions string `json:"instructions" yaml:"instructions"`
}

// Classifier runs the two-stage classification. It is safe for concurrent use.
type Classifier struct {
	gen llm.Generator
	cfg Config
}

// New creates a Classifier.
func New(gen llm.Generator, cfg Config) *Classifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Classifier{gen: gen, cfg: cfg}
}

// Threshold returns the effective acceptance threshold.
func (c *Classifier) Threshold() int { return c.cfg.Threshold }

type choice struct {
	Choice    string `json:"choice"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
}

// Classify picks a library and then an ontology for text. Generation
// failures are returned as errors; there is no retry beyond the generator's
// own call policy.
func (c *Classifier) Classify(ctx context.Context, text string, cat Catalog) (Result, error) {
	start := time.Now()
	unknown := Result{Library: Unknown, Ontology: Unknown}

	libraries := cat.Libraries()
	if len(libraries) == 0 {
		slog.Info("classifier: empty catalog, skipping")
		return unknown, nil
	}

	text = c.truncate(text)

	lib, err := c.choose(llm.WithStage(ctx, StageLibrary), text, "document library", libraries, nil)
	if err != nil {
		return Result{}, fmt.Errorf("classifying library: %w", err)
	}
	slog.Info("classifier: library stage",
		"choice", lib.Choice,
		"score", lib.Score,
	)

	if lib.Choice == Unknown || lib.Score < c.cfg.Threshold {
		unknown.LibraryScore = lib.Score
		unknown.Score = lib.Score
		unknown.Rationale = lib.Rationale
		unknown.LibraryRationale = lib.Rationale
		return unknown, nil
	}

	result := Result{
		Library:          lib.Choice,
		Ontology:         Unknown,
		LibraryScore:     lib.Score,
		Score:            lib.Score,
		Rationale:        lib.Rationale,
		LibraryRationale: lib.Rationale,
	}

	ontologies, err := cat.Ontologies(lib.Choice)
	if err != nil {
		return Result{}, fmt.Errorf("listing ontologies of %q: %w", lib.Choice, err)
	}
	if len(ontologies) == 0 {
		slog.Info("classifier: library has no ontologies", "library", lib.Choice)
		return result, nil
	}

	var descriptions map[string]string
	if d, ok := cat.(describer); ok {
		if descriptions, err = d.Describe(lib.Choice); err != nil {
			return Result{}, fmt.Errorf("describing ontologies of %q: %w", lib.Choice, err)
		}
	}

	ont, err := c.choose(llm.WithStage(ctx, StageOntology), text, "ontology within the "+lib.Choice+" library", ontologies, descriptions)
	if err != nil {
		return Result{}, fmt.Errorf("classifying ontology: %w", err)
	}

	result.OntologyScore = ont.Score
	result.Rationale = ont.Rationale
	result.Score = min(lib.Score, ont.Score)
	if ont.Choice != Unknown {
		result.Ontology = ont.Choice
	}

	slog.Info("classifier: complete",
		"library", result.Library,
		"ontology", result.Ontology,
		"score", result.Score,
		"elapsed", time.Since(start),
	)
	return result, nil
}

func (c *Classifier) choose(ctx context.Context, text, subject string, options []string, descriptions map[string]string) (choice, error) {
	choices := append(slices.Clone(options), Unknown)
	schema := llm.Object("Classification of the document.").
		Property("choice", llm.Enum("The single best matching "+subject+", or "+Unknown+" if none fits.", choices...), true).
		Property("score", llm.Integer("How confident the choice is, from 0 (not at all) to 100 (certain).", 0, 100), true).
		Property("rationale", llm.String("Why the document belongs to the chosen option."), true)

	raw, err := c.gen.Generate(ctx, c.systemPrompt(subject, options, descriptions), text, schema)
	if err != nil {
		return choice{}, err
	}

	var out choice
	if err := json.Unmarshal(raw, &out); err != nil {
		return choice{}, fmt.Errorf("%w: decoding choice: %v", llm.ErrSchemaMismatch, err)
	}
	if !slices.Contains(choices, out.Choice) {
		return choice{}, fmt.Errorf("%w: choice %q is not one of %v", llm.ErrSchemaMismatch, out.Choice, choices)
	}
	if out.Score < 0 || out.Score > 100 {
		return choice{}, fmt.Errorf("%w: score %d outside [0,100]", llm.ErrSchemaMismatch, out.Score)
	}
	return out, nil
}

func (c *Classifier) systemPrompt(subject string, options []string, descriptions map[string]string) string {
	var sb strings.Builder
	if c.cfg.Instructions != "" {
		sb.WriteString(c.cfg.Instructions)
	} else {
		sb.WriteString("You are a document classification expert. The user message is a document. ")
		sb.WriteString("Pick the single " + subject + " it belongs to from the options below and score your confidence from 0 to 100, ")
		sb.WriteString("where 100 is the maximum and 0 the minimum. Give a detailed, well-founded rationale for the score.")
	}
	sb.WriteString("\n\nOptions:\n")
	for _, o := range options {
		sb.WriteString("- " + o)
		if d := descriptions[o]; d != "" {
			sb.WriteString(": " + d)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("- " + Unknown + ": none of the above fits\n")
	if c.cfg.Language != "" {
		sb.WriteString("\nWrite the rationale in " + c.cfg.Language + ".")
	}
	return sb.String()
}

func (c *Classifier) truncate(text string) string {
	if c.cfg.MaxTextChars <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= c.cfg.MaxTextChars {
		return text
	}
	return string(r[:c.cfg.MaxTextChars])
}
