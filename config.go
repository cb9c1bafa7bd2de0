package ontograph

import (
	"fmt"
	"strings"
	"time"

	"github.com/brunobiangulo/ontograph/classifier"
	"github.com/brunobiangulo/ontograph/graph"
	"github.com/brunobiangulo/ontograph/llm"
	"github.com/brunobiangulo/ontograph/parser"
)

// Config holds all configuration for the extraction engine.
type Config struct {
	// Chat is the model endpoint used for every generation call.
	Chat LLMConfig `json:"chat" yaml:"chat" mapstructure:"chat"`

	// OntologyPath is the YAML or JSON catalog of libraries and ontologies.
	OntologyPath string `json:"ontology_path" yaml:"ontology_path" mapstructure:"ontology_path"`

	// Classification
	Threshold    int `json:"threshold" yaml:"threshold" mapstructure:"threshold"`                // Minimum library score, 1-100; 0 selects the default 50
	MaxTextChars int `json:"max_text_chars" yaml:"max_text_chars" mapstructure:"max_text_chars"` // Truncate text sent to the classifier; 0 sends all

	// Extraction
	Concurrency      int    `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`          // Max parallel generation calls (default 16)
	FailurePolicy    string `json:"failure_policy" yaml:"failure_policy" mapstructure:"failure_policy"` // isolate or fail_fast
	DocInfoType      string `json:"doc_info_type" yaml:"doc_info_type" mapstructure:"doc_info_type"`
	DocInfoAttribute string `json:"doc_info_attribute" yaml:"doc_info_attribute" mapstructure:"doc_info_attribute"`
	MaxDepth         int    `json:"max_depth" yaml:"max_depth" mapstructure:"max_depth"`

	// Language is the language rationales and free-text fields are written in.
	Language string `json:"language" yaml:"language" mapstructure:"language"`

	// Generation call policy
	CallTimeoutSec int     `json:"call_timeout_sec" yaml:"call_timeout_sec" mapstructure:"call_timeout_sec"`
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	Temperature    float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`

	// PageMode is how PDF pages are flattened: single or page.
	PageMode string `json:"page_mode" yaml:"page_mode" mapstructure:"page_mode"`

	// DBPath enables the SQLite audit log of runs and generation calls.
	// Empty disables it.
	DBPath string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, gemini-native, custom
	Model    string `json:"model" yaml:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		OntologyPath:     "ontologies.yaml",
		Threshold:        classifier.DefaultThreshold,
		Concurrency:      16,
		FailurePolicy:    string(graph.Isolate),
		DocInfoType:      graph.DefaultDocInfoType,
		DocInfoAttribute: graph.DefaultDocInfoAttribute,
		MaxDepth:         4,
		CallTimeoutSec:   90,
		MaxAttempts:      2,
		PageMode:         string(parser.ModeSingle),
	}
}

// Validate reports every invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []string
	if c.Threshold < 0 || c.Threshold > 100 {
		problems = append(problems, fmt.Sprintf("threshold %d outside 1-100 (0 selects the default)", c.Threshold))
	}
	if c.Concurrency < 0 {
		problems = append(problems, "concurrency must not be negative")
	}
	if c.FailurePolicy != "" && !graph.FailurePolicy(c.FailurePolicy).Valid() {
		problems = append(problems, fmt.Sprintf("unknown failure policy %q", c.FailurePolicy))
	}
	if _, err := parser.ParsePageMode(c.PageMode); err != nil {
		problems = append(problems, err.Error())
	}
	if c.CallTimeoutSec < 0 || c.MaxAttempts < 0 || c.MaxTokens < 0 || c.MaxTextChars < 0 {
		problems = append(problems, "timeouts, attempts and limits must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) llmConfig() llm.Config {
	return llm.Config{
		Provider: c.Chat.Provider,
		Model:    c.Chat.Model,
		BaseURL:  c.Chat.BaseURL,
		APIKey:   c.Chat.APIKey,
	}
}

func (c Config) generatorConfig() llm.GeneratorConfig {
	gc := llm.DefaultGeneratorConfig()
	if c.CallTimeoutSec > 0 {
		gc.CallTimeout = time.Duration(c.CallTimeoutSec) * time.Second
	}
	if c.MaxAttempts > 0 {
		gc.MaxAttempts = c.MaxAttempts
	}
	gc.Temperature = c.Temperature
	gc.MaxTokens = c.MaxTokens
	return gc
}

func (c Config) builderConfig() graph.Config {
	return graph.Config{
		Concurrency:      c.Concurrency,
		FailurePolicy:    graph.FailurePolicy(c.FailurePolicy),
		DocInfoType:      c.DocInfoType,
		DocInfoAttribute: c.DocInfoAttribute,
		Language:         c.Language,
		MaxDepth:         c.MaxDepth,
	}
}

func (c Config) classifierConfig() classifier.Config {
	return classifier.Config{
		Threshold:    c.Threshold,
		MaxTextChars: c.MaxTextChars,
		Language:     c.Language,
	}
}
