package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Generator produces a JSON instance of a schema from a system instruction
// and user text.
type Generator interface {
	Generate(ctx context.Context, system, user string, schema *Schema) (json.RawMessage, error)
}

// GeneratorConfig controls per-call deadlines and retries.
type GeneratorConfig struct {
	// CallTimeout bounds a single attempt. Zero disables the deadline.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
	// MaxAttempts is the total number of attempts per call.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BackoffBase is the wait before the second attempt; it doubles after that.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`
	// MaxBackoff caps the wait between attempts.
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Temperature float64       `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
}

// DefaultGeneratorConfig returns the default call policy.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		CallTimeout: 90 * time.Second,
		MaxAttempts: 2,
		BackoffBase: time.Second,
		MaxBackoff:  10 * time.Second,
	}
}

// CallRecord describes one finished Generate call.
type CallRecord struct {
	RequestID        string
	Stage            string
	Model            string
	Attempts         int
	Latency          time.Duration
	Outcome          string // ok, error, canceled
	Error            string
	PromptTokens     int
	CompletionTokens int
}

// CallObserver receives a record for every Generate call.
type CallObserver interface {
	ObserveCall(ctx context.Context, rec CallRecord)
}

type stageKey struct{}

// WithStage labels generation calls made with ctx, for logs, metrics and
// the call audit log.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFrom returns the stage label on ctx, or "unlabeled".
func StageFrom(ctx context.Context) string {
	if s, ok := ctx.Value(stageKey{}).(string); ok && s != "" {
		return s
	}
	return "unlabeled"
}

// StructuredGenerator implements Generator on top of a chat Provider. It
// asks for a schema-constrained response, extracts and validates the JSON,
// and retries transient failures. It is safe for concurrent use.
type StructuredGenerator struct {
	provider Provider
	cfg      GeneratorConfig
	metrics  *Metrics
	observer CallObserver
	sleep    func(ctx context.Context, d time.Duration) error
}

// GeneratorOption configures a StructuredGenerator.
type GeneratorOption func(*StructuredGenerator)

// WithMetrics records call counts and latency.
func WithMetrics(m *Metrics) GeneratorOption {
	return func(g *StructuredGenerator) { g.metrics = m }
}

// WithObserver sends a CallRecord for every call to o.
func WithObserver(o CallObserver) GeneratorOption {
	return func(g *StructuredGenerator) { g.observer = o }
}

// NewStructuredGenerator wraps a provider.
func NewStructuredGenerator(p Provider, cfg GeneratorConfig, opts ...GeneratorOption) *StructuredGenerator {
	def := DefaultGeneratorConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	g := &StructuredGenerator{provider: p, cfg: cfg, sleep: sleepCtx}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate implements Generator. Cancellation of ctx returns ctx.Err();
// every other failure is a *GenerationError wrapping ErrGeneration.
func (g *StructuredGenerator) Generate(ctx context.Context, system, user string, schema *Schema) (json.RawMessage, error) {
	stage := StageFrom(ctx)
	rec := CallRecord{RequestID: uuid.NewString(), Stage: stage}
	start := time.Now()

	out, err := g.generate(ctx, system, user, schema, &rec)

	rec.Latency = time.Since(start)
	switch {
	case err == nil:
		rec.Outcome = "ok"
	case ctx.Err() != nil:
		rec.Outcome = "canceled"
		rec.Error = err.Error()
	default:
		rec.Outcome = "error"
		rec.Error = err.Error()
	}
	g.metrics.observe(stage, rec.Outcome, rec.Latency)
	if g.observer != nil {
		g.observer.ObserveCall(context.WithoutCancel(ctx), rec)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("llm: generation failed",
			"stage", stage,
			"request_id", rec.RequestID,
			"attempts", rec.Attempts,
			"elapsed", rec.Latency,
			"error", err,
		)
		return nil, &GenerationError{Attempts: rec.Attempts, Err: err}
	}
	slog.Debug("llm: generation complete",
		"stage", stage,
		"request_id", rec.RequestID,
		"attempts", rec.Attempts,
		"elapsed", rec.Latency,
	)
	return out, nil
}

func (g *StructuredGenerator) generate(ctx context.Context, system, user string, schema *Schema, rec *CallRecord) (json.RawMessage, error) {
	req := ChatRequest{
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		Schema:      schema,
		SchemaName:  rec.Stage,
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		rec.Attempts = attempt
		if attempt > 1 {
			if err := g.sleep(ctx, g.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		out, err := g.attempt(ctx, req, schema, rec)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if IsFatal(err) {
			return nil, err
		}
		slog.Debug("llm: attempt failed, retrying",
			"stage", rec.Stage,
			"attempt", attempt,
			"max_attempts", g.cfg.MaxAttempts,
			"error", err,
		)
	}
	return nil, lastErr
}

func (g *StructuredGenerator) attempt(ctx context.Context, req ChatRequest, schema *Schema, rec *CallRecord) (json.RawMessage, error) {
	callCtx := ctx
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}

	resp, err := g.provider.Chat(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, NewTransientError(fmt.Errorf("call timed out after %s: %w", g.cfg.CallTimeout, err))
		}
		return nil, err
	}
	rec.Model = resp.Model
	rec.PromptTokens += resp.PromptTokens
	rec.CompletionTokens += resp.CompletionTokens

	raw := ExtractJSON(resp.Content)
	if raw == "" {
		return nil, NewTransientError(fmt.Errorf("response contains no JSON (finish_reason=%q)", resp.FinishReason))
	}
	if schema != nil {
		if err := schema.Validate([]byte(raw)); err != nil {
			return nil, NewTransientError(err)
		}
	} else if !json.Valid([]byte(raw)) {
		return nil, NewTransientError(fmt.Errorf("response is not valid JSON"))
	}
	return json.RawMessage(raw), nil
}

// backoff computes exponential backoff with +/- 25% jitter.
func (g *StructuredGenerator) backoff(retry int) time.Duration {
	d := g.cfg.BackoffBase << (retry - 1)
	if d <= 0 || d > g.cfg.MaxBackoff {
		d = g.cfg.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
