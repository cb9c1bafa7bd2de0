package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// ollamaProvider implements Provider for Ollama's native chat API.
// The native endpoint accepts a full JSON schema in its format field,
// which the OpenAI-compatible endpoint does not.
type ollamaProvider struct {
	base openAICompatClient
}

// NewOllama creates a provider for Ollama.
func NewOllama(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &ollamaProvider{base: newOpenAICompatClient(cfg)}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   any            `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *ollamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.base.cfg.Model
	}

	body := ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
	}
	switch {
	case req.Schema != nil:
		body.Format = req.Schema.JSONSchema()
	case req.ResponseFormat == "json_object":
		body.Format = "json"
	}
	opts := map[string]any{}
	if req.Temperature != 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	respBody, err := p.base.doPost(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}

	var resp ollamaChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, NewTransientError(fmt.Errorf("decoding ollama chat response: %w", err))
	}

	return &ChatResponse{
		Content:          resp.Message.Content,
		Model:            resp.Model,
		FinishReason:     resp.DoneReason,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}, nil
}
