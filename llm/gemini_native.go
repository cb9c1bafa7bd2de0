package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// geminiNativeProvider talks to Gemini through the Google SDK, which
// supports a typed response schema.
//
// API key: set via config or GEMINI_API_KEY env var.
type geminiNativeProvider struct {
	cfg    Config
	client *genai.Client
}

// NewGeminiNative creates a provider backed by the Gemini SDK. The caller
// should Close it when done.
func NewGeminiNative(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini-native: api key not set")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &geminiNativeProvider{cfg: cfg, client: client}, nil
}

// Close releases the underlying client.
func (p *geminiNativeProvider) Close() error {
	return p.client.Close()
}

func (p *geminiNativeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	name := req.Model
	if name == "" {
		name = p.cfg.Model
	}
	model := p.client.GenerativeModel(name)
	if req.Temperature != 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	switch {
	case req.Schema != nil:
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = toGenaiSchema(req.Schema)
	case req.ResponseFormat == "json_object":
		model.ResponseMIMEType = "application/json"
	}

	var system []genai.Part
	var user []genai.Part
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, genai.Text(m.Content))
			continue
		}
		user = append(user, genai.Text(m.Content))
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: system}
	}

	resp, err := model.GenerateContent(ctx, user...)
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return nil, NewFatalError(fmt.Errorf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReason))
		}
		return nil, NewTransientError(fmt.Errorf("no candidates in response"))
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}

	out := &ChatResponse{
		Content:      sb.String(),
		Model:        name,
		FinishReason: cand.FinishReason.String(),
	}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

func classifyGoogleError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return NewTransientError(err)
		}
		return NewFatalError(err)
	}
	return NewTransientError(err)
}

// toGenaiSchema converts a Schema to the SDK form. The SDK has no anyOf;
// alternatives of object type are merged into one object whose fields are
// all optional, which keeps a node_type discriminator usable.
func toGenaiSchema(s *Schema) *genai.Schema {
	if len(s.AnyOf) > 0 {
		merged := &genai.Schema{
			Type:        genai.TypeObject,
			Description: s.Description,
			Nullable:    s.Nullable,
			Properties:  map[string]*genai.Schema{},
		}
		for _, alt := range s.AnyOf {
			for _, name := range alt.PropertyNames() {
				prop := toGenaiSchema(alt.Properties[name])
				if existing, ok := merged.Properties[name]; ok && len(existing.Enum) > 0 && len(prop.Enum) > 0 {
					for _, e := range prop.Enum {
						if !slices.Contains(existing.Enum, e) {
							existing.Enum = append(existing.Enum, e)
						}
					}
					continue
				}
				merged.Properties[name] = prop
			}
		}
		return merged
	}

	out := &genai.Schema{
		Description: s.Description,
		Nullable:    s.Nullable,
		Enum:        slices.Clone(s.Enum),
		Required:    slices.Clone(s.Required),
	}
	switch s.Type {
	case TypeObject:
		out.Type = genai.TypeObject
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = toGenaiSchema(p)
		}
	case TypeArray:
		out.Type = genai.TypeArray
		if s.Items != nil {
			out.Items = toGenaiSchema(s.Items)
		}
	case TypeString:
		out.Type = genai.TypeString
		if len(out.Enum) > 0 {
			out.Format = "enum"
		}
	case TypeNumber:
		out.Type = genai.TypeNumber
	case TypeInteger:
		out.Type = genai.TypeInteger
	case TypeBoolean:
		out.Type = genai.TypeBoolean
	}
	return out
}
