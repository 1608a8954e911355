package ai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Structured output schemas keep the model from drifting into prose.

var enhancementSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"enhancedQuery": {Type: genai.TypeString},
		"language":      {Type: genai.TypeString},
		"synonyms": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"enhancedQuery", "language"},
}

var tagSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"tags": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"tags"},
}

// Compile-time check
var _ Generator = (*GeminiGenerator)(nil)

// GeminiGenerator implements Generator using the Google GenAI SDK
type GeminiGenerator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

// NewGeminiGenerator creates a Gemini-backed generator
func NewGeminiGenerator(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create genai client")
	}

	return &GeminiGenerator{
		client:  client,
		model:   model,
		timeout: timeout,
		log:     logger.Get().With("component", "gemini_generator", "model", model),
	}, nil
}

// EnhanceQuery rewrites a search query into an expanded form
func (g *GeminiGenerator) EnhanceQuery(ctx context.Context, query string) (*Enhancement, TokenUsage, error) {
	var enhancement Enhancement
	tu, err := g.generateJSON(ctx, enhanceSystemPrompt, query, enhancementSchema, &enhancement)
	if err != nil {
		return nil, tu, err
	}
	if enhancement.EnhancedQuery == "" {
		return nil, tu, errors.Wrapf(errors.ErrGeneratorFailed, "empty enhanced query")
	}
	return &enhancement, tu, nil
}

// GenerateTags produces semantic tags for profile text
func (g *GeminiGenerator) GenerateTags(ctx context.Context, text string) (*TagResult, TokenUsage, error) {
	var result TagResult
	tu, err := g.generateJSON(ctx, tagSystemPrompt, text, tagSchema, &result)
	if err != nil {
		return nil, tu, err
	}
	return &result, tu, nil
}

// EstimateCost predicts call cost from input size alone
func (g *GeminiGenerator) EstimateCost(inputText string) decimal.Decimal {
	return EstimateCallCost(g.model, inputText)
}

// Name returns the provider name
func (g *GeminiGenerator) Name() ProviderName {
	return ProviderNameGoogle
}

func (g *GeminiGenerator) generateJSON(ctx context.Context, system, user string, schema *genai.Schema, dest interface{}) (TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(user),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			ResponseSchema:    schema,
		},
	)
	if err != nil {
		return TokenUsage{}, errors.Wrap(err, "gemini API call failed")
	}

	var tu TokenUsage
	if resp.UsageMetadata != nil {
		tu.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		tu.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	tu.Cost = CalculateCost(g.model, tu.PromptTokens, tu.CompletionTokens)

	text := resp.Text()
	if text == "" {
		return tu, errors.Wrapf(errors.ErrGeneratorFailed, "empty response")
	}

	if err := json.Unmarshal([]byte(text), dest); err != nil {
		return tu, errors.Wrapf(errors.ErrGeneratorFailed, "malformed JSON output: %v", err)
	}

	g.log.Debugw("generator call completed",
		"prompt_tokens", tu.PromptTokens,
		"completion_tokens", tu.CompletionTokens,
		"cost_usd", tu.Cost.StringFixed(6),
	)

	return tu, nil
}
