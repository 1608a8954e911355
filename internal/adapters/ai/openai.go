package ai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/shopspring/decimal"

	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

const enhanceSystemPrompt = `You rewrite contact-search queries. Respond with JSON:
{"enhancedQuery": "<expanded query with synonyms and related terms>",
 "language": "<ISO 639-2 code of the query language>",
 "synonyms": ["<alternative phrasings>"]}`

const tagSystemPrompt = `You generate semantic tags for contact profiles. Given a
profile, respond with JSON: {"tags": ["<lowercase tag>", ...]}. Produce 3-8 tags
covering industry, seniority, skills and context. Never invent facts.`

// Compile-time check
var _ Generator = (*OpenAIGenerator)(nil)

// OpenAIGenerator implements Generator using the official OpenAI Go SDK
type OpenAIGenerator struct {
	client       openai.Client
	enhanceModel string
	tagModel     string
	timeout      time.Duration
	log          *logger.Logger
}

// NewOpenAIGenerator creates an OpenAI-backed generator
func NewOpenAIGenerator(apiKey, enhanceModel, tagModel string, timeout time.Duration) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "openai API key is required")
	}
	if enhanceModel == "" {
		enhanceModel = "gpt-4o-mini"
	}
	if tagModel == "" {
		tagModel = enhanceModel
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &OpenAIGenerator{
		client:       client,
		enhanceModel: enhanceModel,
		tagModel:     tagModel,
		timeout:      timeout,
		log:          logger.Get().With("component", "openai_generator"),
	}, nil
}

// EnhanceQuery rewrites a search query into an expanded form
func (g *OpenAIGenerator) EnhanceQuery(ctx context.Context, query string) (*Enhancement, TokenUsage, error) {
	var enhancement Enhancement
	tu, err := g.completeJSON(ctx, g.enhanceModel, enhanceSystemPrompt, query, &enhancement)
	if err != nil {
		return nil, tu, err
	}
	if enhancement.EnhancedQuery == "" {
		return nil, tu, errors.Wrapf(errors.ErrGeneratorFailed, "empty enhanced query")
	}
	return &enhancement, tu, nil
}

// GenerateTags produces semantic tags for profile text
func (g *OpenAIGenerator) GenerateTags(ctx context.Context, text string) (*TagResult, TokenUsage, error) {
	var result TagResult
	tu, err := g.completeJSON(ctx, g.tagModel, tagSystemPrompt, text, &result)
	if err != nil {
		return nil, tu, err
	}
	return &result, tu, nil
}

// EstimateCost predicts call cost from input size alone
func (g *OpenAIGenerator) EstimateCost(inputText string) decimal.Decimal {
	return EstimateCallCost(g.tagModel, inputText)
}

// Name returns the provider name
func (g *OpenAIGenerator) Name() ProviderName {
	return ProviderNameOpenAI
}

func (g *OpenAIGenerator) completeJSON(ctx context.Context, model, system, user string, dest interface{}) (TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return TokenUsage{}, errors.Wrap(err, "openai API call failed")
	}

	if len(resp.Choices) == 0 {
		return TokenUsage{}, errors.Wrapf(errors.ErrGeneratorFailed, "no choices returned")
	}

	tu := TokenUsage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	tu.Cost = CalculateCost(model, tu.PromptTokens, tu.CompletionTokens)

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), dest); err != nil {
		return tu, errors.Wrapf(errors.ErrGeneratorFailed, "malformed JSON output: %v", err)
	}

	g.log.Debugw("generator call completed",
		"model", model,
		"prompt_tokens", tu.PromptTokens,
		"completion_tokens", tu.CompletionTokens,
		"cost_usd", tu.Cost.StringFixed(6),
	)

	return tu, nil
}
