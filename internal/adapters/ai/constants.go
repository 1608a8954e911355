package ai

import "github.com/shopspring/decimal"

// ModelPricing holds published per-1K-token rates in USD.
// Prices are external configuration, not product truth; update as vendors do.
type ModelPricing struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

var modelPricing = map[string]ModelPricing{
	"gpt-4o":           {InputPer1K: dec("0.0025"), OutputPer1K: dec("0.01")},
	"gpt-4o-mini":      {InputPer1K: dec("0.00015"), OutputPer1K: dec("0.0006")},
	"gpt-4.1-mini":     {InputPer1K: dec("0.0004"), OutputPer1K: dec("0.0016")},
	"gemini-2.0-flash": {InputPer1K: dec("0.0001"), OutputPer1K: dec("0.0004")},
	"gemini-1.5-flash": {InputPer1K: dec("0.0002"), OutputPer1K: dec("0.0004")},

	// embedding models, priced on input only
	"text-embedding-3-small": {InputPer1K: dec("0.00002"), OutputPer1K: decimal.Zero},
	"text-embedding-3-large": {InputPer1K: dec("0.00013"), OutputPer1K: decimal.Zero},
}

var defaultPricing = ModelPricing{
	InputPer1K:  dec("0.001"),
	OutputPer1K: dec("0.002"),
}

// PricingFor returns the rates for a model, falling back to conservative defaults
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	return defaultPricing
}

// CalculateCost computes the actual cost from real token counts
func CalculateCost(model string, promptTokens, completionTokens int) decimal.Decimal {
	p := PricingFor(model)
	in := p.InputPer1K.Mul(decimal.NewFromInt(int64(promptTokens))).Div(decimal.NewFromInt(1000))
	out := p.OutputPer1K.Mul(decimal.NewFromInt(int64(completionTokens))).Div(decimal.NewFromInt(1000))
	return in.Add(out)
}

// estimateTokens approximates the token count of a text. Four characters per
// token is the usual rule of thumb for English-like input.
func estimateTokens(text string) int {
	n := len(text)/4 + 1
	return n
}

// expectedCompletionTokens caps the assumed response size for estimates
const expectedCompletionTokens = 256

// EstimateCallCost predicts the cost of a call from input size alone
func EstimateCallCost(model string, inputText string) decimal.Decimal {
	return CalculateCost(model, estimateTokens(inputText), expectedCompletionTokens)
}

// EmbeddingCost estimates the cost of embedding a text before the call is
// made, priced on input tokens. Recorded costs come from
// EmbeddingCostForTokens once the real count is known.
func EmbeddingCost(model string, text string) decimal.Decimal {
	return CalculateCost(model, estimateTokens(text), 0)
}

// EmbeddingCostForTokens computes the actual cost of an embedding call from
// the provider-reported token count
func EmbeddingCostForTokens(model string, tokens int) decimal.Decimal {
	return CalculateCost(model, tokens, 0)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
