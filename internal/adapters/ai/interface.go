package ai

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProviderName identifies a generator backend
type ProviderName string

const (
	ProviderNameOpenAI ProviderName = "openai"
	ProviderNameGoogle ProviderName = "google"
)

// Enhancement is the parsed output of a query enhancement call
type Enhancement struct {
	EnhancedQuery string   `json:"enhancedQuery"`
	Language      string   `json:"language"`
	Synonyms      []string `json:"synonyms"`
}

// TagResult is the parsed output of a tag generation call
type TagResult struct {
	Tags []string `json:"tags"`
}

// TokenUsage reports real token consumption and the cost computed from it
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
}

// Generator is a costed LLM-style service producing structured JSON output.
// Cost is computed from real request/response token counts, never estimated.
type Generator interface {
	// EnhanceQuery rewrites a free-form search query into a richer one
	EnhanceQuery(ctx context.Context, query string) (*Enhancement, TokenUsage, error)

	// GenerateTags produces semantic tags for the given profile text
	GenerateTags(ctx context.Context, text string) (*TagResult, TokenUsage, error)

	// EstimateCost predicts the cost of a call before making it, from input
	// size alone. Used for pre-flight affordability checks.
	EstimateCost(inputText string) decimal.Decimal

	// Name returns the provider name
	Name() ProviderName
}
