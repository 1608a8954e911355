package ai

import (
	"context"

	"rolodex/internal/adapters/config"
	"rolodex/pkg/errors"
)

// NewGenerator creates a generator based on the configured provider
func NewGenerator(ctx context.Context, cfg config.AIConfig) (Generator, error) {
	switch ProviderName(cfg.Provider) {
	case ProviderNameOpenAI:
		return NewOpenAIGenerator(cfg.OpenAIKey, cfg.EnhanceModel, cfg.TagModel, cfg.Timeout)

	case ProviderNameGoogle:
		return NewGeminiGenerator(ctx, cfg.GeminiKey, cfg.TagModel, cfg.Timeout)

	default:
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"unsupported AI provider: %s", cfg.Provider)
	}
}
