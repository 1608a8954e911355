package embeddings

import (
	"rolodex/internal/adapters/config"
	"rolodex/pkg/errors"
)

// ProviderType defines supported embedding providers
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
)

// NewProvider creates an embedding provider based on config
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch ProviderType(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.Timeout, cfg.BatchSize, cfg.BatchDelay)

	default:
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"unsupported embedding provider: %s", cfg.Provider)
	}
}
