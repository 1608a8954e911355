package embeddings

import (
	"context"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// OpenAIProvider implements embedding generation using the official OpenAI Go SDK
type OpenAIProvider struct {
	client     openai.Client
	model      openai.EmbeddingModel
	dimensions int
	timeout    time.Duration
	batchSize  int
	limiter    *rate.Limiter // spaces out consecutive batch calls
	log        *logger.Logger
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(apiKey, model string, timeout time.Duration, batchSize int, batchDelay time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "openai API key is required")
	}

	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if batchDelay <= 0 {
		batchDelay = 100 * time.Millisecond
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &OpenAIProvider{
		client:     client,
		model:      openai.EmbeddingModel(model),
		dimensions: getDimensions(model),
		timeout:    timeout,
		batchSize:  batchSize,
		limiter:    rate.NewLimiter(rate.Every(batchDelay), 1),
		log:        logger.Get().With("component", "openai_embeddings", "model", model),
	}, nil
}

// GenerateEmbedding creates a vector embedding for the given text and
// reports the tokens the provider actually billed for it
func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, int, error) {
	if text == "" {
		return nil, 0, errors.Wrapf(errors.ErrInvalidInput, "text cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	response, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		Model: p.model,
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "openai API call failed")
	}

	if len(response.Data) == 0 {
		return nil, 0, errors.Wrapf(errors.ErrInternal, "no embedding data returned")
	}

	result := toFloat32(response.Data[0].Embedding)
	tokens := int(response.Usage.TotalTokens)

	p.log.Debugw("generated embedding",
		"text_length", len(text),
		"embedding_dims", len(result),
		"tokens_used", tokens)

	return result, tokens, nil
}

// GenerateBatchEmbeddings creates embeddings for multiple texts, chunked by
// the configured batch size with a rate-limited delay between chunks.
func (p *OpenAIProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "texts cannot be empty")
	}

	embeddings := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "batch delay interrupted")
		}

		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	return embeddings, nil
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	response, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: p.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "openai batch API call failed")
	}

	if len(response.Data) != len(texts) {
		return nil, errors.Wrapf(errors.ErrInternal, "expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	embeddings := make([][]float32, len(response.Data))
	for i, data := range response.Data {
		embeddings[i] = toFloat32(data.Embedding)
	}

	p.log.Debugw("generated batch embeddings",
		"batch_size", len(texts),
		"tokens_used", response.Usage.TotalTokens)

	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Name returns the model name. Used to tag indexed vectors so embeddings from
// different models never mix in one collection.
func (p *OpenAIProvider) Name() string {
	return string(p.model)
}

func toFloat32(embedding []float64) []float32 {
	result := make([]float32, len(embedding))
	for i, v := range embedding {
		result[i] = float32(v)
	}
	return result
}

func getDimensions(model string) int {
	switch model {
	case openai.EmbeddingModelTextEmbedding3Small:
		return 1536
	case openai.EmbeddingModelTextEmbedding3Large:
		return 3072
	case openai.EmbeddingModelTextEmbeddingAda002:
		return 1536
	default:
		return 1536
	}
}
