package embeddings

import "context"

// Provider defines the interface for embedding generation services
type Provider interface {
	// GenerateEmbedding creates a vector embedding for a single text. The
	// second return is the provider-reported token count for the input, used
	// to compute the actual cost of the call.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, int, error)

	// GenerateBatchEmbeddings creates embeddings for multiple texts. Inputs
	// are chunked by the configured batch size with a delay between chunks.
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings produced by this provider
	Dimensions() int

	// Name returns the model name used for this provider
	Name() string
}
