package vector

import (
	"context"

	"github.com/google/uuid"
)

// Match is one similarity search hit
type Match struct {
	ID      uuid.UUID
	Score   float64 // cosine similarity, higher is closer
	Payload map[string]interface{}
}

// Index is the per-user vector similarity index.
// Collections are keyed by owner; the index algorithm is a backend concern.
type Index interface {
	// EnsureCollection makes sure the user's collection exists with the given
	// dimension. Safe to call repeatedly and concurrently.
	EnsureCollection(ctx context.Context, userID uuid.UUID, dimension int) error

	// Upsert inserts or replaces a point in the user's collection
	Upsert(ctx context.Context, userID, pointID uuid.UUID, embedding []float32, payload map[string]interface{}) error

	// Search returns the closest points to the embedding, best first
	Search(ctx context.Context, userID uuid.UUID, embedding []float32, limit int) ([]Match, error)

	// Delete removes a point from the user's collection
	Delete(ctx context.Context, userID, pointID uuid.UUID) error
}
