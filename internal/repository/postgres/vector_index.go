package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"rolodex/internal/domain/vector"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Compile-time check
var _ vector.Index = (*VectorIndex)(nil)

// VectorIndex implements vector.Index on pgvector with per-user collections.
//
// Known collections are remembered in a per-process set so the common path
// skips the existence query. The set is eventually consistent: a miss falls
// through to the backing store.
type VectorIndex struct {
	db    *sqlx.DB
	log   *logger.Logger
	known sync.Map // userID string -> dimension int
}

// NewVectorIndex creates a pgvector-backed similarity index
func NewVectorIndex(db *sqlx.DB) *VectorIndex {
	return &VectorIndex{
		db:  db,
		log: logger.Get().With("component", "vector_index"),
	}
}

// EnsureCollection registers the user's collection with the given dimension.
// Safe to call repeatedly and concurrently.
func (x *VectorIndex) EnsureCollection(ctx context.Context, userID uuid.UUID, dimension int) error {
	if dim, ok := x.known.Load(userID.String()); ok {
		if dim.(int) != dimension {
			return errors.Wrapf(errors.ErrDimensionMismatch,
				"collection for user %s has dimension %d, got %d", userID, dim, dimension)
		}
		return nil
	}

	var stored int
	err := x.db.GetContext(ctx, &stored, `
		SELECT dimension FROM vector_collections WHERE user_id = $1`, userID)
	switch {
	case err == sql.ErrNoRows:
		_, err = x.db.ExecContext(ctx, `
			INSERT INTO vector_collections (user_id, dimension, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO NOTHING`, userID, dimension)
		if err != nil {
			return errors.Wrap(err, "failed to create collection")
		}
		stored = dimension
	case err != nil:
		return errors.Wrap(err, "failed to check collection")
	}

	if stored != dimension {
		return errors.Wrapf(errors.ErrDimensionMismatch,
			"collection for user %s has dimension %d, got %d", userID, stored, dimension)
	}

	x.known.Store(userID.String(), stored)
	return nil
}

// Upsert inserts or replaces a point in the user's collection
func (x *VectorIndex) Upsert(ctx context.Context, userID, pointID uuid.UUID, embedding []float32, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	query := `
		INSERT INTO contact_vectors (user_id, point_id, embedding, payload, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, point_id) DO UPDATE SET
			embedding  = EXCLUDED.embedding,
			payload    = EXCLUDED.payload,
			updated_at = NOW()`

	_, err = x.db.ExecContext(ctx, query, userID, pointID, pgvector.NewVector(embedding), payloadJSON)
	if err != nil {
		return errors.Wrap(err, "failed to upsert vector")
	}

	return nil
}

// Search returns the closest points by cosine similarity, best first
func (x *VectorIndex) Search(ctx context.Context, userID uuid.UUID, embedding []float32, limit int) ([]vector.Match, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := x.db.QueryxContext(ctx, `
		SELECT point_id, 1 - (embedding <=> $2) AS score, payload
		FROM contact_vectors
		WHERE user_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		userID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search vectors")
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var m vector.Match
		var payloadJSON []byte
		if err := rows.Scan(&m.ID, &m.Score, &payloadJSON); err != nil {
			return nil, errors.Wrap(err, "failed to scan match")
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &m.Payload); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal payload")
			}
		}
		matches = append(matches, m)
	}

	return matches, rows.Err()
}

// Delete removes a point from the user's collection
func (x *VectorIndex) Delete(ctx context.Context, userID, pointID uuid.UUID) error {
	_, err := x.db.ExecContext(ctx, `
		DELETE FROM contact_vectors WHERE user_id = $1 AND point_id = $2`, userID, pointID)
	if err != nil {
		return errors.Wrap(err, "failed to delete vector")
	}

	return nil
}
