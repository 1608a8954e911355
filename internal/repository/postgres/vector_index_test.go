package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolodex/internal/testsupport"
	"rolodex/pkg/errors"
)

// embed pads a small direction vector out to the schema's fixed dimension
func embed(seed ...float32) []float32 {
	v := make([]float32, 1536)
	copy(v, seed)
	return v
}

func TestVectorIndex_EnsureCollection_DimensionMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	index := NewVectorIndex(testDB.DB())
	ctx := context.Background()

	userID := uuid.New()
	require.NoError(t, index.EnsureCollection(ctx, userID, 1536))
	require.NoError(t, index.EnsureCollection(ctx, userID, 1536))

	err := index.EnsureCollection(ctx, userID, 8)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestVectorIndex_SearchOrdersBySimilarity(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	index := NewVectorIndex(testDB.DB())
	ctx := context.Background()

	userID := uuid.New()
	require.NoError(t, index.EnsureCollection(ctx, userID, 1536))

	near := uuid.New()
	far := uuid.New()
	require.NoError(t, index.Upsert(ctx, userID, near, embed(1),
		map[string]interface{}{"text": "near"}))
	require.NoError(t, index.Upsert(ctx, userID, far, embed(0, 1),
		map[string]interface{}{"text": "far"}))

	matches, err := index.Search(ctx, userID, embed(0.9, 0.1), 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, near, matches[0].ID)
	assert.Equal(t, "near", matches[0].Payload["text"])
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestVectorIndex_UpsertReplaces(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	index := NewVectorIndex(testDB.DB())
	ctx := context.Background()

	userID := uuid.New()
	pointID := uuid.New()
	require.NoError(t, index.EnsureCollection(ctx, userID, 1536))

	require.NoError(t, index.Upsert(ctx, userID, pointID, embed(1),
		map[string]interface{}{"text": "before"}))
	require.NoError(t, index.Upsert(ctx, userID, pointID, embed(0, 0, 1),
		map[string]interface{}{"text": "after"}))

	matches, err := index.Search(ctx, userID, embed(0, 0, 1), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "after", matches[0].Payload["text"])
}

func TestVectorIndex_SearchScopedToUser(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	index := NewVectorIndex(testDB.DB())
	ctx := context.Background()

	owner := uuid.New()
	other := uuid.New()
	require.NoError(t, index.EnsureCollection(ctx, owner, 1536))
	require.NoError(t, index.Upsert(ctx, owner, uuid.New(), embed(1), nil))

	matches, err := index.Search(ctx, other, embed(1), 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestVectorIndex_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	index := NewVectorIndex(testDB.DB())
	ctx := context.Background()

	userID := uuid.New()
	pointID := uuid.New()
	require.NoError(t, index.EnsureCollection(ctx, userID, 1536))
	require.NoError(t, index.Upsert(ctx, userID, pointID, embed(1), nil))

	require.NoError(t, index.Delete(ctx, userID, pointID))

	matches, err := index.Search(ctx, userID, embed(1), 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
