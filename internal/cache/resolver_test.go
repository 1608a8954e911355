package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolodex/internal/domain/usage"
	"rolodex/pkg/errors"
)

// fakeStore is an in-memory Store with injectable failures
type fakeStore struct {
	data     map[string][]byte
	ttls     map[string]time.Duration
	getErr   error
	setErr   error
	getCalls int
	setCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

var errFakeMiss = errors.New("cache miss")

func (s *fakeStore) GetJSON(ctx context.Context, key string, dest interface{}) error {
	s.getCalls++
	if s.getErr != nil {
		return s.getErr
	}
	raw, ok := s.data[key]
	if !ok {
		return errFakeMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *fakeStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.data[key] = raw
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.ttls[key], nil
}

func fakeIsMiss(err error) bool {
	return err == errFakeMiss
}

func allowAll(ctx context.Context, estimated decimal.Decimal) (usage.BudgetDecision, error) {
	return usage.BudgetDecision{CanAfford: true}, nil
}

func TestResolve_StaticHitSkipsEverything(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, fakeIsMiss)

	generated := false
	outcome, err := Resolve(context.Background(), resolver, Request[[]string]{
		Static: func() ([]string, bool) {
			return []string{"executive", "leadership"}, true
		},
		Key:   "tags:abc",
		Check: allowAll,
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			generated = true
			return nil, decimal.Zero, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, SourceStatic, outcome.Source)
	assert.Equal(t, []string{"executive", "leadership"}, outcome.Value)
	assert.True(t, outcome.Cost.IsZero())
	assert.False(t, generated)
	assert.Equal(t, 0, store.getCalls)
}

func TestResolve_CacheHitIsFree(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, fakeIsMiss)

	require.NoError(t, store.SetJSON(context.Background(), "tags:abc",
		cacheEnvelope[[]string]{Value: []string{"cached"}, CachedAt: time.Now()}, time.Hour))

	generated := false
	outcome, err := Resolve(context.Background(), resolver, Request[[]string]{
		Key:   "tags:abc",
		Check: allowAll,
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			generated = true
			return nil, decimal.Zero, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, SourceCache, outcome.Source)
	assert.Equal(t, []string{"cached"}, outcome.Value)
	assert.True(t, outcome.Cost.IsZero())
	assert.Equal(t, time.Hour, outcome.TTLRemaining)
	assert.False(t, generated)
}

func TestResolve_MissGeneratesAndCaches(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, fakeIsMiss)

	cost := decimal.RequireFromString("0.0003")
	outcome, err := Resolve(context.Background(), resolver, Request[[]string]{
		Key:   "tags:abc",
		TTL:   time.Hour,
		Check: allowAll,
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			return []string{"generated"}, cost, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, outcome.Source)
	assert.True(t, outcome.Cost.Equal(cost))
	assert.Equal(t, 1, store.setCalls)

	// second resolve hits the cache
	outcome, err = Resolve(context.Background(), resolver, Request[[]string]{
		Key:   "tags:abc",
		Check: allowAll,
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			t.Fatal("generator must not run on cache hit")
			return nil, decimal.Zero, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, outcome.Source)
	assert.Equal(t, []string{"generated"}, outcome.Value)
}

func TestResolve_BudgetDeniedNeverInvokesGenerator(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, fakeIsMiss)

	generated := false
	outcome, err := Resolve(context.Background(), resolver, Request[[]string]{
		Key:           "tags:abc",
		EstimatedCost: decimal.RequireFromString("0.10"),
		Check: func(ctx context.Context, estimated decimal.Decimal) (usage.BudgetDecision, error) {
			return usage.BudgetDecision{CanAfford: false, Reason: usage.ReasonBudgetExceeded}, nil
		},
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			generated = true
			return nil, decimal.Zero, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, SourceSkipped, outcome.Source)
	assert.Equal(t, usage.ReasonBudgetExceeded, outcome.SkipReason)
	assert.True(t, outcome.Cost.IsZero())
	assert.Nil(t, outcome.Value)
	assert.False(t, generated)
	assert.Equal(t, 0, store.setCalls)
}

func TestResolve_CacheReadFailureFallsThrough(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	resolver := NewResolver(store, fakeIsMiss)

	outcome, err := Resolve(context.Background(), resolver, Request[[]string]{
		Key:   "tags:abc",
		Check: allowAll,
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			return []string{"generated"}, decimal.Zero, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, outcome.Source)
}

func TestResolve_CacheWriteFailureDoesNotFail(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("connection refused")
	resolver := NewResolver(store, fakeIsMiss)

	outcome, err := Resolve(context.Background(), resolver, Request[[]string]{
		Key:   "tags:abc",
		Check: allowAll,
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			return []string{"generated"}, decimal.Zero, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, outcome.Source)
	assert.Equal(t, []string{"generated"}, outcome.Value)
}

func TestResolve_GeneratorErrorPropagates(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, fakeIsMiss)

	_, err := Resolve(context.Background(), resolver, Request[[]string]{
		Key:   "tags:abc",
		Check: allowAll,
		Generate: func(ctx context.Context) ([]string, decimal.Decimal, error) {
			return nil, decimal.Zero, errors.Wrap(errors.ErrGeneratorFailed, "provider 500")
		},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGeneratorFailed))
	assert.Equal(t, 0, store.setCalls)
}

func TestResolve_NoCheckMeansUnmetered(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store, fakeIsMiss)

	outcome, err := Resolve(context.Background(), resolver, Request[string]{
		Key: "geo:abc",
		Generate: func(ctx context.Context) (string, decimal.Decimal, error) {
			return "value", decimal.Zero, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, outcome.Source)
}
