package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"rolodex/internal/domain/usage"
	"rolodex/pkg/logger"
)

// Source identifies which tier produced a resolved value
type Source string

const (
	SourceStatic    Source = "static"
	SourceCache     Source = "cache"
	SourceGenerated Source = "generated"
	SourceSkipped   Source = "skipped"
)

// Store is the ephemeral cache behind the resolver. Backed by Redis in
// production; faked in tests.
type Store interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Outcome is the result of a tiered lookup
type Outcome[T any] struct {
	Value        T
	Source       Source
	Cost         decimal.Decimal
	TTLRemaining time.Duration
	SkipReason   string
	Decision     usage.BudgetDecision
}

// Request describes one tiered lookup
type Request[T any] struct {
	// Static consults the zero-cost lookup table. Optional.
	Static func() (T, bool)

	// Key is the content-derived cache key
	Key string

	// TTL applied when caching a freshly generated value
	TTL time.Duration

	// EstimatedCost is the predicted generator cost for the pre-flight check
	EstimatedCost decimal.Decimal

	// Check asks the ledger whether the estimated spend is affordable
	Check func(ctx context.Context, estimated decimal.Decimal) (usage.BudgetDecision, error)

	// Generate invokes the costed external generator. The returned cost is
	// computed from real input/output size, not the estimate.
	Generate func(ctx context.Context) (T, decimal.Decimal, error)
}

// cacheEnvelope wraps cached values with their write time
type cacheEnvelope[T any] struct {
	Value    T         `json:"value"`
	CachedAt time.Time `json:"cachedAt"`
}

// Resolver performs the 3-tier lookup shared by every enrichment stage:
// static table, ephemeral cache, costed generator.
type Resolver struct {
	store  Store
	isMiss func(error) bool
	log    *logger.Logger
}

// NewResolver creates a tiered resolver over the given cache store. isMiss
// distinguishes a clean cache miss from a real backend error.
func NewResolver(store Store, isMiss func(error) bool) *Resolver {
	if isMiss == nil {
		isMiss = func(error) bool { return false }
	}
	return &Resolver{
		store:  store,
		isMiss: isMiss,
		log:    logger.Get().With("component", "tiered_resolver"),
	}
}

// Resolve runs the tiered lookup.
//
// Cache failures are logged and treated as misses: caching is an
// optimization, never a correctness dependency. Generator failures propagate
// so callers can apply their own stage fallback. An unaffordable generator
// call is never made; the outcome reports the skip reason instead.
func Resolve[T any](ctx context.Context, r *Resolver, req Request[T]) (Outcome[T], error) {
	// Tier 1: static table, zero cost, always allowed
	if req.Static != nil {
		if value, ok := req.Static(); ok {
			return Outcome[T]{Value: value, Source: SourceStatic, Cost: decimal.Zero}, nil
		}
	}

	// Tier 2: ephemeral cache by content-derived key
	if req.Key != "" && r.store != nil {
		var envelope cacheEnvelope[T]
		err := r.store.GetJSON(ctx, req.Key, &envelope)
		switch {
		case err == nil:
			ttl, ttlErr := r.store.TTL(ctx, req.Key)
			if ttlErr != nil {
				ttl = 0
			}
			return Outcome[T]{
				Value:        envelope.Value,
				Source:       SourceCache,
				Cost:         decimal.Zero,
				TTLRemaining: ttl,
			}, nil
		case r.isMiss(err):
			// fall through to the generator
		default:
			r.log.Warnw("cache read failed, treating as miss", "key", req.Key, "error", err)
		}
	}

	// Tier 3: costed generator, gated by affordability
	var decision usage.BudgetDecision
	if req.Check != nil {
		var err error
		decision, err = req.Check(ctx, req.EstimatedCost)
		if err != nil {
			return Outcome[T]{}, err
		}
		if !decision.CanAfford {
			var zero T
			return Outcome[T]{
				Value:      zero,
				Source:     SourceSkipped,
				Cost:       decimal.Zero,
				SkipReason: decision.Reason,
				Decision:   decision,
			}, nil
		}
	}

	value, cost, err := req.Generate(ctx)
	if err != nil {
		return Outcome[T]{}, err
	}

	if req.Key != "" && r.store != nil {
		envelope := cacheEnvelope[T]{Value: value, CachedAt: time.Now().UTC()}
		if err := r.store.SetJSON(ctx, req.Key, envelope, req.TTL); err != nil {
			r.log.Warnw("cache write failed, continuing", "key", req.Key, "error", err)
		}
	}

	return Outcome[T]{
		Value:    value,
		Source:   SourceGenerated,
		Cost:     cost,
		Decision: decision,
	}, nil
}
