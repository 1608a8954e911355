package search

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rolodex/internal/adapters/ai"
	"rolodex/internal/cache"
	"rolodex/internal/domain/contact"
	"rolodex/internal/domain/usage"
	"rolodex/internal/domain/vector"
	"rolodex/internal/services/budget"
	"rolodex/pkg/errors"
)

// stageEnhance rewrites the query through the generator behind the tiered
// cache. Enhancement is optional: any failure falls back to the original
// query with locally detected language, and the request continues.
func (s *Service) stageEnhance(ctx context.Context, st *searchState) {
	st.enhancedQuery = st.query
	st.language = DetectLanguage(st.query)

	if !st.opts.EnhanceQuery {
		return
	}
	if deadlinePassed(ctx) {
		st.meta.Stages["enhance"] = StageReport{Skipped: true, SkipReason: "deadline_exceeded"}
		return
	}

	started := time.Now()
	estimated := s.generator.EstimateCost(st.query)

	outcome, err := cache.Resolve(ctx, s.resolver, cache.Request[ai.Enhancement]{
		Key:           s.enhanceKeys.Key(map[string]string{"query": st.query}),
		TTL:           s.cacheTTL,
		EstimatedCost: estimated,
		Check: func(ctx context.Context, est decimal.Decimal) (usage.BudgetDecision, error) {
			return s.ledger.CanAffordGeneric(ctx, st.userID, st.opts.SubscriptionLevel, usage.TypeAI, est, false)
		},
		Generate: func(ctx context.Context) (ai.Enhancement, decimal.Decimal, error) {
			enhancement, tokens, err := s.generator.EnhanceQuery(ctx, st.query)
			if err != nil {
				return ai.Enhancement{}, decimal.Zero, err
			}
			return *enhancement, tokens.Cost, nil
		},
	})

	rep := StageReport{Duration: time.Since(started), Cost: decimal.Zero}

	switch {
	case err != nil:
		// generator failure never fails the search
		s.log.Warnw("query enhancement failed, using original query", "error", err)
		rep.FallbackApplied = true
	case outcome.Source == cache.SourceSkipped:
		rep.Skipped = true
		rep.SkipReason = outcome.SkipReason
		s.reportDenied(ctx, st, FeatureEnhance, usage.TypeAI, estimated, outcome.SkipReason)
	default:
		rep.Cost = outcome.Cost
		rep.CacheSource = outcome.Source
		if outcome.Value.EnhancedQuery != "" {
			st.enhancedQuery = outcome.Value.EnhancedQuery
		}
		if outcome.Value.Language != "" {
			st.language = outcome.Value.Language
		}
	}

	s.report(ctx, st, "enhance", FeatureEnhance, rep, budget.RecordParams{
		UsageType: usage.TypeAI,
		Provider:  string(s.generator.Name()),
		Metadata:  usage.Metadata{"query_length": len(st.query)},
	})
}

// stageQueryTags derives semantic tags for the query: static table first, then
// cache, then the generator. Optional: failure or a budget skip just leaves
// the tag list empty.
func (s *Service) stageQueryTags(ctx context.Context, st *searchState) {
	if st.opts.DisableQueryTags {
		return
	}
	if deadlinePassed(ctx) {
		st.meta.Stages["tags"] = StageReport{Skipped: true, SkipReason: "deadline_exceeded"}
		return
	}

	started := time.Now()
	estimated := s.generator.EstimateCost(st.enhancedQuery)

	outcome, err := cache.Resolve(ctx, s.resolver, cache.Request[ai.TagResult]{
		Static: func() (ai.TagResult, bool) {
			tags, ok := s.static.Lookup(st.query)
			return ai.TagResult{Tags: tags}, ok
		},
		Key:           s.tagKeys.Key(map[string]string{"query": st.enhancedQuery}),
		TTL:           s.cacheTTL,
		EstimatedCost: estimated,
		Check: func(ctx context.Context, est decimal.Decimal) (usage.BudgetDecision, error) {
			return s.ledger.CanAffordGeneric(ctx, st.userID, st.opts.SubscriptionLevel, usage.TypeAI, est, false)
		},
		Generate: func(ctx context.Context) (ai.TagResult, decimal.Decimal, error) {
			result, tokens, err := s.generator.GenerateTags(ctx, st.enhancedQuery)
			if err != nil {
				return ai.TagResult{}, decimal.Zero, err
			}
			return *result, tokens.Cost, nil
		},
	})

	rep := StageReport{Duration: time.Since(started), Cost: decimal.Zero}

	switch {
	case err != nil:
		s.log.Warnw("query tagging failed, continuing without tags", "error", err)
		rep.FallbackApplied = true
	case outcome.Source == cache.SourceSkipped:
		rep.Skipped = true
		rep.SkipReason = outcome.SkipReason
		s.reportDenied(ctx, st, FeatureQueryTags, usage.TypeAI, estimated, outcome.SkipReason)
	default:
		rep.Cost = outcome.Cost
		rep.CacheSource = outcome.Source
		st.queryTags = outcome.Value.Tags
	}

	s.report(ctx, st, "tags", FeatureQueryTags, rep, budget.RecordParams{
		UsageType: usage.TypeAI,
		Provider:  string(s.generator.Name()),
		Metadata:  usage.Metadata{"tag_count": len(st.queryTags)},
	})
}

// stageEmbed turns the effective query into a vector. Embedding is primary:
// a budget denial or provider failure fails the whole request.
func (s *Service) stageEmbed(ctx context.Context, st *searchState) error {
	started := time.Now()
	estimated := ai.EmbeddingCost(s.embedder.Name(), st.enhancedQuery)

	// the embedding step carries the billable search run
	decision, err := s.ledger.CanAffordGeneric(ctx, st.userID, st.opts.SubscriptionLevel, usage.TypeAI, estimated, true)
	if err != nil {
		return errors.Wrap(err, "affordability check failed")
	}
	if !decision.CanAfford {
		s.reportDenied(ctx, st, FeatureEmbedding, usage.TypeAI, estimated, decision.Reason)
		if decision.Reason == usage.ReasonRunsExceeded {
			return errors.Wrapf(errors.ErrRunsExceeded, "no billable runs remaining")
		}
		return errors.Wrapf(errors.ErrBudgetExceeded, "estimated cost %s exceeds remaining budget", estimated.StringFixed(6))
	}

	embedding, tokens, err := s.embedder.GenerateEmbedding(ctx, st.enhancedQuery)
	if err != nil {
		return errors.Wrap(err, "failed to embed query")
	}
	st.embedding = embedding

	s.report(ctx, st, "embedding", FeatureEmbedding, StageReport{
		Duration: time.Since(started),
		// recorded cost comes from the provider's token count, not the estimate
		Cost: ai.EmbeddingCostForTokens(s.embedder.Name(), tokens),
	}, budget.RecordParams{
		UsageType:     usage.TypeAI,
		Provider:      s.embedder.Name(),
		IsBillableRun: true,
		Metadata:      usage.Metadata{"dimensions": len(embedding), "tokens": tokens},
	})

	return nil
}

// stageVectorSearch queries the index for an over-fetched candidate set so
// the threshold filter and reranker have room to discard.
func (s *Service) stageVectorSearch(ctx context.Context, st *searchState) error {
	started := time.Now()

	limit := st.opts.MaxResults * s.cfg.CandidateMultiplier
	if limit < st.opts.MaxResults {
		limit = st.opts.MaxResults
	}

	matches, err := s.index.Search(ctx, st.userID, st.embedding, limit)
	if err != nil {
		return errors.Wrap(err, "vector search failed")
	}

	st.matches = matches
	st.meta.RawCount = len(matches)

	s.report(ctx, st, "vector_search", FeatureVector, StageReport{
		Duration: time.Since(started),
		Cost:     decimal.Zero,
	}, budget.RecordParams{
		UsageType: usage.TypeAPI,
		Provider:  "pgvector",
		Metadata:  usage.Metadata{"candidates": len(matches)},
	})

	return nil
}

// stageThresholdFilter drops low-similarity candidates. When the cutoff would
// leave nothing, the raw vector ordering is kept instead so the user always
// sees the closest matches available.
func (s *Service) stageThresholdFilter(st *searchState) {
	threshold := s.cfg.MinVectorScore
	if st.opts.MinVectorScore != nil {
		threshold = *st.opts.MinVectorScore
	}

	if threshold <= 0 || len(st.matches) == 0 {
		st.meta.FilteredCount = len(st.matches)
		return
	}

	filtered := make([]vector.Match, 0, len(st.matches))
	for _, m := range st.matches {
		if m.Score >= threshold {
			filtered = append(filtered, m)
		}
	}

	if len(filtered) == 0 {
		// keep raw ordering rather than returning an empty page
		st.meta.ThresholdFallback = true
		if len(st.matches) > st.opts.MaxResults {
			st.matches = st.matches[:st.opts.MaxResults]
		}
		st.meta.FilteredCount = len(st.matches)
		return
	}

	st.matches = filtered
	st.meta.FilteredCount = len(filtered)
}

// stageRerank rescores the surviving candidates with the cross-encoder and
// blends the scores. Secondary: any failure keeps the vector ordering.
func (s *Service) stageRerank(ctx context.Context, st *searchState) {
	if !s.rerankEnabled || s.reranker == nil || len(st.matches) == 0 || st.meta.ThresholdFallback {
		return
	}
	if deadlinePassed(ctx) {
		st.meta.Stages["rerank"] = StageReport{Skipped: true, SkipReason: "deadline_exceeded"}
		return
	}

	started := time.Now()

	documents := make([]string, len(st.matches))
	for i, m := range st.matches {
		if text, ok := m.Payload["text"].(string); ok {
			documents[i] = text
		}
	}

	results, err := s.reranker.Rerank(ctx, st.enhancedQuery, documents)
	rep := StageReport{Duration: time.Since(started), Cost: decimal.Zero}

	if err != nil {
		s.log.Warnw("rerank failed, keeping vector ordering", "error", err)
		rep.FallbackApplied = true
		s.report(ctx, st, "rerank", FeatureRerank, rep, budget.RecordParams{
			UsageType: usage.TypeAPI,
			Provider:  "rerank-sidecar",
		})
		return
	}

	rerankScores := make(map[int]float64, len(results))
	for _, r := range results {
		if r.Index >= 0 && r.Index < len(st.matches) {
			rerankScores[r.Index] = r.Score
		}
	}

	for i := range st.matches {
		rr, ok := rerankScores[i]
		if !ok {
			continue
		}
		hybrid := s.cfg.VectorWeight*st.matches[i].Score + s.cfg.RerankWeight*rr
		if st.matches[i].Payload == nil {
			st.matches[i].Payload = map[string]interface{}{}
		}
		st.matches[i].Payload[payloadRerankScore] = rr
		st.matches[i].Payload[payloadHybridScore] = hybrid
	}

	sort.SliceStable(st.matches, func(a, b int) bool {
		return hybridOf(st.matches[a]) > hybridOf(st.matches[b])
	})

	st.meta.ScoringMethod = ScoringHybrid

	s.report(ctx, st, "rerank", FeatureRerank, rep, budget.RecordParams{
		UsageType: usage.TypeAPI,
		Provider:  "rerank-sidecar",
		Metadata:  usage.Metadata{"documents": len(documents)},
	})
}

// internal payload keys carrying per-match scores between stages
const (
	payloadRerankScore = "_rerank_score"
	payloadHybridScore = "_hybrid_score"
)

func hybridOf(m vector.Match) float64 {
	if h, ok := m.Payload[payloadHybridScore].(float64); ok {
		return h
	}
	return m.Score
}

// stageRetrieve loads full contacts for the top matches, preserving ranking
// order and silently dropping ids whose contact has since been deleted.
func (s *Service) stageRetrieve(ctx context.Context, st *searchState) error {
	top := st.matches
	if len(top) > st.opts.MaxResults {
		top = top[:st.opts.MaxResults]
	}

	if len(top) == 0 {
		st.ranked = []RankedContact{}
		return nil
	}

	ids := make([]uuid.UUID, len(top))
	for i, m := range top {
		ids[i] = m.ID
	}

	contacts, err := s.contacts.GetByIDs(ctx, st.userID, ids)
	if err != nil {
		return errors.Wrap(err, "failed to load contacts")
	}

	byID := make(map[uuid.UUID]*contact.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}

	ranked := make([]RankedContact, 0, len(top))
	for _, m := range top {
		c, ok := byID[m.ID]
		if !ok {
			continue
		}
		rc := RankedContact{
			Contact:     c,
			VectorScore: m.Score,
			HybridScore: m.Score,
		}
		if rr, ok := m.Payload[payloadRerankScore].(float64); ok {
			rc.RerankScore = rr
		}
		if h, ok := m.Payload[payloadHybridScore].(float64); ok {
			rc.HybridScore = h
		}
		ranked = append(ranked, rc)
	}

	st.ranked = ranked
	return nil
}
