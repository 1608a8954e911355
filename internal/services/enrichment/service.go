package enrichment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rolodex/internal/adapters/ai"
	"rolodex/internal/adapters/config"
	"rolodex/internal/adapters/embeddings"
	"rolodex/internal/adapters/geo"
	"rolodex/internal/cache"
	"rolodex/internal/domain/contact"
	"rolodex/internal/domain/usage"
	"rolodex/internal/domain/vector"
	"rolodex/internal/metrics"
	"rolodex/internal/services/budget"
	"rolodex/internal/workers"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Feature keys reported to the budget ledger
const (
	FeatureEnrich          = "contact_enrich"
	FeatureEnrichGeocode   = "contact_enrich_geocode"
	FeatureEnrichVenue     = "contact_enrich_venue"
	FeatureEnrichTags      = "contact_enrich_tags"
	FeatureEnrichEmbedding = "contact_enrich_embedding"
)

// Ledger is the slice of the budget ledger the enrichment path needs
type Ledger interface {
	RecordUsage(ctx context.Context, p budget.RecordParams) error
	RecordBudgetExceeded(ctx context.Context, p budget.ExceededParams) error
	CanAffordGeneric(ctx context.Context, userID uuid.UUID, tier string, usageType usage.Type, estimatedCost decimal.Decimal, requiresBillableRun bool) (usage.BudgetDecision, error)
	FinalizeSession(ctx context.Context, userID uuid.UUID, sessionID string) error
	MarkSessionFailed(ctx context.Context, userID uuid.UUID, sessionID string, err error) error
}

// Options controls one enrichment request
type Options struct {
	SubscriptionLevel string
	SessionID         string // caller-supplied session, otherwise allocated
	TrackSteps        bool
	SkipGeo           bool
	SkipTags          bool
}

// StageReport describes one executed enrichment stage
type StageReport struct {
	Duration        time.Duration
	Cost            decimal.Decimal
	CacheSource     cache.Source
	FallbackApplied bool
	Skipped         bool
	SkipReason      string
}

// Result describes what enrichment did to the contact
type Result struct {
	Contact   *contact.Contact
	SessionID string
	TotalCost decimal.Decimal
	TagSource cache.Source
	Indexed   bool // vector indexing was scheduled, not necessarily finished
	Stages    map[string]StageReport
}

// Service is the contact write path: resolve the GPS fix into an address and
// venue, auto-tag the profile, persist, then embed and index in the
// background.
//
// Only embedding failing is fatal to the stored profile's searchability, and
// even that is retried on the next update. Geo and tagging are best-effort.
type Service struct {
	contacts contact.Repository
	geocoder geo.Geocoder
	venues   geo.VenueFinder
	tagger   ai.Generator
	embedder embeddings.Provider
	index    vector.Index
	ledger   Ledger
	resolver *cache.Resolver
	bg       *workers.Background

	tagKeys  cache.KeyPolicy
	cacheTTL time.Duration
	geoCost  decimal.Decimal

	log *logger.Logger
}

// NewService creates the enrichment orchestrator
func NewService(
	contacts contact.Repository,
	geocoder geo.Geocoder,
	venues geo.VenueFinder,
	tagger ai.Generator,
	embedder embeddings.Provider,
	index vector.Index,
	ledger Ledger,
	resolver *cache.Resolver,
	bg *workers.Background,
	cacheCfg config.CacheConfig,
	geoCfg config.GeoConfig,
) *Service {
	geoCost, err := decimal.NewFromString(geoCfg.CostPerCallUSD)
	if err != nil {
		geoCost = decimal.Zero
	}

	return &Service{
		contacts: contacts,
		geocoder: geocoder,
		venues:   venues,
		tagger:   tagger,
		embedder: embedder,
		index:    index,
		ledger:   ledger,
		resolver: resolver,
		bg:       bg,
		tagKeys:  cache.NewKeyPolicy("tags", cacheCfg.KeyFields),
		cacheTTL: cacheCfg.TTL,
		geoCost:  geoCost,
		log:      logger.Get().With("component", "enrichment"),
	}
}

// Enrich runs the write pipeline over a stored contact: geocode, venue match,
// auto-tag, persist, then schedule embedding and indexing detached from the
// request.
func (s *Service) Enrich(ctx context.Context, userID uuid.UUID, c *contact.Contact, opts Options) (*Result, error) {
	if c == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "contact is required")
	}
	if userID == uuid.Nil || c.UserID != userID {
		return nil, errors.Wrap(errors.ErrInvalidInput, "contact does not belong to user")
	}
	if opts.SubscriptionLevel == "" {
		opts.SubscriptionLevel = "free"
	}

	res := &Result{
		Contact:   c,
		TotalCost: decimal.Zero,
		Stages:    make(map[string]StageReport),
	}
	res.SessionID = s.allocateSession(c, opts)

	if err := s.run(ctx, userID, c, opts, res); err != nil {
		if ferr := s.ledger.MarkSessionFailed(ctx, userID, res.SessionID, err); ferr != nil {
			s.log.Warnw("failed to mark session failed", "session_id", res.SessionID, "error", ferr)
		}
		return nil, err
	}

	if err := s.ledger.FinalizeSession(ctx, userID, res.SessionID); err != nil {
		s.log.Warnw("failed to finalize session", "session_id", res.SessionID, "error", err)
	}

	return res, nil
}

func (s *Service) run(ctx context.Context, userID uuid.UUID, c *contact.Contact, opts Options, res *Result) error {
	s.stageGeocode(ctx, userID, c, opts, res)
	s.stageVenue(ctx, userID, c, opts, res)
	s.stageAutoTag(ctx, userID, c, opts, res)

	if err := s.contacts.Update(ctx, c); err != nil {
		return errors.Wrap(err, "failed to persist enriched contact")
	}

	return s.scheduleIndexing(ctx, userID, c, opts, res)
}

// allocateSession mirrors the read path: a session exists only when at least
// two billable stages will run. Embedding is detached and always recorded
// standalone, so it never counts toward the threshold.
func (s *Service) allocateSession(c *contact.Contact, opts Options) string {
	if !opts.TrackSteps {
		return ""
	}
	if opts.SessionID != "" {
		return opts.SessionID
	}

	billable := 0
	if !opts.SkipGeo && c.HasLocation() {
		billable++ // geocode
	}
	if !opts.SkipTags && c.EnrichmentText() != "" {
		billable++ // tagging
	}

	if billable < 2 {
		return ""
	}
	return uuid.NewString()
}

// stageGeocode resolves the GPS fix into an address. Metered per call against
// the API budget; any failure leaves the raw coordinates in place.
func (s *Service) stageGeocode(ctx context.Context, userID uuid.UUID, c *contact.Contact, opts Options, res *Result) {
	if opts.SkipGeo || !c.HasLocation() || s.geocoder == nil {
		return
	}

	started := time.Now()
	rep := StageReport{Cost: decimal.Zero}

	decision, err := s.ledger.CanAffordGeneric(ctx, userID, opts.SubscriptionLevel, usage.TypeAPI, s.geoCost, true)
	if err != nil {
		s.log.Warnw("geocode affordability check failed, skipping", "error", err)
		rep.Skipped = true
		rep.SkipReason = "check_failed"
	} else if !decision.CanAfford {
		rep.Skipped = true
		rep.SkipReason = decision.Reason
		s.reportDenied(ctx, userID, c, FeatureEnrichGeocode, usage.TypeAPI, s.geoCost, decision.Reason)
	} else {
		addr, gerr := s.geocoder.Reverse(ctx, *c.Latitude, *c.Longitude)
		if gerr != nil {
			s.log.Warnw("reverse geocode failed, keeping raw coordinates", "contact_id", c.ID, "error", gerr)
			rep.FallbackApplied = true
		} else {
			c.Address = addr.DisplayName
			rep.Cost = s.geoCost
		}
	}

	rep.Duration = time.Since(started)
	s.report(ctx, userID, res, "geocode", FeatureEnrichGeocode, rep, budget.RecordParams{
		UsageType:     usage.TypeAPI,
		Provider:      "nominatim",
		IsBillableRun: rep.Cost.IsPositive(),
		Metadata:      usage.Metadata{"contact_id": c.ID.String()},
	})
}

/// stageVenue matches the coordinates to a named venue. Strictly optional:
// a missing venue service or no nearby match leaves the contact GPS-only.
func (s *Service) stageVenue(ctx context.Context, userID uuid.UUID, c *contact.Contact, opts Options, res *Result) {
	if opts.SkipGeo || !c.HasLocation() || s.venues == nil {
		return
	}

	started := time.Now()
	rep := StageReport{Cost: decimal.Zero}

	venue, err := s.venues.Nearby(ctx, *c.Latitude, *c.Longitude)
	switch {
	case errors.Is(err, errors.ErrUnavailable), errors.Is(err, errors.ErrNotFound):
		rep.Skipped = true
		rep.SkipReason = "no_venue"
	case err != nil:
		s.log.Warnw("venue lookup failed, continuing GPS-only", "contact_id", c.ID, "error", err)
		rep.FallbackApplied = true
	default:
		c.VenueName = venue.Name
		if c.Address == "" && venue.Address != "" {
			c.Address = venue.Address
		}
	}

	rep.Duration = time.Since(started)
	s.report(ctx, userID, res, "venue", FeatureEnrichVenue, rep, budget.RecordParams{
		UsageType: usage.TypeAPI,
		Provider:  "venue-service",
		Metadata:  usage.Metadata{"contact_id": c.ID.String()},
	})
}

// stageAutoTag derives profile tags through the tiered cache. The cache key
// hashes only the configured profile fields, so two contacts with the same
// company and role share one generated result.
func (s *Service) stageAutoTag(ctx context.Context, userID uuid.UUID, c *contact.Contact, opts Options, res *Result) {
	text := c.EnrichmentText()
	if opts.SkipTags || text == "" || s.tagger == nil {
		return
	}

	started := time.Now()
	estimated := s.tagger.EstimateCost(text)

	outcome, err := cache.Resolve(ctx, s.resolver, cache.Request[ai.TagResult]{
		Key: s.tagKeys.Key(map[string]string{
			"name":    c.FullName,
			"company": c.Company,
			"role":    c.Role,
			"notes":   c.Notes,
		}),
		TTL:           s.cacheTTL,
		EstimatedCost: estimated,
		Check: func(ctx context.Context, est decimal.Decimal) (usage.BudgetDecision, error) {
			return s.ledger.CanAffordGeneric(ctx, userID, opts.SubscriptionLevel, usage.TypeAI, est, true)
		},
		Generate: func(ctx context.Context) (ai.TagResult, decimal.Decimal, error) {
			result, tokens, err := s.tagger.GenerateTags(ctx, text)
			if err != nil {
				return ai.TagResult{}, decimal.Zero, err
			}
			return *result, tokens.Cost, nil
		},
	})

	rep := StageReport{Duration: time.Since(started), Cost: decimal.Zero}

	switch {
	case err != nil:
		s.log.Warnw("auto-tagging failed, continuing untagged", "contact_id", c.ID, "error", err)
		rep.FallbackApplied = true
	case outcome.Source == cache.SourceSkipped:
		rep.Skipped = true
		rep.SkipReason = outcome.SkipReason
		s.reportDenied(ctx, userID, c, FeatureEnrichTags, usage.TypeAI, estimated, outcome.SkipReason)
	default:
		rep.Cost = outcome.Cost
		rep.CacheSource = outcome.Source
		res.TagSource = outcome.Source
		c.Tags = mergeTags(c.Tags, outcome.Value.Tags)
	}

	s.report(ctx, userID, res, "tags", FeatureEnrichTags, rep, budget.RecordParams{
		UsageType:     usage.TypeAI,
		Provider:      string(s.tagger.Name()),
		IsBillableRun: outcome.Source == cache.SourceGenerated,
		Metadata:      usage.Metadata{"contact_id": c.ID.String(), "tag_count": len(c.Tags)},
	})
}

// scheduleIndexing embeds the contact's index text and upserts it into the
// vector index, detached from the request so a slow embedding provider never
// blocks the write path. Usage is recorded standalone from the task because
// the session closes before the task runs.
func (s *Service) scheduleIndexing(ctx context.Context, userID uuid.UUID, c *contact.Contact, opts Options, res *Result) error {
	text := c.IndexText()
	if text == "" {
		return nil
	}

	estimated := ai.EmbeddingCost(s.embedder.Name(), text)

	decision, err := s.ledger.CanAffordGeneric(ctx, userID, opts.SubscriptionLevel, usage.TypeAI, estimated, false)
	if err != nil {
		return errors.Wrap(err, "affordability check failed")
	}
	if !decision.CanAfford {
		s.reportDenied(ctx, userID, c, FeatureEnrichEmbedding, usage.TypeAI, estimated, decision.Reason)
		// profile stays stored and editable, only search indexing is deferred
		return nil
	}

	contactID := c.ID
	payload := map[string]interface{}{
		"text": text,
		"name": c.FullName,
	}

	s.bg.Go("index_contact", func(taskCtx context.Context) error {
		started := time.Now()

		embedding, tokens, err := s.embedder.GenerateEmbedding(taskCtx, text)
		if err != nil {
			return errors.Wrapf(err, "failed to embed contact %s", contactID)
		}

		if err := s.index.EnsureCollection(taskCtx, userID, len(embedding)); err != nil {
			return errors.Wrap(err, "failed to ensure collection")
		}
		if err := s.index.Upsert(taskCtx, userID, contactID, embedding, payload); err != nil {
			return errors.Wrapf(err, "failed to index contact %s", contactID)
		}

		// record the cost the provider actually billed, not the estimate
		cost := ai.EmbeddingCostForTokens(s.embedder.Name(), tokens)
		metrics.StageDuration.WithLabelValues("enrich", "embedding").Observe(time.Since(started).Seconds())
		metrics.GeneratorCost.WithLabelValues(s.embedder.Name(), FeatureEnrichEmbedding).Add(cost.InexactFloat64())

		return s.ledger.RecordUsage(taskCtx, budget.RecordParams{
			UserID:     userID,
			UsageType:  usage.TypeAI,
			Feature:    FeatureEnrichEmbedding,
			Provider:   s.embedder.Name(),
			Cost:       cost,
			DurationMs: time.Since(started).Milliseconds(),
			Metadata:   usage.Metadata{"contact_id": contactID.String(), "dimensions": len(embedding), "tokens": tokens},
		})
	})

	res.Indexed = true
	return nil
}

// RemoveFromIndex deletes a contact's vector point. Called on contact delete.
func (s *Service) RemoveFromIndex(ctx context.Context, userID, contactID uuid.UUID) error {
	if err := s.index.Delete(ctx, userID, contactID); err != nil {
		return errors.Wrapf(err, "failed to remove contact %s from index", contactID)
	}
	return nil
}

// report records a stage outcome with the ledger, result and metrics
func (s *Service) report(ctx context.Context, userID uuid.UUID, res *Result, stage, feature string, rep StageReport, p budget.RecordParams) {
	res.Stages[stage] = rep
	res.TotalCost = res.TotalCost.Add(rep.Cost)

	metrics.StageDuration.WithLabelValues("enrich", stage).Observe(rep.Duration.Seconds())
	if rep.FallbackApplied {
		metrics.StageFallbacks.WithLabelValues("enrich", stage).Inc()
	}
	if rep.CacheSource != "" {
		metrics.CacheLookups.WithLabelValues(feature, string(rep.CacheSource)).Inc()
	}
	if rep.Cost.IsPositive() {
		metrics.GeneratorCost.WithLabelValues(p.Provider, feature).Add(rep.Cost.InexactFloat64())
	}

	p.UserID = userID
	p.Feature = feature
	p.SessionID = res.SessionID
	p.StepLabel = stage
	p.Cost = rep.Cost
	p.DurationMs = rep.Duration.Milliseconds()
	p.CacheHit = rep.CacheSource == cache.SourceCache || rep.CacheSource == cache.SourceStatic

	if err := s.ledger.RecordUsage(ctx, p); err != nil {
		s.log.Warnw("failed to record stage usage", "stage", stage, "error", err)
	}
}

func (s *Service) reportDenied(ctx context.Context, userID uuid.UUID, c *contact.Contact, feature string, usageType usage.Type, estimated decimal.Decimal, reason string) {
	metrics.BudgetDenials.WithLabelValues(feature, reason).Inc()

	err := s.ledger.RecordBudgetExceeded(ctx, budget.ExceededParams{
		UserID:        userID,
		UsageType:     usageType,
		Feature:       feature,
		EstimatedCost: estimated,
		Reason:        reason,
		Metadata:      usage.Metadata{"contact_id": c.ID.String()},
	})
	if err != nil {
		s.log.Warnw("failed to record budget denial", "feature", feature, "error", err)
	}
}

// mergeTags appends new tags, deduplicated, preserving existing order
func mergeTags(existing []string, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))

	for _, t := range existing {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		merged = append(merged, t)
	}
	for _, t := range incoming {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		merged = append(merged, t)
	}

	return merged
}
