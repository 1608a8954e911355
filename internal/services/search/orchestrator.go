package search

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rolodex/internal/adapters/ai"
	"rolodex/internal/adapters/config"
	"rolodex/internal/adapters/embeddings"
	"rolodex/internal/adapters/rerank"
	"rolodex/internal/cache"
	"rolodex/internal/domain/contact"
	"rolodex/internal/domain/usage"
	"rolodex/internal/domain/vector"
	"rolodex/internal/metrics"
	"rolodex/internal/services/budget"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Ledger is the slice of the budget ledger the orchestrator needs
type Ledger interface {
	RecordUsage(ctx context.Context, p budget.RecordParams) error
	RecordBudgetExceeded(ctx context.Context, p budget.ExceededParams) error
	CanAffordGeneric(ctx context.Context, userID uuid.UUID, tier string, usageType usage.Type, estimatedCost decimal.Decimal, requiresBillableRun bool) (usage.BudgetDecision, error)
	FinalizeSession(ctx context.Context, userID uuid.UUID, sessionID string) error
	MarkSessionFailed(ctx context.Context, userID uuid.UUID, sessionID string, err error) error
}

// Service sequences the search pipeline:
// enhance → tag → embed → vector search → threshold filter → rerank → retrieve.
//
// Stages run strictly sequentially because each stage's output feeds the
// next. One session id is shared by all metered stages of a request.
type Service struct {
	generator ai.Generator
	embedder  embeddings.Provider
	index     vector.Index
	reranker  rerank.Reranker
	contacts  contact.Repository
	ledger    Ledger
	resolver  *cache.Resolver
	static    *StaticTagTable

	enhanceKeys cache.KeyPolicy
	tagKeys     cache.KeyPolicy
	cacheTTL    time.Duration

	cfg           config.SearchConfig
	rerankEnabled bool

	log *logger.Logger
}

// NewService creates the search orchestrator
func NewService(
	generator ai.Generator,
	embedder embeddings.Provider,
	index vector.Index,
	reranker rerank.Reranker,
	contacts contact.Repository,
	ledger Ledger,
	resolver *cache.Resolver,
	cacheTTL time.Duration,
	cfg config.SearchConfig,
	rerankEnabled bool,
) *Service {
	return &Service{
		generator:     generator,
		embedder:      embedder,
		index:         index,
		reranker:      reranker,
		contacts:      contacts,
		ledger:        ledger,
		resolver:      resolver,
		static:        NewStaticTagTable(),
		enhanceKeys:   cache.NewKeyPolicy("enhance", []string{"query"}),
		tagKeys:       cache.NewKeyPolicy("querytags", []string{"query"}),
		cacheTTL:      cacheTTL,
		cfg:           cfg,
		rerankEnabled: rerankEnabled,
		log:           logger.Get().With("component", "search_orchestrator"),
	}
}

// Search runs the full pipeline for one query
func (s *Service) Search(ctx context.Context, userID uuid.UUID, query string, opts Options) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.ErrEmptyQuery
	}
	if userID == uuid.Nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "user id is required")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = s.cfg.MaxResults
	}
	if opts.SubscriptionLevel == "" {
		opts.SubscriptionLevel = "free"
	}

	st := &searchState{
		userID: userID,
		query:  query,
		opts:   opts,
		meta: Metadata{
			ScoringMethod: ScoringVector,
			TotalCost:     decimal.Zero,
			Stages:        make(map[string]StageReport),
		},
	}
	st.sessionID = s.allocateSession(opts)
	st.meta.SessionID = st.sessionID

	result, err := s.run(ctx, st)
	if err != nil {
		if ferr := s.ledger.MarkSessionFailed(ctx, userID, st.sessionID, err); ferr != nil {
			s.log.Warnw("failed to mark session failed", "session_id", st.sessionID, "error", ferr)
		}
		return nil, err
	}

	if err := s.ledger.FinalizeSession(ctx, userID, st.sessionID); err != nil {
		// result is already assembled; a finalize failure only leaves the
		// session in_progress
		s.log.Warnw("failed to finalize session", "session_id", st.sessionID, "error", err)
	}

	return result, nil
}

// searchState carries intermediate pipeline data through the stages
type searchState struct {
	userID    uuid.UUID
	query     string
	opts      Options
	sessionID string

	enhancedQuery string
	language      string
	queryTags     []string
	embedding     []float32
	matches       []vector.Match
	ranked        []RankedContact

	meta Metadata
}

func (s *Service) run(ctx context.Context, st *searchState) (*Result, error) {
	s.stageEnhance(ctx, st)
	s.stageQueryTags(ctx, st)

	if err := s.stageEmbed(ctx, st); err != nil {
		return nil, err
	}
	if err := s.stageVectorSearch(ctx, st); err != nil {
		return nil, err
	}

	s.stageThresholdFilter(st)
	s.stageRerank(ctx, st)

	if err := s.stageRetrieve(ctx, st); err != nil {
		return nil, err
	}

	st.meta.EnhancedQuery = st.enhancedQuery
	st.meta.Language = st.language
	st.meta.QueryTags = st.queryTags

	return &Result{Contacts: st.ranked, Metadata: st.meta}, nil
}

// allocateSession returns the session id for this request. A session exists
// only when the request spans at least two billable stages; single-step
// requests are recorded standalone. TrackSteps=false disables session
// attribution entirely.
func (s *Service) allocateSession(opts Options) string {
	if !opts.TrackSteps {
		return ""
	}
	if opts.SessionID != "" {
		return opts.SessionID
	}

	billable := 1 // embedding always runs
	if opts.EnhanceQuery {
		billable++
	}
	if !opts.DisableQueryTags {
		billable++
	}

	if billable < 2 {
		return ""
	}
	return uuid.NewString()
}

// deadlinePassed reports whether the caller's deadline has expired. Optional
// stages are skipped once it has; primary stages still run so the request
// returns best-effort results instead of failing outright.
func deadlinePassed(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && time.Now().After(deadline)
}

// report records a stage outcome with the ledger, metadata and metrics
func (s *Service) report(ctx context.Context, st *searchState, stage, feature string, rep StageReport, p budget.RecordParams) {
	st.meta.Stages[stage] = rep
	st.meta.TotalCost = st.meta.TotalCost.Add(rep.Cost)

	metrics.StageDuration.WithLabelValues("search", stage).Observe(rep.Duration.Seconds())
	if rep.FallbackApplied {
		metrics.StageFallbacks.WithLabelValues("search", stage).Inc()
	}
	if rep.CacheSource != "" {
		metrics.CacheLookups.WithLabelValues(feature, string(rep.CacheSource)).Inc()
	}
	if rep.Cost.IsPositive() {
		metrics.GeneratorCost.WithLabelValues(p.Provider, feature).Add(rep.Cost.InexactFloat64())
	}

	p.UserID = st.userID
	p.Feature = feature
	p.SessionID = st.sessionID
	p.StepLabel = stage
	p.Cost = rep.Cost
	p.DurationMs = rep.Duration.Milliseconds()
	p.CacheHit = rep.CacheSource == cache.SourceCache || rep.CacheSource == cache.SourceStatic

	// standalone zero-cost non-billable outcomes still produce an operation
	// record so cache hits stay auditable
	if err := s.ledger.RecordUsage(ctx, p); err != nil {
		s.log.Warnw("failed to record stage usage", "stage", stage, "error", err)
	}
}

// reportDenied records a budget denial audit entry
func (s *Service) reportDenied(ctx context.Context, st *searchState, feature string, usageType usage.Type, estimated decimal.Decimal, reason string) {
	metrics.BudgetDenials.WithLabelValues(feature, reason).Inc()

	err := s.ledger.RecordBudgetExceeded(ctx, budget.ExceededParams{
		UserID:        st.userID,
		UsageType:     usageType,
		Feature:       feature,
		Provider:      string(s.generator.Name()),
		EstimatedCost: estimated,
		Reason:        reason,
		Metadata:      usage.Metadata{"query_length": len(st.query)},
	})
	if err != nil {
		s.log.Warnw("failed to record budget denial", "feature", feature, "error", err)
	}
}
