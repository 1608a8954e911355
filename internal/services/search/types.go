package search

import (
	"time"

	"github.com/shopspring/decimal"

	"rolodex/internal/cache"
	"rolodex/internal/domain/contact"
)

// Feature keys reported to the budget ledger. Stage suffixes are stripped
// when grouping steps under one session feature.
const (
	FeatureSearch    = "contact_search"
	FeatureEnhance   = "contact_search_enhance"
	FeatureQueryTags = "contact_search_tags"
	FeatureEmbedding = "contact_search_embedding"
	FeatureVector    = "contact_search_vector"
	FeatureRerank    = "contact_search_rerank"
)

// Scoring methods reported in search metadata
const (
	ScoringHybrid = "hybrid"
	ScoringVector = "vector"
)

// Options controls one search request
type Options struct {
	MaxResults        int
	MinVectorScore    *float64 // similarity cutoff; nil uses the configured default, 0 disables filtering
	SubscriptionLevel string
	SessionID         string // caller-supplied session, otherwise allocated
	EnhanceQuery      bool
	DisableQueryTags  bool
	TrackSteps        bool // persist per-stage session steps
}

// RankedContact is one search hit with its scores
type RankedContact struct {
	Contact     *contact.Contact
	VectorScore float64
	RerankScore float64
	HybridScore float64
}

// StageReport describes one executed pipeline stage
type StageReport struct {
	Duration        time.Duration
	Cost            decimal.Decimal
	CacheSource     cache.Source
	FallbackApplied bool
	Skipped         bool
	SkipReason      string
}

// Metadata describes how a search was executed
type Metadata struct {
	SessionID         string
	EnhancedQuery     string
	Language          string
	QueryTags         []string
	ScoringMethod     string
	RawCount          int
	FilteredCount     int
	ThresholdFallback bool
	TotalCost         decimal.Decimal
	Stages            map[string]StageReport
}

// Result is the assembled outcome of a search request
type Result struct {
	Contacts []RankedContact
	Metadata Metadata
}
