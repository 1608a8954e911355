package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StageDuration observes per-stage pipeline latency
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rolodex_stage_duration_seconds",
			Help:    "Duration of search/enrichment pipeline stages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "stage"},
	)

	// CacheLookups counts tiered-cache resolutions by source tier
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolodex_cache_lookups_total",
			Help: "Tiered cache resolutions by outcome source",
		},
		[]string{"feature", "source"},
	)

	// BudgetDenials counts operations denied by the ledger
	BudgetDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolodex_budget_denials_total",
			Help: "Operations denied by affordability checks",
		},
		[]string{"feature", "reason"},
	)

	// GeneratorCost accumulates spend on external generators in USD
	GeneratorCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolodex_generator_cost_usd_total",
			Help: "Cumulative generator spend in USD",
		},
		[]string{"provider", "feature"},
	)

	// StageFallbacks counts stage-level fallbacks
	StageFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolodex_stage_fallbacks_total",
			Help: "Pipeline stages that fell back to degraded behavior",
		},
		[]string{"pipeline", "stage"},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		StageDuration,
		CacheLookups,
		BudgetDenials,
		GeneratorCost,
		StageFallbacks,
	)
}

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
