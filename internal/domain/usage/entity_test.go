package usage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMonthKey(t *testing.T) {
	ts := time.Date(2026, time.March, 7, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2026-03", MonthKey(ts))

	// month boundary in a non-UTC zone still keys on UTC
	loc := time.FixedZone("UTC+5", 5*3600)
	ts = time.Date(2026, time.April, 1, 2, 0, 0, 0, loc)
	assert.Equal(t, "2026-03", MonthKey(ts))
}

func TestBaseFeature(t *testing.T) {
	cases := map[string]string{
		"contact_search_enhance":   "contact_search",
		"contact_search_tags":      "contact_search",
		"contact_search_embedding": "contact_search",
		"contact_search_rerank":    "contact_search",
		"contact_search_vector":    "contact_search",
		"contact_enrich_geocode":   "contact_enrich",
		"contact_enrich_venue":     "contact_enrich",
		"contact_search":           "contact_search",
		"unrelated_feature":        "unrelated_feature",
	}

	for in, want := range cases {
		assert.Equal(t, want, BaseFeature(in), in)
	}
}

func TestBudgetCounters_EffectiveForMonth(t *testing.T) {
	counters := BudgetCounters{
		MonthlyCost:     decimal.RequireFromString("1.25"),
		BillableRunsAI:  12,
		BillableRunsAPI: 30,
		Month:           "2026-02",
	}

	// same month: values pass through
	same := counters.EffectiveForMonth("2026-02")
	assert.True(t, same.MonthlyCost.Equal(counters.MonthlyCost))
	assert.Equal(t, 12, same.BillableRunsAI)

	// stale month: everything reads as zero
	rolled := counters.EffectiveForMonth("2026-03")
	assert.True(t, rolled.MonthlyCost.IsZero())
	assert.Equal(t, 0, rolled.BillableRunsAI)
	assert.Equal(t, 0, rolled.BillableRunsAPI)
	assert.Equal(t, "2026-03", rolled.Month)
}

func TestTiers_Lookup(t *testing.T) {
	tiers := NewTiers(
		FreeTier(decimal.RequireFromString("0.50"), 50, 100),
		UnlimitedTier(),
	)

	free, err := tiers.Get("free")
	assert.NoError(t, err)
	assert.False(t, free.Unlimited)
	assert.Equal(t, 50, free.MaxRuns(TypeAI))
	assert.Equal(t, 100, free.MaxRuns(TypeAPI))

	unlimited, err := tiers.Get("unlimited")
	assert.NoError(t, err)
	assert.True(t, unlimited.Unlimited)

	_, err = tiers.Get("platinum")
	assert.Error(t, err)
}
