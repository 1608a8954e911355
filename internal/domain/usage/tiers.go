package usage

import (
	"strings"

	"github.com/shopspring/decimal"

	"rolodex/pkg/errors"
)

// TierLimits caps a subscription level's monthly spend and billable runs.
// Limits are immutable configuration composed by constructors.
type TierLimits struct {
	Name           string
	MaxMonthlyCost decimal.Decimal
	MaxRunsAI      int
	MaxRunsAPI     int
	Unlimited      bool
}

// MaxRuns returns the run cap for a usage type
func (t TierLimits) MaxRuns(usageType Type) int {
	if usageType == TypeAPI {
		return t.MaxRunsAPI
	}
	return t.MaxRunsAI
}

// Tiers resolves subscription level names to their limits
type Tiers struct {
	byName map[string]TierLimits
}

// NewTiers builds a tier registry from explicit limit definitions
func NewTiers(limits ...TierLimits) *Tiers {
	byName := make(map[string]TierLimits, len(limits))
	for _, l := range limits {
		byName[strings.ToLower(l.Name)] = l
	}
	return &Tiers{byName: byName}
}

// Get returns the limits for a subscription level
func (t *Tiers) Get(level string) (TierLimits, error) {
	limits, ok := t.byName[strings.ToLower(level)]
	if !ok {
		return TierLimits{}, errors.Wrapf(errors.ErrUnknownTier, "tier %q", level)
	}
	return limits, nil
}

// FreeTier builds limits for the free plan
func FreeTier(maxCost decimal.Decimal, maxRunsAI, maxRunsAPI int) TierLimits {
	return TierLimits{
		Name:           "free",
		MaxMonthlyCost: maxCost,
		MaxRunsAI:      maxRunsAI,
		MaxRunsAPI:     maxRunsAPI,
	}
}

// ProTier builds limits for the paid plan
func ProTier(maxCost decimal.Decimal, maxRunsAI, maxRunsAPI int) TierLimits {
	return TierLimits{
		Name:           "pro",
		MaxMonthlyCost: maxCost,
		MaxRunsAI:      maxRunsAI,
		MaxRunsAPI:     maxRunsAPI,
	}
}

// UnlimitedTier builds the distinguished tier that bypasses all caps
func UnlimitedTier() TierLimits {
	return TierLimits{
		Name:      "unlimited",
		Unlimited: true,
	}
}
