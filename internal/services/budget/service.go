package budget

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rolodex/internal/domain/usage"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Ledger is the subsystem of record for usage, cost and affordability across
// both session and standalone attribution paths.
type Ledger struct {
	repo  usage.Repository
	tiers *usage.Tiers
	now   func() time.Time
	log   *logger.Logger
}

// NewLedger creates a budget ledger over the given repository and tier registry
func NewLedger(repo usage.Repository, tiers *usage.Tiers) *Ledger {
	return &Ledger{
		repo:  repo,
		tiers: tiers,
		now:   time.Now,
		log:   logger.Get().With("component", "budget_ledger"),
	}
}

// WithClock overrides the ledger clock. Used by tests to control rollover.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// RecordParams describes one accounting event
type RecordParams struct {
	UserID        uuid.UUID
	UsageType     usage.Type
	Feature       string
	Provider      string
	Cost          decimal.Decimal
	IsBillableRun bool
	SessionID     string // empty for standalone operations
	StepLabel     string
	DurationMs    int64
	CacheHit      bool
	Metadata      usage.Metadata
}

// RecordUsage attributes one operation's cost. A call writes to exactly one
// of {session, monthly aggregate + operation record}, never both, and
// always moves the denormalized budget counters when cost or a billable run
// is involved.
func (l *Ledger) RecordUsage(ctx context.Context, p RecordParams) error {
	if p.UserID == uuid.Nil {
		return errors.Wrap(errors.ErrInvalidInput, "user id is required")
	}
	if p.Cost.IsNegative() {
		return errors.Wrap(errors.ErrInvalidInput, "cost cannot be negative")
	}

	now := l.now().UTC()
	month := usage.MonthKey(now)

	if p.SessionID != "" {
		step := usage.Step{
			StepLabel:     p.StepLabel,
			Feature:       p.Feature,
			Provider:      p.Provider,
			UsageType:     p.UsageType,
			Cost:          p.Cost,
			IsBillableRun: p.IsBillableRun,
			DurationMs:    p.DurationMs,
			CacheHit:      p.CacheHit,
			Metadata:      p.Metadata,
		}

		baseFeature := usage.BaseFeature(p.Feature)
		if err := l.repo.AppendSessionStep(ctx, p.UserID, p.SessionID, baseFeature, step); err != nil {
			return errors.Wrap(err, "failed to append session step")
		}

		// Zero-cost non-billable steps stay in the session history for audit
		// but never move the counters.
		if p.Cost.IsPositive() || p.IsBillableRun {
			if err := l.repo.ApplyCounters(ctx, p.UserID, p.UsageType, p.Cost, p.IsBillableRun, month); err != nil {
				return errors.Wrap(err, "failed to apply session counters")
			}
		}

		return nil
	}

	rec := &usage.Record{
		OperationID:   uuid.New(),
		UserID:        p.UserID,
		UsageType:     p.UsageType,
		Feature:       p.Feature,
		Provider:      p.Provider,
		Cost:          p.Cost,
		IsBillableRun: p.IsBillableRun,
		Metadata:      p.Metadata,
		CreatedAt:     now,
	}

	if err := l.repo.RecordStandalone(ctx, rec); err != nil {
		return errors.Wrap(err, "failed to record standalone usage")
	}

	return nil
}

// ExceededParams describes a budget-denied operation
type ExceededParams struct {
	UserID        uuid.UUID
	UsageType     usage.Type
	Feature       string
	Provider      string
	EstimatedCost decimal.Decimal
	Reason        string // budget_exceeded | runs_exceeded
	Metadata      usage.Metadata
}

// RecordBudgetExceeded writes a non-billable audit record for an operation
// that was denied before spending anything. Counters are untouched.
func (l *Ledger) RecordBudgetExceeded(ctx context.Context, p ExceededParams) error {
	rec := &usage.Record{
		OperationID:    uuid.New(),
		UserID:         p.UserID,
		UsageType:      p.UsageType,
		Feature:        p.Feature,
		Provider:       p.Provider,
		Cost:           decimal.Zero,
		BudgetExceeded: true,
		ExceededReason: p.Reason,
		EstimatedCost:  p.EstimatedCost,
		Metadata:       p.Metadata,
		CreatedAt:      l.now().UTC(),
	}

	if err := l.repo.RecordExceeded(ctx, rec); err != nil {
		return errors.Wrap(err, "failed to record budget exceeded")
	}

	l.log.Infow("operation denied by budget",
		"user_id", p.UserID,
		"feature", p.Feature,
		"reason", p.Reason,
		"estimated_cost_usd", p.EstimatedCost.StringFixed(6),
	)

	return nil
}

// MonthlyUsage combines the live counters with the tier limits
type MonthlyUsage struct {
	Usage           usage.BudgetCounters
	Limits          usage.TierLimits
	RemainingBudget decimal.Decimal
	RemainingRuns   int
	PercentUsed     float64
}

// GetUserMonthlyUsage reads the denormalized counters (stale month reads as
// zero) and combines them with the user's tier limits.
func (l *Ledger) GetUserMonthlyUsage(ctx context.Context, userID uuid.UUID, usageType usage.Type, tier string) (*MonthlyUsage, error) {
	limits, err := l.tiers.Get(tier)
	if err != nil {
		return nil, err
	}

	counters, err := l.repo.GetCounters(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read counters")
	}

	month := usage.MonthKey(l.now().UTC())
	effective := counters.EffectiveForMonth(month)

	result := &MonthlyUsage{
		Usage:  effective,
		Limits: limits,
	}

	if limits.Unlimited {
		result.RemainingBudget = decimal.Zero
		result.RemainingRuns = -1
		return result, nil
	}

	result.RemainingBudget = limits.MaxMonthlyCost.Sub(effective.MonthlyCost)
	if result.RemainingBudget.IsNegative() {
		result.RemainingBudget = decimal.Zero
	}

	runs := effective.BillableRunsAI
	if usageType == usage.TypeAPI {
		runs = effective.BillableRunsAPI
	}
	result.RemainingRuns = limits.MaxRuns(usageType) - runs
	if result.RemainingRuns < 0 {
		result.RemainingRuns = 0
	}

	if limits.MaxMonthlyCost.IsPositive() {
		used, _ := effective.MonthlyCost.Div(limits.MaxMonthlyCost).Mul(decimal.NewFromInt(100)).Float64()
		result.PercentUsed = used
	}

	l.log.Debugw("monthly usage read",
		"user_id", userID,
		"tier", limits.Name,
		"spent_usd", effective.MonthlyCost.StringFixed(4),
		"runs", humanize.Comma(int64(runs)),
	)

	return result, nil
}

// CanAffordOperation checks affordability for an AI operation needing
// requiredRuns billable runs.
func (l *Ledger) CanAffordOperation(ctx context.Context, userID uuid.UUID, tier string, estimatedCost decimal.Decimal, requiredRuns int) (usage.BudgetDecision, error) {
	return l.decide(ctx, userID, tier, usage.TypeAI, estimatedCost, requiredRuns)
}

// CanAffordGeneric checks affordability for any usage type
func (l *Ledger) CanAffordGeneric(ctx context.Context, userID uuid.UUID, tier string, usageType usage.Type, estimatedCost decimal.Decimal, requiresBillableRun bool) (usage.BudgetDecision, error) {
	runs := 0
	if requiresBillableRun {
		runs = 1
	}
	return l.decide(ctx, userID, tier, usageType, estimatedCost, runs)
}

func (l *Ledger) decide(ctx context.Context, userID uuid.UUID, tier string, usageType usage.Type, estimatedCost decimal.Decimal, requiredRuns int) (usage.BudgetDecision, error) {
	limits, err := l.tiers.Get(tier)
	if err != nil {
		return usage.BudgetDecision{}, err
	}

	if limits.Unlimited {
		return usage.BudgetDecision{CanAfford: true, Unlimited: true, RemainingRuns: -1}, nil
	}

	monthly, err := l.GetUserMonthlyUsage(ctx, userID, usageType, tier)
	if err != nil {
		return usage.BudgetDecision{}, err
	}

	current := monthly.Usage.MonthlyCost
	if current.Add(estimatedCost).GreaterThan(limits.MaxMonthlyCost) {
		return usage.BudgetDecision{
			CanAfford:       false,
			Reason:          usage.ReasonBudgetExceeded,
			RemainingBudget: monthly.RemainingBudget,
			RemainingRuns:   monthly.RemainingRuns,
		}, nil
	}

	if requiredRuns > 0 && monthly.RemainingRuns < requiredRuns {
		return usage.BudgetDecision{
			CanAfford:       false,
			Reason:          usage.ReasonRunsExceeded,
			RemainingBudget: monthly.RemainingBudget,
			RemainingRuns:   monthly.RemainingRuns,
		}, nil
	}

	return usage.BudgetDecision{
		CanAfford:       true,
		RemainingBudget: monthly.RemainingBudget,
		RemainingRuns:   monthly.RemainingRuns,
	}, nil
}

// FinalizeSession marks a session completed. Missing sessions are ignored.
func (l *Ledger) FinalizeSession(ctx context.Context, userID uuid.UUID, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return l.repo.FinalizeSession(ctx, userID, sessionID)
}

// MarkSessionFailed marks a session failed. Missing sessions are ignored.
func (l *Ledger) MarkSessionFailed(ctx context.Context, userID uuid.UUID, sessionID string, err error) error {
	if sessionID == "" {
		return nil
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return l.repo.MarkSessionFailed(ctx, userID, sessionID, msg)
}
