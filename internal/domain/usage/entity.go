package usage

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type classifies what kind of metered resource an operation consumed
type Type string

const (
	TypeAI  Type = "ai"
	TypeAPI Type = "api"
)

// SessionStatus is the lifecycle state of a usage session
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// Exceeded reasons recorded on budget-denied operations
const (
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonRunsExceeded   = "runs_exceeded"
)

// Metadata is an open key/value bag attached to usage records.
// Keys are strings, values must be JSON-serializable.
type Metadata map[string]interface{}

// Record is one immutable accounting event
type Record struct {
	OperationID    uuid.UUID       `db:"operation_id"`
	UserID         uuid.UUID       `db:"user_id"`
	UsageType      Type            `db:"usage_type"`
	Feature        string          `db:"feature"`
	Provider       string          `db:"provider"`
	Cost           decimal.Decimal `db:"cost"`
	IsBillableRun  bool            `db:"is_billable_run"`
	BudgetExceeded bool            `db:"budget_exceeded"`
	ExceededReason string          `db:"exceeded_reason"`
	EstimatedCost  decimal.Decimal `db:"estimated_cost"`
	Metadata       Metadata        `db:"metadata"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Step is one entry in a session's ordered step history
type Step struct {
	StepNumber    int             `db:"step_number"`
	StepLabel     string          `db:"step_label"`
	Feature       string          `db:"feature"`
	Provider      string          `db:"provider"`
	UsageType     Type            `db:"usage_type"`
	Cost          decimal.Decimal `db:"cost"`
	IsBillableRun bool            `db:"is_billable_run"`
	DurationMs    int64           `db:"duration_ms"`
	CacheHit      bool            `db:"cache_hit"`
	Metadata      Metadata        `db:"metadata"`
	RecordedAt    time.Time       `db:"recorded_at"`
}

// Session groups the steps of one multi-stage logical operation.
// Steps preserve execution order; append-only.
type Session struct {
	SessionID     string          `db:"session_id"`
	UserID        uuid.UUID       `db:"user_id"`
	Feature       string          `db:"feature"`
	Status        SessionStatus   `db:"status"`
	TotalCost     decimal.Decimal `db:"total_cost"`
	TotalRuns     int             `db:"total_runs"`
	StepCount     int             `db:"step_count"`
	Error         string          `db:"error"`
	CreatedAt     time.Time       `db:"created_at"`
	LastUpdatedAt time.Time       `db:"last_updated_at"`
	CompletedAt   *time.Time      `db:"completed_at"`
	Steps         []Step          `db:"-"`
}

// BreakdownEntry is a per-feature or per-provider slice of a monthly aggregate
type BreakdownEntry struct {
	Cost         decimal.Decimal `json:"cost"`
	APICalls     int             `json:"apiCalls"`
	BillableRuns int             `json:"billableRuns"`
}

// MonthlyAggregate accumulates standalone operations per (user, type, month).
// Session-attributed operations never touch it.
type MonthlyAggregate struct {
	UserID            uuid.UUID                 `db:"user_id"`
	UsageType         Type                      `db:"usage_type"`
	Month             string                    `db:"month"` // YYYY-MM
	TotalCost         decimal.Decimal           `db:"total_cost"`
	TotalRuns         int                       `db:"total_runs"`
	TotalAPICalls     int                       `db:"total_api_calls"`
	FeatureBreakdown  map[string]BreakdownEntry `db:"-"`
	ProviderBreakdown map[string]BreakdownEntry `db:"-"`
	UpdatedAt         time.Time                 `db:"updated_at"`
}

// BudgetCounters are the denormalized real-time counters used for fast
// affordability checks. When Month differs from the current month the values
// are stale and must be read as zero until the next write resets them.
type BudgetCounters struct {
	UserID          uuid.UUID       `db:"user_id"`
	MonthlyCost     decimal.Decimal `db:"monthly_total_cost"`
	BillableRunsAI  int             `db:"monthly_billable_runs_ai"`
	BillableRunsAPI int             `db:"monthly_billable_runs_api"`
	Month           string          `db:"monthly_usage_month"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// EffectiveForMonth returns the counters as they should be read for the given
// month, applying the rollover-as-zero rule for stale data.
func (c BudgetCounters) EffectiveForMonth(month string) BudgetCounters {
	if c.Month == month {
		return c
	}
	return BudgetCounters{
		UserID: c.UserID,
		Month:  month,
	}
}

// BudgetDecision is the structured outcome of an affordability check. It is
// threaded through the pipeline so downstream recording can report against the
// same pre-flight check without re-querying.
type BudgetDecision struct {
	CanAfford       bool
	Reason          string
	RemainingBudget decimal.Decimal
	RemainingRuns   int
	Unlimited       bool
}

// MonthKey formats a timestamp as the YYYY-MM aggregation key
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// stage suffixes stripped when deriving a session's base feature name
var stageSuffixes = []string{
	"_enhance",
	"_tags",
	"_tagging",
	"_embedding",
	"_vector",
	"_rerank",
	"_geocode",
	"_venue",
}

// BaseFeature strips stage suffixes from a feature key so all steps of one
// pipeline group under the same session feature name.
func BaseFeature(feature string) string {
	for _, suffix := range stageSuffixes {
		if strings.HasSuffix(feature, suffix) {
			return strings.TrimSuffix(feature, suffix)
		}
	}
	return feature
}
