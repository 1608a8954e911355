package usage

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository is the transactional store behind the budget ledger.
//
// Implementations must guarantee:
//   - AppendSessionStep upserts the session row and appends the step in one
//     transaction; step order equals append order.
//   - RecordStandalone writes the monthly aggregate, the immutable operation
//     record and the budget counters in one transaction.
//   - ApplyCounters and the counter writes inside RecordStandalone are
//     month-rollover aware: a stale month resets counters to the operation's
//     values instead of incrementing.
type Repository interface {
	// AppendSessionStep creates the session if absent and appends a step.
	// Never touches monthly aggregates or per-operation records.
	AppendSessionStep(ctx context.Context, userID uuid.UUID, sessionID, feature string, step Step) error

	// FinalizeSession marks a session completed. No-op if the session does not exist.
	FinalizeSession(ctx context.Context, userID uuid.UUID, sessionID string) error

	// MarkSessionFailed marks a session failed with an error string. No-op if absent.
	MarkSessionFailed(ctx context.Context, userID uuid.UUID, sessionID string, errMsg string) error

	// GetSession loads one of the user's sessions with its ordered steps.
	GetSession(ctx context.Context, userID uuid.UUID, sessionID string) (*Session, error)

	// RecordStandalone transactionally writes aggregate + record + counters.
	RecordStandalone(ctx context.Context, rec *Record) error

	// RecordExceeded writes a budget-denied audit record. Counters untouched.
	RecordExceeded(ctx context.Context, rec *Record) error

	// ApplyCounters updates the denormalized budget counters for the session
	// path, with the month-rollover rule.
	ApplyCounters(ctx context.Context, userID uuid.UUID, usageType Type, cost decimal.Decimal, billableRun bool, month string) error

	// GetCounters returns the raw counters row, zero-valued if absent.
	GetCounters(ctx context.Context, userID uuid.UUID) (*BudgetCounters, error)

	// GetMonthlyAggregate returns the aggregate for a month, zero-valued if absent.
	GetMonthlyAggregate(ctx context.Context, userID uuid.UUID, usageType Type, month string) (*MonthlyAggregate, error)
}
