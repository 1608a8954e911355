package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"rolodex/internal/domain/usage"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Compile-time check
var _ usage.Repository = (*LedgerRepository)(nil)

// LedgerRepository implements usage.Repository on PostgreSQL.
//
// All read-modify-write on shared counters happens inside transactions or via
// single-statement conditional upserts, so concurrent operations for the same
// user are both reflected instead of one clobbering the other.
type LedgerRepository struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewLedgerRepository creates a new PostgreSQL ledger repository
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{
		db:  db,
		log: logger.Get().With("component", "ledger_repository"),
	}
}

// AppendSessionStep upserts the session row and appends the step atomically.
// The session is created implicitly on the first step; later steps increment
// totals and extend the ordered step history.
func (r *LedgerRepository) AppendSessionStep(ctx context.Context, userID uuid.UUID, sessionID, feature string, step usage.Step) error {
	metadataJSON, err := marshalMetadata(step.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal step metadata")
	}

	runs := 0
	if step.IsBillableRun {
		runs = 1
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	// step_count doubles as the next step number; RETURNING keeps the
	// append order stable under concurrent writers.
	upsert := `
		INSERT INTO usage_sessions (
			session_id, user_id, feature, status, total_cost, total_runs,
			step_count, created_at, last_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 1, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			total_cost      = usage_sessions.total_cost + EXCLUDED.total_cost,
			total_runs      = usage_sessions.total_runs + EXCLUDED.total_runs,
			step_count      = usage_sessions.step_count + 1,
			last_updated_at = NOW()
		RETURNING step_count`

	var stepNumber int
	err = tx.QueryRowContext(ctx, upsert,
		sessionID, userID, feature, usage.StatusInProgress, step.Cost, runs,
	).Scan(&stepNumber)
	if err != nil {
		return errors.Wrap(err, "failed to upsert session")
	}

	insertStep := `
		INSERT INTO usage_session_steps (
			session_id, step_number, step_label, feature, provider, usage_type,
			cost, is_billable_run, duration_ms, cache_hit, metadata, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`

	_, err = tx.ExecContext(ctx, insertStep,
		sessionID, stepNumber, step.StepLabel, step.Feature, step.Provider,
		step.UsageType, step.Cost, step.IsBillableRun, step.DurationMs,
		step.CacheHit, metadataJSON,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append session step")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit session step")
	}

	return nil
}

// FinalizeSession marks a session completed. Missing sessions are a no-op.
func (r *LedgerRepository) FinalizeSession(ctx context.Context, userID uuid.UUID, sessionID string) error {
	query := `
		UPDATE usage_sessions
		SET status = $3, completed_at = NOW(), last_updated_at = NOW()
		WHERE session_id = $1 AND user_id = $2`

	result, err := r.db.ExecContext(ctx, query, sessionID, userID, usage.StatusCompleted)
	if err != nil {
		return errors.Wrap(err, "failed to finalize session")
	}

	if n, _ := result.RowsAffected(); n == 0 {
		r.log.Debugw("finalize on unknown session ignored", "session_id", sessionID)
	}

	return nil
}

// MarkSessionFailed marks a session failed. Missing sessions are a no-op.
func (r *LedgerRepository) MarkSessionFailed(ctx context.Context, userID uuid.UUID, sessionID string, errMsg string) error {
	query := `
		UPDATE usage_sessions
		SET status = $3, error = $4, completed_at = NOW(), last_updated_at = NOW()
		WHERE session_id = $1 AND user_id = $2`

	_, err := r.db.ExecContext(ctx, query, sessionID, userID, usage.StatusFailed, errMsg)
	if err != nil {
		return errors.Wrap(err, "failed to mark session failed")
	}

	return nil
}

// GetSession loads a session with its steps in append order. Scoped to the
// owner like every other session operation.
func (r *LedgerRepository) GetSession(ctx context.Context, userID uuid.UUID, sessionID string) (*usage.Session, error) {
	var sess usage.Session
	err := r.db.GetContext(ctx, &sess, `
		SELECT session_id, user_id, feature, status, total_cost, total_runs,
		       step_count, COALESCE(error, '') AS error,
		       created_at, last_updated_at, completed_at
		FROM usage_sessions
		WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "session not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT step_number, step_label, feature, provider, usage_type, cost,
		       is_billable_run, duration_ms, cache_hit, metadata, recorded_at
		FROM usage_session_steps
		WHERE session_id = $1
		ORDER BY step_number ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session steps")
	}
	defer rows.Close()

	for rows.Next() {
		var step usage.Step
		var metadataJSON []byte
		err := rows.Scan(
			&step.StepNumber, &step.StepLabel, &step.Feature, &step.Provider,
			&step.UsageType, &step.Cost, &step.IsBillableRun, &step.DurationMs,
			&step.CacheHit, &metadataJSON, &step.RecordedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan session step")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &step.Metadata); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal step metadata")
			}
		}
		sess.Steps = append(sess.Steps, step)
	}

	return &sess, rows.Err()
}

// RecordStandalone writes the monthly aggregate, the immutable operation
// record and the budget counters within one transaction. This is the only
// path that writes aggregates and per-operation records.
func (r *LedgerRepository) RecordStandalone(ctx context.Context, rec *usage.Record) error {
	month := usage.MonthKey(rec.CreatedAt)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := r.upsertAggregate(ctx, tx, rec, month); err != nil {
		return err
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}

	if err := applyCountersTx(ctx, tx, rec.UserID, rec.UsageType, rec.Cost, rec.IsBillableRun, month); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit standalone record")
	}

	return nil
}

// RecordExceeded writes a budget-denied audit record outside any transaction
// with counters. The record carries the cost that would have been charged.
func (r *LedgerRepository) RecordExceeded(ctx context.Context, rec *usage.Record) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit exceeded record")
	}

	return nil
}

// ApplyCounters updates budget counters for session-attributed operations
func (r *LedgerRepository) ApplyCounters(ctx context.Context, userID uuid.UUID, usageType usage.Type, cost decimal.Decimal, billableRun bool, month string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := applyCountersTx(ctx, tx, userID, usageType, cost, billableRun, month); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit counters")
	}

	return nil
}

// GetCounters returns the raw counters row; a zero-valued struct if absent
func (r *LedgerRepository) GetCounters(ctx context.Context, userID uuid.UUID) (*usage.BudgetCounters, error) {
	var counters usage.BudgetCounters
	err := r.db.GetContext(ctx, &counters, `
		SELECT user_id, monthly_total_cost, monthly_billable_runs_ai,
		       monthly_billable_runs_api, monthly_usage_month, updated_at
		FROM user_budget_counters
		WHERE user_id = $1`, userID)
	if err == sql.ErrNoRows {
		return &usage.BudgetCounters{UserID: userID}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get budget counters")
	}

	return &counters, nil
}

// GetMonthlyAggregate returns the aggregate for a month; zero-valued if absent
func (r *LedgerRepository) GetMonthlyAggregate(ctx context.Context, userID uuid.UUID, usageType usage.Type, month string) (*usage.MonthlyAggregate, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT user_id, usage_type, month, total_cost, total_runs,
		       total_api_calls, feature_breakdown, provider_breakdown, updated_at
		FROM usage_monthly
		WHERE user_id = $1 AND usage_type = $2 AND month = $3`,
		userID, usageType, month)

	var agg usage.MonthlyAggregate
	var featureJSON, providerJSON []byte
	err := row.Scan(
		&agg.UserID, &agg.UsageType, &agg.Month, &agg.TotalCost, &agg.TotalRuns,
		&agg.TotalAPICalls, &featureJSON, &providerJSON, &agg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return &usage.MonthlyAggregate{
			UserID:            userID,
			UsageType:         usageType,
			Month:             month,
			FeatureBreakdown:  map[string]usage.BreakdownEntry{},
			ProviderBreakdown: map[string]usage.BreakdownEntry{},
		}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get monthly aggregate")
	}

	if err := json.Unmarshal(featureJSON, &agg.FeatureBreakdown); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal feature breakdown")
	}
	if err := json.Unmarshal(providerJSON, &agg.ProviderBreakdown); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal provider breakdown")
	}

	return &agg, nil
}

// upsertAggregate reads the aggregate row under lock, merges the breakdown
// maps in memory and writes the result back within the caller's transaction.
func (r *LedgerRepository) upsertAggregate(ctx context.Context, tx *sqlx.Tx, rec *usage.Record, month string) error {
	row := tx.QueryRowxContext(ctx, `
		SELECT total_cost, total_runs, total_api_calls, feature_breakdown, provider_breakdown
		FROM usage_monthly
		WHERE user_id = $1 AND usage_type = $2 AND month = $3
		FOR UPDATE`,
		rec.UserID, rec.UsageType, month)

	totalCost := decimal.Zero
	totalRuns, totalCalls := 0, 0
	features := map[string]usage.BreakdownEntry{}
	providers := map[string]usage.BreakdownEntry{}

	var featureJSON, providerJSON []byte
	err := row.Scan(&totalCost, &totalRuns, &totalCalls, &featureJSON, &providerJSON)
	switch {
	case err == sql.ErrNoRows:
		// first operation of the month, start from zero defaults
	case err != nil:
		return errors.Wrap(err, "failed to read monthly aggregate")
	default:
		if err := json.Unmarshal(featureJSON, &features); err != nil {
			return errors.Wrap(err, "failed to unmarshal feature breakdown")
		}
		if err := json.Unmarshal(providerJSON, &providers); err != nil {
			return errors.Wrap(err, "failed to unmarshal provider breakdown")
		}
	}

	runs := 0
	if rec.IsBillableRun {
		runs = 1
	}

	totalCost = totalCost.Add(rec.Cost)
	totalRuns += runs
	totalCalls++
	mergeBreakdown(features, rec.Feature, rec.Cost, runs)
	mergeBreakdown(providers, rec.Provider, rec.Cost, runs)

	featureJSON, err = json.Marshal(features)
	if err != nil {
		return errors.Wrap(err, "failed to marshal feature breakdown")
	}
	providerJSON, err = json.Marshal(providers)
	if err != nil {
		return errors.Wrap(err, "failed to marshal provider breakdown")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_monthly (
			user_id, usage_type, month, total_cost, total_runs, total_api_calls,
			feature_breakdown, provider_breakdown, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id, usage_type, month) DO UPDATE SET
			total_cost         = EXCLUDED.total_cost,
			total_runs         = EXCLUDED.total_runs,
			total_api_calls    = EXCLUDED.total_api_calls,
			feature_breakdown  = EXCLUDED.feature_breakdown,
			provider_breakdown = EXCLUDED.provider_breakdown,
			updated_at         = NOW()`,
		rec.UserID, rec.UsageType, month, totalCost, totalRuns, totalCalls,
		featureJSON, providerJSON,
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert monthly aggregate")
	}

	return nil
}

func mergeBreakdown(m map[string]usage.BreakdownEntry, key string, cost decimal.Decimal, runs int) {
	if key == "" {
		key = "unknown"
	}
	entry := m[key]
	entry.Cost = entry.Cost.Add(cost)
	entry.APICalls++
	entry.BillableRuns += runs
	m[key] = entry
}

func insertRecord(ctx context.Context, tx *sqlx.Tx, rec *usage.Record) error {
	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal record metadata")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (
			operation_id, user_id, usage_type, feature, provider, cost,
			is_billable_run, budget_exceeded, exceeded_reason, estimated_cost,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.OperationID, rec.UserID, rec.UsageType, rec.Feature, rec.Provider,
		rec.Cost, rec.IsBillableRun, rec.BudgetExceeded, rec.ExceededReason,
		rec.EstimatedCost, metadataJSON, rec.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert usage record")
	}

	return nil
}

// applyCountersTx upserts the denormalized counters with the month-rollover
// rule baked into the statement: a stale stored month resets the counters to
// this operation's values instead of incrementing stale data.
func applyCountersTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, usageType usage.Type, cost decimal.Decimal, billableRun bool, month string) error {
	runsAI, runsAPI := 0, 0
	if billableRun {
		if usageType == usage.TypeAPI {
			runsAPI = 1
		} else {
			runsAI = 1
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_budget_counters (
			user_id, monthly_total_cost, monthly_billable_runs_ai,
			monthly_billable_runs_api, monthly_usage_month, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			monthly_total_cost = CASE
				WHEN user_budget_counters.monthly_usage_month = EXCLUDED.monthly_usage_month
				THEN user_budget_counters.monthly_total_cost + EXCLUDED.monthly_total_cost
				ELSE EXCLUDED.monthly_total_cost END,
			monthly_billable_runs_ai = CASE
				WHEN user_budget_counters.monthly_usage_month = EXCLUDED.monthly_usage_month
				THEN user_budget_counters.monthly_billable_runs_ai + EXCLUDED.monthly_billable_runs_ai
				ELSE EXCLUDED.monthly_billable_runs_ai END,
			monthly_billable_runs_api = CASE
				WHEN user_budget_counters.monthly_usage_month = EXCLUDED.monthly_usage_month
				THEN user_budget_counters.monthly_billable_runs_api + EXCLUDED.monthly_billable_runs_api
				ELSE EXCLUDED.monthly_billable_runs_api END,
			monthly_usage_month = EXCLUDED.monthly_usage_month,
			updated_at          = NOW()`,
		userID, cost, runsAI, runsAPI, month,
	)
	if err != nil {
		return errors.Wrap(err, "failed to apply budget counters")
	}

	return nil
}

func marshalMetadata(m usage.Metadata) ([]byte, error) {
	if m == nil {
		m = usage.Metadata{}
	}
	return json.Marshal(m)
}
