// Package state persists plan and action execution state to SQLite so
// progress survives daemon restarts.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Sentinel errors.
var (
	ErrPlanNotFound       = errors.New("plan not found")
	ErrActionNotFound     = errors.New("action not found")
	ErrTerminalTransition = errors.New("transition out of terminal status")
)

// Store is the durable execution state store.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreatePlan inserts the plan row and one pending row per action.
func (s *Store) CreatePlan(ctx context.Context, rec PlanRecord, actions []ActionRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create plan: %w", err)
	}
	defer tx.Rollback()

	if rec.Status == "" {
		rec.Status = PlanPending
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO plans (plan_id, status, execution_mode, description, session_id, raw, error, created_at)
		VALUES (:plan_id, :status, :execution_mode, :description, :session_id, :raw, :error, :created_at)`,
		rec); err != nil {
		return fmt.Errorf("insert plan %s: %w", rec.PlanID, err)
	}

	for i := range actions {
		a := actions[i]
		a.PlanID = rec.PlanID
		if a.Status == "" {
			a.Status = ActionPending
		}
		if a.MaxAttempts == 0 {
			a.MaxAttempts = 1
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO actions (plan_id, action_id, status, module, action, attempt, max_attempts, error, skipped_reason)
			VALUES (:plan_id, :action_id, :status, :module, :action, :attempt, :max_attempts, :error, :skipped_reason)`,
			a); err != nil {
			return fmt.Errorf("insert action %s/%s: %w", rec.PlanID, a.ActionID, err)
		}
	}
	return tx.Commit()
}

// GetPlan loads a plan row.
func (s *Store) GetPlan(ctx context.Context, planID string) (*PlanRecord, error) {
	var rec PlanRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM plans WHERE plan_id = ?`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	return &rec, nil
}

// GetActions loads all action rows of a plan.
func (s *Store) GetActions(ctx context.Context, planID string) ([]ActionRecord, error) {
	var recs []ActionRecord
	if err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM actions WHERE plan_id = ? ORDER BY action_id`, planID); err != nil {
		return nil, fmt.Errorf("load actions of %s: %w", planID, err)
	}
	return recs, nil
}

// ListPlans returns plans filtered by status ("" = all), newest first.
func (s *Store) ListPlans(ctx context.Context, status PlanStatus, limit int) ([]PlanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []PlanRecord
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT * FROM plans ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT * FROM plans WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return recs, nil
}

// SetPlanStatus transitions a plan. Transitions out of a terminal status
// are rejected.
func (s *Store) SetPlanStatus(ctx context.Context, planID string, status PlanStatus, planErr string) error {
	current, err := s.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: plan %s is %s, cannot become %s",
			ErrTerminalTransition, planID, current.Status, status)
	}

	now := time.Now().Unix()
	query := `UPDATE plans SET status = ?, error = ? WHERE plan_id = ?`
	args := []any{status, planErr, planID}
	switch {
	case status == PlanRunning:
		query = `UPDATE plans SET status = ?, error = ?, started_at = ? WHERE plan_id = ?`
		args = []any{status, planErr, now, planID}
	case status.IsTerminal():
		query = `UPDATE plans SET status = ?, error = ?, finished_at = ? WHERE plan_id = ?`
		args = []any{status, planErr, now, planID}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update plan %s status: %w", planID, err)
	}
	return nil
}

// SetActionStatus transitions an action. Terminal actions reject further
// transitions.
func (s *Store) SetActionStatus(ctx context.Context, planID, actionID string, status ActionStatus, actionErr string) error {
	var current ActionStatus
	err := s.db.GetContext(ctx, &current,
		`SELECT status FROM actions WHERE plan_id = ? AND action_id = ?`, planID, actionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrActionNotFound, planID, actionID)
	}
	if err != nil {
		return fmt.Errorf("load action %s/%s: %w", planID, actionID, err)
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: action %s/%s is %s, cannot become %s",
			ErrTerminalTransition, planID, actionID, current, status)
	}

	now := time.Now().Unix()
	query := `UPDATE actions SET status = ?, error = ? WHERE plan_id = ? AND action_id = ?`
	args := []any{status, actionErr, planID, actionID}
	switch {
	case status == ActionRunning && current != ActionRetrying:
		query = `UPDATE actions SET status = ?, error = ?, started_at = ? WHERE plan_id = ? AND action_id = ?`
		args = []any{status, actionErr, now, planID, actionID}
	case status.IsTerminal():
		query = `UPDATE actions SET status = ?, error = ?, finished_at = ? WHERE plan_id = ? AND action_id = ?`
		args = []any{status, actionErr, now, planID, actionID}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update action %s/%s status: %w", planID, actionID, err)
	}
	return nil
}

// SetPlanDetails attaches structured diagnostic JSON (for example the
// scan report of a rejected plan) to the plan row.
func (s *Store) SetPlanDetails(ctx context.Context, planID, details string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE plans SET details = ? WHERE plan_id = ?`, details, planID); err != nil {
		return fmt.Errorf("update plan %s details: %w", planID, err)
	}
	return nil
}

// SetActionFailed marks an action failed and records the alternative
// approaches suggested to the caller.
func (s *Store) SetActionFailed(ctx context.Context, planID, actionID, actionErr string, alternatives []string) error {
	if err := s.SetActionStatus(ctx, planID, actionID, ActionFailed, actionErr); err != nil {
		return err
	}
	if len(alternatives) == 0 {
		return nil
	}
	buf, err := json.Marshal(alternatives)
	if err != nil {
		return fmt.Errorf("encode alternatives of %s/%s: %w", planID, actionID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE actions SET alternatives = ? WHERE plan_id = ? AND action_id = ?`,
		string(buf), planID, actionID); err != nil {
		return fmt.Errorf("store alternatives of %s/%s: %w", planID, actionID, err)
	}
	return nil
}

// SetActionAttempt records the current retry attempt counter.
func (s *Store) SetActionAttempt(ctx context.Context, planID, actionID string, attempt int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE actions SET attempt = ? WHERE plan_id = ? AND action_id = ?`,
		attempt, planID, actionID); err != nil {
		return fmt.Errorf("update action %s/%s attempt: %w", planID, actionID, err)
	}
	return nil
}

// SetActionResult stores the (already sanitised) result JSON and marks the
// action completed.
func (s *Store) SetActionResult(ctx context.Context, planID, actionID string, result any) error {
	buf, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of %s/%s: %w", planID, actionID, err)
	}
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ?, result = ?, finished_at = ? WHERE plan_id = ? AND action_id = ?`,
		ActionCompleted, string(buf), now, planID, actionID); err != nil {
		return fmt.Errorf("store result of %s/%s: %w", planID, actionID, err)
	}
	return nil
}

// SetActionSkipped marks an action skipped with a reason.
func (s *Store) SetActionSkipped(ctx context.Context, planID, actionID, reason string) error {
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ?, skipped_reason = ?, finished_at = ? WHERE plan_id = ? AND action_id = ?`,
		ActionSkipped, reason, now, planID, actionID); err != nil {
		return fmt.Errorf("skip action %s/%s: %w", planID, actionID, err)
	}
	return nil
}

// Results decodes the stored results of all completed actions of a plan.
func (s *Store) Results(ctx context.Context, planID string) (map[string]any, error) {
	recs, err := s.GetActions(ctx, planID)
	if err != nil {
		return nil, err
	}
	results := make(map[string]any)
	for _, rec := range recs {
		if rec.Status != ActionCompleted || rec.Result == nil {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(*rec.Result), &value); err != nil {
			slog.Warn("Stored action result is not valid JSON",
				"plan_id", planID, "action_id", rec.ActionID, "error", err)
			continue
		}
		results[rec.ActionID] = value
	}
	return results, nil
}

// RecoverOrphans marks every non-terminal plan (and its non-terminal
// actions) as failed. Called once at daemon startup so plans interrupted
// by a crash or shutdown never appear to be running.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	const recoveryError = "daemon restarted while plan was in progress"

	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, error = ?, finished_at = ?
		WHERE status NOT IN (?, ?, ?, ?)`,
		PlanFailed, recoveryError, now,
		PlanCompleted, PlanFailed, PlanCancelled, PlanPartial)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned plans: %w", err)
	}
	count, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?, error = ?, finished_at = ?
		WHERE status NOT IN (?, ?, ?)`,
		ActionFailed, recoveryError, now,
		ActionCompleted, ActionFailed, ActionSkipped); err != nil {
		return 0, fmt.Errorf("recover orphaned actions: %w", err)
	}

	if count > 0 {
		slog.Warn("Recovered orphaned plans from previous run", "count", count)
	}
	return int(count), nil
}

// DeletePlan removes a plan and its actions.
func (s *Store) DeletePlan(ctx context.Context, planID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE plan_id = ?`, planID); err != nil {
		return fmt.Errorf("delete plan %s: %w", planID, err)
	}
	return nil
}
