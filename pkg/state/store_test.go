package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func seedPlan(t *testing.T, s *Store, planID string) {
	t.Helper()
	err := s.CreatePlan(context.Background(),
		PlanRecord{PlanID: planID, ExecutionMode: "sequential", Description: "test"},
		[]ActionRecord{
			{ActionID: "a1", Module: "memory", Action: "set"},
			{ActionID: "a2", Module: "memory", Action: "get"},
		})
	require.NoError(t, err)
}

func TestCreateAndGetPlan(t *testing.T) {
	s := newTestStore(t)
	seedPlan(t, s, "p1")

	rec, err := s.GetPlan(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, PlanPending, rec.Status)
	assert.NotZero(t, rec.CreatedAt)

	actions, err := s.GetActions(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionPending, actions[0].Status)
}

func TestGetPlanNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPlan(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestPlanStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	require.NoError(t, s.SetPlanStatus(ctx, "p1", PlanRunning, ""))
	rec, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, rec.StartedAt)

	require.NoError(t, s.SetPlanStatus(ctx, "p1", PlanCompleted, ""))
	rec, err = s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, rec.FinishedAt)

	// Terminal plans reject further transitions.
	err = s.SetPlanStatus(ctx, "p1", PlanRunning, "")
	assert.ErrorIs(t, err, ErrTerminalTransition)
}

func TestActionLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	require.NoError(t, s.SetActionStatus(ctx, "p1", "a1", ActionRunning, ""))
	require.NoError(t, s.SetActionAttempt(ctx, "p1", "a1", 2))
	require.NoError(t, s.SetActionResult(ctx, "p1", "a1", map[string]any{"ok": true}))

	err := s.SetActionStatus(ctx, "p1", "a1", ActionRunning, "")
	assert.ErrorIs(t, err, ErrTerminalTransition)

	require.NoError(t, s.SetActionSkipped(ctx, "p1", "a2", "dependency failed"))

	actions, err := s.GetActions(ctx, "p1")
	require.NoError(t, err)
	byID := map[string]ActionRecord{}
	for _, a := range actions {
		byID[a.ActionID] = a
	}
	assert.Equal(t, ActionCompleted, byID["a1"].Status)
	assert.Equal(t, 2, byID["a1"].Attempt)
	assert.Equal(t, ActionSkipped, byID["a2"].Status)
	assert.Equal(t, "dependency failed", byID["a2"].SkippedReason)
}

func TestSetActionFailedStoresAlternatives(t *testing.T) {
	s := newTestStore(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	require.NoError(t, s.SetActionFailed(ctx, "p1", "a1", "disk full",
		[]string{"Try 'memory.set' as an alternative"}))

	actions, err := s.GetActions(ctx, "p1")
	require.NoError(t, err)
	var rec *ActionRecord
	for i := range actions {
		if actions[i].ActionID == "a1" {
			rec = &actions[i]
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, ActionFailed, rec.Status)
	assert.Equal(t, "disk full", rec.Error)
	require.NotNil(t, rec.Alternatives)
	assert.Contains(t, *rec.Alternatives, "memory.set")

	// Failed actions are terminal.
	err = s.SetActionFailed(ctx, "p1", "a1", "again", nil)
	assert.ErrorIs(t, err, ErrTerminalTransition)
}

func TestSetPlanDetails(t *testing.T) {
	s := newTestStore(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	require.NoError(t, s.SetPlanDetails(ctx, "p1", `{"allowed":false}`))
	rec, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, `{"allowed":false}`, rec.Details)
}

func TestResults(t *testing.T) {
	s := newTestStore(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	require.NoError(t, s.SetActionResult(ctx, "p1", "a1", map[string]any{"value": "x"}))

	results, err := s.Results(ctx, "p1")
	require.NoError(t, err)
	require.Contains(t, results, "a1")
	assert.Equal(t, "x", results["a1"].(map[string]any)["value"])
	assert.NotContains(t, results, "a2")
}

func TestRecoverOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPlan(t, s, "running")
	require.NoError(t, s.SetPlanStatus(ctx, "running", PlanRunning, ""))
	require.NoError(t, s.SetActionStatus(ctx, "running", "a1", ActionRunning, ""))

	seedPlan(t, s, "queued")

	seedPlan(t, s, "done")
	require.NoError(t, s.SetPlanStatus(ctx, "done", PlanCompleted, ""))

	count, err := s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "running and pending plans are both non-terminal")

	rec, err := s.GetPlan(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, PlanFailed, rec.Status)
	assert.Contains(t, rec.Error, "restarted")

	done, err := s.GetPlan(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, done.Status)
}

func TestListPlans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPlan(t, s, "p1")
	seedPlan(t, s, "p2")
	require.NoError(t, s.SetPlanStatus(ctx, "p2", PlanRunning, ""))

	all, err := s.ListPlans(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := s.ListPlans(ctx, PlanRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "p2", running[0].PlanID)
}
