package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/security"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

type submitPlanRequest struct {
	Plan map[string]any `json:"plan" binding:"required"`
	// Async makes the submission return 202 immediately; callers poll
	// GET /plans/:id for progress.
	Async bool `json:"async_execution"`
}

// submitPlanHandler handles POST /api/v1/plans.
func (s *Server) submitPlanHandler(c *gin.Context) {
	var req submitPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, err := s.parser.ParseMap(req.Plan)
	if err == nil {
		err = s.validator.Validate(plan)
	}
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, protocol.ErrParse) {
			status = http.StatusBadRequest
		}
		raw, _ := json.Marshal(req.Plan)
		c.JSON(status, gin.H{
			"error":      err.Error(),
			"correction": s.correction.Format(err, string(raw)),
		})
		return
	}

	if req.Async {
		go func() {
			if _, runErr := s.executor.Run(context.Background(), plan); runErr != nil {
				s.logger.Warn("async plan failed", "plan_id", plan.PlanID, "error", runErr)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{
			"plan_id": plan.PlanID,
			"status":  state.PlanPending,
			"message": "Plan accepted. Poll GET /api/v1/plans/" + plan.PlanID + " for status.",
		})
		return
	}

	type runResult struct {
		st  *state.ExecutionState
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		st, runErr := s.executor.Run(context.Background(), plan)
		done <- runResult{st, runErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			c.JSON(runErrorStatus(res.err), gin.H{"error": res.err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"plan_id": res.st.PlanID,
			"status":  res.st.PlanStatus,
			"message": fmt.Sprintf("Plan finished with status: %s", res.st.PlanStatus),
			"actions": actionViews(res.st),
		})
	case <-time.After(s.syncTimeout):
		s.executor.Cancel(plan.PlanID)
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error": fmt.Sprintf("synchronous execution timed out after %s; use async_execution=true", s.syncTimeout),
		})
	}
}

// listPlansHandler handles GET /api/v1/plans.
func (s *Server) listPlansHandler(c *gin.Context) {
	var status state.PlanStatus
	if v := c.Query("status"); v != "" {
		status = state.PlanStatus(v)
		if !status.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + v})
			return
		}
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	plans, err := s.store.ListPlans(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]gin.H, 0, len(plans))
	for i := range plans {
		views = append(views, planView(&plans[i]))
	}
	c.JSON(http.StatusOK, gin.H{"plans": views, "total": len(views)})
}

// getPlanHandler handles GET /api/v1/plans/:id.
func (s *Server) getPlanHandler(c *gin.Context) {
	planID := c.Param("id")
	rec, err := s.store.GetPlan(c.Request.Context(), planID)
	if err != nil {
		if errors.Is(err, state.ErrPlanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found: " + planID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	actions, err := s.store.GetActions(c.Request.Context(), planID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	view := planView(rec)
	actionList := make([]gin.H, 0, len(actions))
	for i := range actions {
		actionList = append(actionList, actionRecordView(&actions[i]))
	}
	view["actions"] = actionList
	c.JSON(http.StatusOK, view)
}

// cancelPlanHandler handles DELETE /api/v1/plans/:id.
func (s *Server) cancelPlanHandler(c *gin.Context) {
	planID := c.Param("id")

	if s.executor.Cancel(planID) {
		s.logger.Info("plan cancelled via api", "plan_id", planID)
	}

	if _, err := s.store.GetPlan(c.Request.Context(), planID); err != nil {
		if errors.Is(err, state.ErrPlanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found: " + planID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Plans that already reached a terminal status keep it.
	err := s.store.SetPlanStatus(c.Request.Context(), planID, state.PlanCancelled, "")
	if err != nil && !errors.Is(err, state.ErrTerminalTransition) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// planResultsHandler handles GET /api/v1/plans/:id/results.
func (s *Server) planResultsHandler(c *gin.Context) {
	planID := c.Param("id")
	if _, err := s.store.GetPlan(c.Request.Context(), planID); err != nil {
		if errors.Is(err, state.ErrPlanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found: " + planID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	results, err := s.store.Results(c.Request.Context(), planID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan_id": planID, "results": results})
}

// runErrorStatus maps executor failures onto HTTP status codes.
func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, security.ErrPermissionDenied),
		errors.Is(err, security.ErrScanRejected):
		return http.StatusForbidden
	case errors.Is(err, security.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, protocol.ErrUnsupportedVersion),
		errors.Is(err, protocol.ErrValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func planView(rec *state.PlanRecord) gin.H {
	var details any
	if rec.Details != "" {
		if err := json.Unmarshal([]byte(rec.Details), &details); err != nil {
			details = rec.Details
		}
	}
	return gin.H{
		"plan_id":        rec.PlanID,
		"status":         rec.Status,
		"execution_mode": rec.ExecutionMode,
		"description":    rec.Description,
		"session_id":     rec.SessionID,
		"error":          rec.Error,
		"details":        details,
		"created_at":     rec.CreatedAt,
		"started_at":     rec.StartedAt,
		"finished_at":    rec.FinishedAt,
	}
}

func actionRecordView(a *state.ActionRecord) gin.H {
	var result any
	if a.Result != nil {
		if err := json.Unmarshal([]byte(*a.Result), &result); err != nil {
			result = *a.Result
		}
	}
	var alternatives []string
	if a.Alternatives != nil {
		if err := json.Unmarshal([]byte(*a.Alternatives), &alternatives); err != nil {
			alternatives = nil
		}
	}
	return gin.H{
		"action_id":      a.ActionID,
		"module":         a.Module,
		"action":         a.Action,
		"status":         a.Status,
		"attempt":        a.Attempt,
		"result":         result,
		"error":          a.Error,
		"alternatives":   alternatives,
		"skipped_reason": a.SkippedReason,
		"started_at":     a.StartedAt,
		"finished_at":    a.FinishedAt,
	}
}

// actionViews renders the in-memory execution state for sync callers,
// in stable action ID order.
func actionViews(st *state.ExecutionState) []gin.H {
	ids := make([]string, 0, len(st.Actions))
	for id := range st.Actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		a := st.Actions[id]
		out = append(out, gin.H{
			"action_id":      a.ActionID,
			"module":         a.Module,
			"action":         a.Action,
			"status":         a.Status,
			"attempt":        a.Attempt,
			"result":         a.Result,
			"error":          a.Error,
			"alternatives":   a.Alternatives,
			"skipped_reason": a.SkippedReason,
		})
	}
	return out
}
