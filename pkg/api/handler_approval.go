package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llmos-dev/llmos-bridge/pkg/approval"
)

type approveActionRequest struct {
	Decision       string         `json:"decision" binding:"required"`
	ModifiedParams map[string]any `json:"modified_params"`
	Reason         string         `json:"reason"`
	ApprovedBy     string         `json:"approved_by"`
}

// approveActionHandler handles POST /api/v1/plans/:id/actions/:action_id/approve.
func (s *Server) approveActionHandler(c *gin.Context) {
	planID := c.Param("id")
	actionID := c.Param("action_id")

	var req approveActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := approval.Decision(req.Decision)
	if !decision.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid decision %q: must be approve, reject, skip, modify, or approve_always", req.Decision),
		})
		return
	}

	applied := s.gate.SubmitDecision(planID, actionID, approval.Response{
		Decision:       decision,
		ModifiedParams: req.ModifiedParams,
		Reason:         req.Reason,
		ApprovedBy:     req.ApprovedBy,
	})
	if !applied {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("action %q in plan %q is not pending approval", actionID, planID),
		})
		return
	}

	s.logger.Info("approval decision submitted",
		"plan_id", planID, "action_id", actionID, "decision", req.Decision)
	c.JSON(http.StatusOK, gin.H{
		"plan_id":   planID,
		"action_id": actionID,
		"decision":  decision,
		"applied":   true,
	})
}

// pendingApprovalsHandler handles GET /api/v1/plans/:id/pending-approvals.
func (s *Server) pendingApprovalsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.Pending(c.Param("id")))
}

// listApprovalsHandler handles GET /api/v1/approvals across all plans.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	pending := s.gate.Pending(c.Query("plan_id"))
	c.JSON(http.StatusOK, gin.H{"pending": pending, "total": len(pending)})
}
