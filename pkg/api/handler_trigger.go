package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llmos-dev/llmos-bridge/pkg/triggers"
)

// triggerDaemon guards every trigger route: the subsystem is optional
// and routes answer 503 when it is disabled.
func (s *Server) triggerDaemon(c *gin.Context) (*triggers.Daemon, bool) {
	if s.daemon == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "trigger daemon is not enabled; set triggers.enabled=true in config",
		})
		return nil, false
	}
	return s.daemon, true
}

type registerTriggerRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Condition   struct {
		Type   string         `json:"type" binding:"required"`
		Params map[string]any `json:"params"`
	} `json:"condition" binding:"required"`
	PlanTemplate       map[string]any `json:"plan_template" binding:"required"`
	PlanIDPrefix       string         `json:"plan_id_prefix"`
	Priority           string         `json:"priority"`
	MinIntervalSeconds float64        `json:"min_interval_seconds"`
	MaxFiresPerHour    int            `json:"max_fires_per_hour"`
	ConflictPolicy     string         `json:"conflict_policy"`
	ResourceLock       string         `json:"resource_lock"`
	Enabled            *bool          `json:"enabled"`
	Tags               []string       `json:"tags"`
	ExpiresAt          float64        `json:"expires_at"`
	MaxChainDepth      int            `json:"max_chain_depth"`
}

var priorityNames = map[string]triggers.Priority{
	"background": triggers.PriorityBackground,
	"low":        triggers.PriorityLow,
	"normal":     triggers.PriorityNormal,
	"high":       triggers.PriorityHigh,
	"critical":   triggers.PriorityCritical,
}

func priorityName(p triggers.Priority) string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}
	return "normal"
}

// registerTriggerHandler handles POST /api/v1/triggers.
func (s *Server) registerTriggerHandler(c *gin.Context) {
	daemon, ok := s.triggerDaemon(c)
	if !ok {
		return
	}

	var req registerTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	def := &triggers.Definition{
		Name:        req.Name,
		Description: req.Description,
		Condition: triggers.Condition{
			Type:   triggers.Type(req.Condition.Type),
			Params: req.Condition.Params,
		},
		PlanTemplate:       req.PlanTemplate,
		PlanIDPrefix:       req.PlanIDPrefix,
		Priority:           priorityNames[req.Priority],
		MinIntervalSeconds: req.MinIntervalSeconds,
		MaxFiresPerHour:    req.MaxFiresPerHour,
		ConflictPolicy:     triggers.ConflictPolicy(req.ConflictPolicy),
		ResourceLock:       req.ResourceLock,
		Enabled:            enabled,
		Tags:               req.Tags,
		ExpiresAt:          req.ExpiresAt,
		MaxChainDepth:      req.MaxChainDepth,
		CreatedBy:          "user",
	}
	if req.Priority == "" {
		def.Priority = triggers.PriorityNormal
	} else if _, known := priorityNames[req.Priority]; !known {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid priority: must be background, low, normal, high, or critical",
		})
		return
	}

	if err := daemon.Register(c.Request.Context(), def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"trigger_id": def.TriggerID,
		"name":       def.Name,
		"state":      def.State,
		"message":    "Trigger registered successfully",
	})
}

// listTriggersHandler handles GET /api/v1/triggers.
func (s *Server) listTriggersHandler(c *gin.Context) {
	daemon, ok := s.triggerDaemon(c)
	if !ok {
		return
	}

	all, err := daemon.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stateFilter := c.Query("state")
	out := make([]gin.H, 0, len(all))
	for _, t := range all {
		if stateFilter != "" && string(t.State) != stateFilter {
			continue
		}
		out = append(out, gin.H{
			"trigger_id":    t.TriggerID,
			"name":          t.Name,
			"type":          t.Condition.Type,
			"state":         t.State,
			"priority":      priorityName(t.Priority),
			"enabled":       t.Enabled,
			"tags":          t.Tags,
			"created_by":    t.CreatedBy,
			"created_at":    t.CreatedAt,
			"fire_count":    t.Health.FireCount,
			"fail_count":    t.Health.FailCount,
			"last_fired_at": t.Health.LastFiredAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// getTriggerHandler handles GET /api/v1/triggers/:id.
func (s *Server) getTriggerHandler(c *gin.Context) {
	daemon, ok := s.triggerDaemon(c)
	if !ok {
		return
	}

	t, err := daemon.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, triggers.ErrTriggerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found: " + c.Param("id")})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trigger_id":           t.TriggerID,
		"name":                 t.Name,
		"description":          t.Description,
		"type":                 t.Condition.Type,
		"condition_params":     t.Condition.Params,
		"state":                t.State,
		"priority":             priorityName(t.Priority),
		"enabled":              t.Enabled,
		"min_interval_seconds": t.MinIntervalSeconds,
		"max_fires_per_hour":   t.MaxFiresPerHour,
		"conflict_policy":      t.ConflictPolicy,
		"resource_lock":        t.ResourceLock,
		"tags":                 t.Tags,
		"created_by":           t.CreatedBy,
		"created_at":           t.CreatedAt,
		"expires_at":           t.ExpiresAt,
		"health": gin.H{
			"fire_count":     t.Health.FireCount,
			"fail_count":     t.Health.FailCount,
			"throttle_count": t.Health.ThrottleCount,
			"last_fired_at":  t.Health.LastFiredAt,
			"last_error":     t.Health.LastError,
			"avg_latency_ms": t.Health.AvgLatencyMS,
		},
	})
}

// activateTriggerHandler handles PUT /api/v1/triggers/:id/activate.
func (s *Server) activateTriggerHandler(c *gin.Context) {
	daemon, ok := s.triggerDaemon(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := daemon.Activate(c.Request.Context(), id); err != nil {
		s.triggerError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trigger_id": id, "state": triggers.StateActive, "message": "Trigger activated"})
}

// deactivateTriggerHandler handles PUT /api/v1/triggers/:id/deactivate.
func (s *Server) deactivateTriggerHandler(c *gin.Context) {
	daemon, ok := s.triggerDaemon(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := daemon.Deactivate(c.Request.Context(), id); err != nil {
		s.triggerError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trigger_id": id, "state": triggers.StateInactive, "message": "Trigger deactivated"})
}

// deleteTriggerHandler handles DELETE /api/v1/triggers/:id.
func (s *Server) deleteTriggerHandler(c *gin.Context) {
	daemon, ok := s.triggerDaemon(c)
	if !ok {
		return
	}

	id := c.Param("id")
	deleted, err := daemon.Delete(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found: " + id})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) triggerError(c *gin.Context, id string, err error) {
	if errors.Is(err, triggers.ErrTriggerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found: " + id})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
