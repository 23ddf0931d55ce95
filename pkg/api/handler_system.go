package api

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmos-dev/llmos-bridge/pkg/modules"
	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

// healthHandler handles GET /api/v1/health. Unauthenticated so load
// balancers and supervisors can probe the daemon.
func (s *Server) healthHandler(c *gin.Context) {
	report := s.registry.StatusReport()
	available := s.registry.ListAvailable()
	failed := len(s.registry.ListModules()) - len(available)

	activePlans := 0
	if running, err := s.store.ListPlans(c.Request.Context(), state.PlanRunning, 1000); err == nil {
		activePlans = len(running)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"version":          Version,
		"protocol_version": protocol.ProtocolVersion,
		"uptime_seconds":   math.Round(time.Since(s.startedAt).Seconds()*100) / 100,
		"modules_loaded":   len(available),
		"modules_failed":   failed,
		"modules":          report,
		"active_plans":     activePlans,
	})
}

// listModulesHandler handles GET /api/v1/modules.
func (s *Server) listModulesHandler(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, id := range s.registry.ListModules() {
		entry := gin.H{"module_id": id, "available": s.registry.IsAvailable(id)}
		if manifest, err := s.registry.Manifest(id); err == nil {
			entry["version"] = manifest.Version
			entry["description"] = manifest.Description
			entry["action_count"] = len(manifest.Actions)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

// getModuleHandler handles GET /api/v1/modules/:id.
func (s *Server) getModuleHandler(c *gin.Context) {
	id := c.Param("id")
	manifest, err := s.registry.Manifest(id)
	if err != nil {
		if errors.Is(err, modules.ErrModuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "module not registered: " + id})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, manifest.APIView())
}

// actionSchemaHandler handles GET /api/v1/modules/:id/actions/:action/schema.
func (s *Server) actionSchemaHandler(c *gin.Context) {
	id := c.Param("id")
	manifest, err := s.registry.Manifest(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module not registered: " + id})
		return
	}

	action := manifest.GetAction(c.Param("action"))
	if action == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "action " + c.Param("action") + " not found in module " + id,
		})
		return
	}
	c.JSON(http.StatusOK, action.JSONSchema())
}

// securityStatusHandler handles GET /api/v1/security/status.
func (s *Server) securityStatusHandler(c *gin.Context) {
	scanners := map[string]any{"enabled": false}
	if s.pipeline != nil {
		scanners = s.pipeline.Status()
	}

	status := gin.H{
		"scanners":          scanners,
		"pending_approvals": s.gate.PendingCount(),
	}
	if s.guard != nil {
		status["profile"] = s.guard.Profile()
		status["max_plan_actions"] = s.guard.MaxPlanActions()
		status["allow_env_templates"] = s.guard.AllowEnvTemplates()
	}
	c.JSON(http.StatusOK, status)
}
