// Package api exposes the daemon over HTTP: plan submission and
// inspection, approval decisions, trigger management, module
// discovery, and health. Handlers are thin adapters over the
// orchestration, approval, triggers, and modules packages.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmos-dev/llmos-bridge/pkg/approval"
	"github.com/llmos-dev/llmos-bridge/pkg/modules"
	"github.com/llmos-dev/llmos-bridge/pkg/orchestration"
	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/security"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
	"github.com/llmos-dev/llmos-bridge/pkg/triggers"
)

// Version is the daemon release reported by the health endpoint.
const Version = "0.3.0"

// DefaultSyncTimeout bounds synchronous plan submissions when the
// configuration does not set one.
const DefaultSyncTimeout = 2 * time.Minute

// Deps collects the subsystems the API serves. Store, Executor, Gate,
// and Registry are required; Triggers may be nil when the reactive
// subsystem is disabled, in which case trigger routes answer 503.
type Deps struct {
	Store    *state.Store
	Executor *orchestration.Executor
	Gate     *approval.Gate
	Registry *modules.Registry
	Guard    *security.Guard
	Pipeline *security.Pipeline
	Triggers *triggers.Daemon
	Logger   *slog.Logger
}

// Options tunes the HTTP surface.
type Options struct {
	// AuthToken, when non-empty, is required as a bearer token on every
	// route except the health check.
	AuthToken string
	// SyncTimeout bounds synchronous plan submissions.
	SyncTimeout time.Duration
}

// Server is the HTTP front of the daemon.
type Server struct {
	store    *state.Store
	executor *orchestration.Executor
	gate     *approval.Gate
	registry *modules.Registry
	guard    *security.Guard
	pipeline *security.Pipeline
	daemon     *triggers.Daemon
	parser     *protocol.Parser
	validator  *protocol.Validator
	correction *protocol.CorrectionFormatter
	logger     *slog.Logger

	authToken   string
	syncTimeout time.Duration
	startedAt   time.Time

	httpServer *http.Server
}

// NewServer wires the HTTP server from its collaborators.
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	var schemas protocol.SchemaSource
	if deps.Registry != nil {
		schemas = deps.Registry
	}
	return &Server{
		store:       deps.Store,
		executor:    deps.Executor,
		gate:        deps.Gate,
		registry:    deps.Registry,
		guard:       deps.Guard,
		pipeline:    deps.Pipeline,
		daemon:      deps.Triggers,
		parser:      protocol.NewParser(schemas),
		validator:   protocol.NewValidator(),
		correction:  protocol.NewCorrectionFormatter(),
		logger:      deps.Logger,
		authToken:   opts.AuthToken,
		syncTimeout: opts.SyncTimeout,
		startedAt:   time.Now(),
	}
}

// Router builds the gin engine with middleware and all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(s.logger))

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.healthHandler)

	authed := v1.Group("")
	if s.authToken != "" {
		authed.Use(bearerAuth(s.authToken))
	}

	authed.POST("/plans", s.submitPlanHandler)
	authed.GET("/plans", s.listPlansHandler)
	authed.GET("/plans/:id", s.getPlanHandler)
	authed.DELETE("/plans/:id", s.cancelPlanHandler)
	authed.GET("/plans/:id/results", s.planResultsHandler)
	authed.GET("/plans/:id/pending-approvals", s.pendingApprovalsHandler)
	authed.POST("/plans/:id/actions/:action_id/approve", s.approveActionHandler)

	authed.GET("/approvals", s.listApprovalsHandler)

	authed.GET("/modules", s.listModulesHandler)
	authed.GET("/modules/:id", s.getModuleHandler)
	authed.GET("/modules/:id/actions/:action/schema", s.actionSchemaHandler)

	authed.GET("/triggers", s.listTriggersHandler)
	authed.POST("/triggers", s.registerTriggerHandler)
	authed.GET("/triggers/:id", s.getTriggerHandler)
	authed.PUT("/triggers/:id/activate", s.activateTriggerHandler)
	authed.PUT("/triggers/:id/deactivate", s.deactivateTriggerHandler)
	authed.DELETE("/triggers/:id", s.deleteTriggerHandler)

	authed.GET("/security/status", s.securityStatusHandler)

	return r
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
