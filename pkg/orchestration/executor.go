package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/llmos-dev/llmos-bridge/pkg/approval"
	"github.com/llmos-dev/llmos-bridge/pkg/dag"
	"github.com/llmos-dev/llmos-bridge/pkg/events"
	"github.com/llmos-dev/llmos-bridge/pkg/memory"
	"github.com/llmos-dev/llmos-bridge/pkg/modules"
	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/security"
	"github.com/llmos-dev/llmos-bridge/pkg/session"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultApprovalTimeout = 5 * time.Minute
	DefaultMaxResultBytes  = 512 * 1024
)

// Skip reasons recorded when failures cascade through the graph.
const (
	skipReasonDependency = "Skipped: dependency failed."
	skipReasonAbort      = "Skipped: upstream action failed with abort."
)

// Config tunes executor behavior.
type Config struct {
	ApprovalTimeout time.Duration
	MaxResultBytes  int
}

// Deps collects the collaborators the executor dispatches through.
// Store, Guard, Registry, and Nodes are required; the rest default to
// inert implementations when nil.
type Deps struct {
	Store     *state.Store
	Bus       events.Bus
	Guard     *security.Guard
	Pipeline  *security.Pipeline
	Limiter   *security.RateLimiter
	Sanitizer *security.Sanitizer
	Gate      *approval.Gate
	Registry  *modules.Registry
	Nodes     *modules.NodeRegistry
	Memory    memory.Store
	Resources *ResourceManager
	Rollback  *RollbackEngine
	Sessions  *session.Propagator
	Logger    *slog.Logger
}

// Executor runs plans end to end: security preflight, wave scheduling,
// per-action dispatch with approvals and retries, result persistence,
// and rollback on failure. Safe for concurrent Run calls on distinct
// plans.
type Executor struct {
	store     *state.Store
	bus       events.Bus
	guard     *security.Guard
	pipeline  *security.Pipeline
	limiter   *security.RateLimiter
	sanitizer *security.Sanitizer
	gate      *approval.Gate
	registry  *modules.Registry
	nodes     *modules.NodeRegistry
	memory    memory.Store
	resources *ResourceManager
	rollback  *RollbackEngine
	sessions  *session.Propagator
	logger    *slog.Logger

	approvalTimeout time.Duration
	maxResultBytes  int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewExecutor wires an executor from its collaborators.
func NewExecutor(deps Deps, cfg Config) *Executor {
	if deps.Bus == nil {
		deps.Bus = events.NullBus{}
	}
	if deps.Resources == nil {
		deps.Resources = NewResourceManager(nil, DefaultModuleLimit)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Rollback == nil {
		deps.Rollback = NewRollbackEngine(deps.Nodes, deps.Bus, deps.Logger)
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewPropagator()
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = DefaultMaxResultBytes
	}
	return &Executor{
		store:           deps.Store,
		bus:             deps.Bus,
		guard:           deps.Guard,
		pipeline:        deps.Pipeline,
		limiter:         deps.Limiter,
		sanitizer:       deps.Sanitizer,
		gate:            deps.Gate,
		registry:        deps.Registry,
		nodes:           deps.Nodes,
		memory:          deps.Memory,
		resources:       deps.Resources,
		rollback:        deps.Rollback,
		sessions:        deps.Sessions,
		logger:          deps.Logger,
		approvalTimeout: cfg.ApprovalTimeout,
		maxResultBytes:  cfg.MaxResultBytes,
		cancels:         make(map[string]context.CancelFunc),
	}
}

// Cancel aborts a running plan. Returns false when the plan is not
// currently executing.
func (e *Executor) Cancel(planID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[planID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether the plan is currently executing.
func (e *Executor) IsRunning(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancels[planID]
	return ok
}

// Run executes the plan to completion and returns the final in-memory
// state. A non-nil error means the plan never started executing
// (persistence failure or security preflight rejection); failures of
// individual actions are reported through the returned state instead.
func (e *Executor) Run(ctx context.Context, plan *protocol.Plan) (*state.ExecutionState, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if _, dup := e.cancels[plan.PlanID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("plan %s is already running", plan.PlanID)
	}
	e.cancels[plan.PlanID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, plan.PlanID)
		e.mu.Unlock()
	}()

	e.sessions.Bind(plan.PlanID, plan.SessionID)
	defer e.sessions.Unbind(plan.PlanID)

	if err := e.persistPlan(runCtx, plan); err != nil {
		return nil, err
	}
	es := newExecState(plan)

	if err := e.preflight(runCtx, plan); err != nil {
		e.finishFailed(runCtx, es, err)
		return es.view(), err
	}

	waves, err := e.schedule(plan)
	if err != nil {
		e.finishFailed(runCtx, es, err)
		return es.view(), err
	}

	if err := e.store.SetPlanStatus(runCtx, plan.PlanID, state.PlanRunning, ""); err != nil {
		return es.view(), err
	}
	es.setPlanStatus(state.PlanRunning)
	e.logger.Info("Plan started",
		slog.String("plan_id", plan.PlanID),
		slog.String("mode", string(plan.ExecutionMode)),
		slog.Int("actions", len(plan.Actions)))
	e.bus.Emit(runCtx, events.TopicPlans, map[string]any{
		"kind":           "plan_started",
		"plan_id":        plan.PlanID,
		"session_id":     plan.SessionID,
		"execution_mode": string(plan.ExecutionMode),
		"actions":        len(plan.Actions),
	})

	graph := mustGraph(plan)
	e.runWaves(runCtx, plan, graph, waves, es)
	e.finish(runCtx, plan, es)
	return es.view(), nil
}

// preflight runs the checks that must pass before any action executes.
func (e *Executor) preflight(ctx context.Context, plan *protocol.Plan) error {
	if !plan.VersionSupported() {
		return fmt.Errorf("%w: %q, this daemon speaks %s",
			protocol.ErrUnsupportedVersion, plan.Version, protocol.ProtocolVersion)
	}

	if len(plan.ModuleRequirements) > 0 {
		if err := e.checkModuleRequirements(plan); err != nil {
			e.bus.Emit(ctx, events.TopicSecurity, map[string]any{
				"kind":    "plan_incompatible",
				"plan_id": plan.PlanID,
				"error":   err.Error(),
			})
			return err
		}
	}

	if e.pipeline != nil {
		verdict := e.pipeline.ScanPlan(ctx, plan)
		if !verdict.Allowed {
			e.bus.Emit(ctx, events.TopicSecurity, map[string]any{
				"kind":       "plan_rejected",
				"plan_id":    plan.PlanID,
				"risk_score": verdict.MaxRiskScore,
				"details":    verdict.Details(),
			})
			return &security.ScanRejectedError{
				PlanID:    plan.PlanID,
				RiskScore: verdict.MaxRiskScore,
				Details:   verdict.Details(),
				Report:    verdict,
			}
		}
	}

	if err := e.guard.CheckPlan(plan); err != nil && !errors.Is(err, security.ErrApprovalRequired) {
		e.bus.Emit(ctx, events.TopicSecurity, map[string]any{
			"kind":    "plan_denied",
			"plan_id": plan.PlanID,
			"error":   err.Error(),
		})
		return err
	}
	return nil
}

// checkModuleRequirements rejects plans pinning module versions the
// registry cannot satisfy.
func (e *Executor) checkModuleRequirements(plan *protocol.Plan) error {
	installed := make(map[string]string)
	if e.registry != nil {
		for _, id := range e.registry.ListAvailable() {
			if manifest, err := e.registry.Manifest(id); err == nil {
				installed[id] = manifest.Version
			}
		}
	}
	return protocol.NewModuleVersionChecker(installed).AssertCompatible(plan.ModuleRequirements)
}

// schedule turns the plan into execution waves according to its mode.
// Sequential plans run one action per wave; parallel and reactive plans
// run each dependency wave concurrently.
func (e *Executor) schedule(plan *protocol.Plan) ([][]string, error) {
	graph := mustGraph(plan)
	if plan.ExecutionMode == protocol.ModeSequential {
		return graph.Sequence()
	}
	return graph.Waves()
}

func mustGraph(plan *protocol.Plan) *dag.Graph {
	deps := make(map[string][]string, len(plan.Actions))
	for i := range plan.Actions {
		deps[plan.Actions[i].ID] = plan.Actions[i].DependsOn
	}
	// Duplicate and unknown IDs were rejected by parsing.
	g, _ := dag.Build(plan.ActionIDs(), deps)
	return g
}

func (e *Executor) runWaves(ctx context.Context, plan *protocol.Plan, graph *dag.Graph, waves [][]string, es *execState) {
	halted := false
	for _, wave := range waves {
		if halted || ctx.Err() != nil {
			for _, id := range wave {
				e.skipAction(ctx, plan, es, id, skipReasonAbort)
			}
			continue
		}

		var wg sync.WaitGroup
		for _, id := range wave {
			if es.status(id) == state.ActionSkipped {
				continue
			}
			wg.Add(1)
			go func(actionID string) {
				defer wg.Done()
				e.runAction(ctx, plan, es, actionID)
			}(id)
		}
		wg.Wait()

		for _, id := range wave {
			if es.status(id) != state.ActionFailed {
				continue
			}
			for _, desc := range graph.Descendants(id) {
				e.skipAction(ctx, plan, es, desc, skipReasonDependency)
			}
			if e.disposition(ctx, plan, es, plan.GetAction(id)) != protocol.OnErrorContinue {
				halted = true
			}
		}
	}
}

// disposition resolves what a failure means for the rest of the plan.
// ESCALATE defers the call to the approval gate.
func (e *Executor) disposition(ctx context.Context, plan *protocol.Plan, es *execState, a *protocol.Action) protocol.OnError {
	if a.OnError != protocol.OnErrorEscalate {
		return a.OnError
	}
	if e.gate == nil {
		return protocol.OnErrorHalt
	}
	resp := e.gate.RequestApproval(ctx, approval.Request{
		PlanID:    plan.PlanID,
		ActionID:  a.ID,
		Module:    a.Module,
		Action:    a.Action,
		Params:    a.Params,
		RiskLevel: "escalation",
		Reason:    fmt.Sprintf("Action failed: %s. Approve to continue the plan.", es.errorOf(a.ID)),
	}, e.approvalTimeout)
	if resp.Decision == approval.DecisionReject {
		return protocol.OnErrorHalt
	}
	return protocol.OnErrorContinue
}

func (e *Executor) runAction(ctx context.Context, plan *protocol.Plan, es *execState, id string) {
	a := plan.GetAction(id)
	// A concurrent cascade may have skipped this action after the wave
	// was assembled.
	if es.status(id) == state.ActionSkipped {
		return
	}

	if e.limiter != nil {
		if err := e.limiter.Check(a.Qualified()); err != nil {
			e.failAction(ctx, plan, es, a, err)
			return
		}
	}

	params, err := e.resolveParams(ctx, plan, es, a)
	if err != nil {
		e.failAction(ctx, plan, es, a, err)
		return
	}

	if err := e.guard.CheckAction(plan.PlanID, a); err != nil {
		var approvalErr *security.ApprovalRequiredError
		if !errors.As(err, &approvalErr) {
			e.failAction(ctx, plan, es, a, err)
			return
		}
		approved, ok := e.handleApproval(ctx, plan, es, a, params)
		if !ok {
			return
		}
		params = approved
	}

	// Sandbox enforcement runs on the post-resolution values: templates
	// could otherwise smuggle paths past the preflight check.
	if err := e.guard.CheckSandboxParams(a.Module, a.Action, params); err != nil {
		e.failAction(ctx, plan, es, a, err)
		return
	}

	if e.registry != nil {
		if schema := e.registry.ParamsSchema(a.Module, a.Action); schema != nil {
			if err := schema.Validate(params); err != nil {
				e.failAction(ctx, plan, es, a,
					fmt.Errorf("params failed schema validation: %w", err))
				return
			}
		}
	}

	attempts, backoff := 1, 0.0
	if a.Retry != nil {
		attempts = a.Retry.MaxAttempts
		backoff = a.Retry.BackoffSeconds
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		es.setRunning(id, attempt)
		_ = e.store.SetActionAttempt(ctx, plan.PlanID, id, attempt)
		_ = e.store.SetActionStatus(ctx, plan.PlanID, id, state.ActionRunning, "")

		result, err := e.dispatch(ctx, a, params)
		if err == nil {
			e.completeAction(ctx, plan, es, a, attempt, result)
			return
		}
		lastErr = err

		// Permission and rate-limit failures are deterministic, retrying
		// them only burns quota.
		if errors.Is(err, security.ErrPermissionDenied) || errors.Is(err, security.ErrRateLimited) {
			break
		}
		if attempt == attempts {
			break
		}

		delay := time.Duration(backoff * math.Pow(2, float64(attempt-1)) * float64(time.Second))
		e.logger.Warn("Action attempt failed, retrying",
			slog.String("plan_id", plan.PlanID),
			slog.String("action_id", id),
			slog.Int("attempt", attempt),
			slog.Float64("delay_seconds", delay.Seconds()),
			slog.String("error", err.Error()))
		_ = e.store.SetActionStatus(ctx, plan.PlanID, id, state.ActionRetrying, err.Error())
		es.setStatus(id, state.ActionRetrying)
		e.bus.Emit(ctx, events.TopicActions, map[string]any{
			"kind":      "action_retrying",
			"plan_id":   plan.PlanID,
			"action_id": id,
			"attempt":   attempt,
			"error":     err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if errors.Is(lastErr, context.Canceled) {
			break
		}
	}
	e.failAction(ctx, plan, es, a, lastErr)
}

// resolveParams substitutes templates against results gathered so far,
// the memory store, and the trigger context of reactive plans.
func (e *Executor) resolveParams(ctx context.Context, plan *protocol.Plan, es *execState, a *protocol.Action) (map[string]any, error) {
	resolver := &protocol.Resolver{
		Results:  es.resultsSnapshot(),
		AllowEnv: e.guard.AllowEnvTemplates(),
	}
	if e.memory != nil {
		resolver.Memory = memory.Lookup{Ctx: ctx, Store: e.memory}
	}
	if plan.Metadata != nil && len(plan.Metadata.Trigger) > 0 {
		trigger := make(map[string]any, len(plan.Metadata.Trigger))
		for k, v := range plan.Metadata.Trigger {
			trigger[k] = v
		}
		resolver.TriggerContext = trigger
	}
	resolved, err := resolver.Resolve(a.Params)
	if err != nil {
		return nil, fmt.Errorf("resolve params of %s: %w", a.ID, err)
	}
	return resolved, nil
}

// handleApproval parks the action on the gate and applies the decision.
// The returned bool reports whether execution should proceed.
func (e *Executor) handleApproval(ctx context.Context, plan *protocol.Plan, es *execState, a *protocol.Action, params map[string]any) (map[string]any, bool) {
	if e.gate == nil {
		e.failAction(ctx, plan, es, a,
			fmt.Errorf("%s requires approval but no approval gate is configured", a.Qualified()))
		return nil, false
	}

	es.setStatus(a.ID, state.ActionWaitingApproval)
	_ = e.store.SetActionStatus(ctx, plan.PlanID, a.ID, state.ActionWaitingApproval, "")
	_ = e.store.SetPlanStatus(ctx, plan.PlanID, state.PlanWaitingApproval, "")
	e.bus.Emit(ctx, events.TopicPermissions, map[string]any{
		"kind":      "approval_requested",
		"plan_id":   plan.PlanID,
		"action_id": a.ID,
		"operation": a.Qualified(),
	})

	resp := e.gate.RequestApproval(ctx, approval.Request{
		PlanID:      plan.PlanID,
		ActionID:    a.ID,
		Module:      a.Module,
		Action:      a.Action,
		Params:      params,
		RiskLevel:   "elevated",
		Description: plan.Description,
		Reason:      "approval required by security policy",
	}, e.approvalTimeout)

	_ = e.store.SetPlanStatus(ctx, plan.PlanID, state.PlanRunning, "")
	e.bus.Emit(ctx, events.TopicPermissions, map[string]any{
		"kind":      "approval_decided",
		"plan_id":   plan.PlanID,
		"action_id": a.ID,
		"decision":  string(resp.Decision),
	})

	switch resp.Decision {
	case approval.DecisionApprove, approval.DecisionApproveAlways:
		return params, true
	case approval.DecisionModify:
		if resp.ModifiedParams != nil {
			return resp.ModifiedParams, true
		}
		return params, true
	case approval.DecisionSkip:
		reason := resp.Reason
		if reason == "" {
			reason = "Skipped by approval decision."
		}
		e.skipAction(ctx, plan, es, a.ID, reason)
		return nil, false
	default:
		reason := resp.Reason
		if reason == "" {
			reason = "no reason given"
		}
		e.failAction(ctx, plan, es, a, fmt.Errorf("approval rejected: %s", reason))
		return nil, false
	}
}

// dispatch executes the action on its target node under the module's
// concurrency limit, walking the fallback chain on failure.
func (e *Executor) dispatch(ctx context.Context, a *protocol.Action, params map[string]any) (map[string]any, error) {
	if err := e.resources.Acquire(ctx, a.Module); err != nil {
		return nil, err
	}
	defer e.resources.Release(a.Module)

	node, err := e.nodes.Resolve(a.TargetNode)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if a.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx,
			time.Duration(a.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	result, err := node.ExecuteAction(runCtx, a.Module, a.Action, params)
	if err == nil {
		return result, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("action timed out after %gs", a.TimeoutSeconds)
	}

	for _, fb := range a.FallbackChain {
		if !e.fallbackExposes(fb, a.Action) {
			continue
		}
		fbResult, fbErr := node.ExecuteAction(runCtx, fb, a.Action, params)
		if fbErr != nil {
			e.logger.Warn("Fallback module failed",
				slog.String("module", fb),
				slog.String("action", a.Action),
				slog.String("error", fbErr.Error()))
			continue
		}
		e.logger.Info("Fallback module succeeded",
			slog.String("original_module", a.Module),
			slog.String("fallback_module", fb),
			slog.String("action", a.Action))
		if fbResult == nil {
			fbResult = map[string]any{}
		}
		fbResult["_fallback_module"] = fb
		return fbResult, nil
	}
	return nil, err
}

// fallbackExposes reports whether the fallback module declares the
// action. Unknown modules are still attempted: a remote node may carry
// modules the local registry does not.
func (e *Executor) fallbackExposes(module, action string) bool {
	if e.registry == nil {
		return true
	}
	manifest, err := e.registry.Manifest(module)
	if err != nil {
		return true
	}
	return manifest.GetAction(action) != nil
}

func (e *Executor) completeAction(ctx context.Context, plan *protocol.Plan, es *execState, a *protocol.Action, attempt int, result map[string]any) {
	if e.sanitizer != nil {
		result = e.sanitizer.SanitizeResult(result)
	}
	final := e.truncateResult(result)

	es.setResult(a.ID, final)
	if err := e.store.SetActionResult(ctx, plan.PlanID, a.ID, final); err != nil {
		e.logger.Error("Failed to persist action result",
			slog.String("plan_id", plan.PlanID),
			slog.String("action_id", a.ID),
			slog.String("error", err.Error()))
	}

	e.logger.Info("Action completed",
		slog.String("plan_id", plan.PlanID),
		slog.String("action_id", a.ID),
		slog.String("operation", a.Qualified()),
		slog.Int("attempt", attempt))
	e.bus.Emit(ctx, events.TopicActions, map[string]any{
		"kind":      "action_completed",
		"plan_id":   plan.PlanID,
		"action_id": a.ID,
		"operation": a.Qualified(),
		"attempt":   attempt,
	})
}

// truncateResult caps oversized results so a single action cannot bloat
// the state store. The JSON encoding is cut at the byte limit and
// wrapped in a marker object.
func (e *Executor) truncateResult(result map[string]any) any {
	raw, err := json.Marshal(result)
	if err != nil || len(raw) <= e.maxResultBytes {
		return result
	}
	return map[string]any{
		"_truncated":     true,
		"_original_size": len(raw),
		"_max_size":      e.maxResultBytes,
		"data":           string(raw[:e.maxResultBytes]),
		"warning":        "Result truncated: original size exceeded the configured limit",
	}
}

func (e *Executor) failAction(ctx context.Context, plan *protocol.Plan, es *execState, a *protocol.Action, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	suggestions := e.suggestAlternatives(a, msg)
	es.setFailed(a.ID, msg, suggestions)
	_ = e.store.SetActionFailed(ctx, plan.PlanID, a.ID, msg, suggestions)
	e.logger.Error("Action failed",
		slog.String("plan_id", plan.PlanID),
		slog.String("action_id", a.ID),
		slog.String("operation", a.Qualified()),
		slog.String("error", msg))
	e.bus.Emit(ctx, events.TopicErrors, map[string]any{
		"kind":        "action_failed",
		"plan_id":     plan.PlanID,
		"action_id":   a.ID,
		"operation":   a.Qualified(),
		"error":       msg,
		"suggestions": suggestions,
	})

	e.rollback.Unwind(ctx, plan, a.ID, es.resultsSnapshot())
}

// suggestAlternatives turns a failure into actionable hints for the
// planning LLM: usable fallback modules first, then remedies keyed off
// the error text.
func (e *Executor) suggestAlternatives(a *protocol.Action, errMsg string) []string {
	var hints []string
	for _, fb := range a.FallbackChain {
		if e.registry == nil {
			continue
		}
		if manifest, err := e.registry.Manifest(fb); err == nil && manifest.GetAction(a.Action) != nil {
			hints = append(hints, fmt.Sprintf("Try '%s.%s' as an alternative", fb, a.Action))
		}
	}

	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such file"):
		hints = append(hints, "Verify the file path exists before retrying")
	case strings.Contains(lower, "permission") || strings.Contains(lower, "denied"):
		hints = append(hints, "Check file permissions or use a different path")
	case strings.Contains(lower, "timeout"):
		hints = append(hints, "Retry with a longer timeout or smaller payload")
	}
	return hints
}

// skipAction marks an action skipped. Only actions that have not begun
// executing can be skipped.
func (e *Executor) skipAction(ctx context.Context, plan *protocol.Plan, es *execState, id, reason string) {
	if !es.markSkipped(id, reason) {
		return
	}
	_ = e.store.SetActionSkipped(ctx, plan.PlanID, id, reason)
	e.bus.Emit(ctx, events.TopicActions, map[string]any{
		"kind":      "action_skipped",
		"plan_id":   plan.PlanID,
		"action_id": id,
		"reason":    reason,
	})
}

func (e *Executor) persistPlan(ctx context.Context, plan *protocol.Plan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", plan.PlanID, err)
	}
	rec := state.PlanRecord{
		PlanID:        plan.PlanID,
		Status:        state.PlanPending,
		ExecutionMode: string(plan.ExecutionMode),
		Description:   plan.Description,
		SessionID:     plan.SessionID,
		Raw:           string(raw),
	}
	actions := make([]state.ActionRecord, len(plan.Actions))
	for i := range plan.Actions {
		a := &plan.Actions[i]
		maxAttempts := 1
		if a.Retry != nil {
			maxAttempts = a.Retry.MaxAttempts
		}
		actions[i] = state.ActionRecord{
			ActionID:    a.ID,
			Status:      state.ActionPending,
			Module:      a.Module,
			Action:      a.Action,
			MaxAttempts: maxAttempts,
		}
	}
	if err := e.store.CreatePlan(ctx, rec, actions); err != nil {
		return fmt.Errorf("persist plan %s: %w", plan.PlanID, err)
	}
	return nil
}

// finish computes and persists the terminal plan status.
func (e *Executor) finish(ctx context.Context, plan *protocol.Plan, es *execState) {
	status, planErr := es.terminal(ctx.Err() != nil)
	// Persist with a fresh context: the run context may already be
	// cancelled.
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SetPlanStatus(storeCtx, plan.PlanID, status, planErr); err != nil {
		e.logger.Error("Failed to persist final plan status",
			slog.String("plan_id", plan.PlanID), slog.String("error", err.Error()))
	}

	e.logger.Info("Plan finished",
		slog.String("plan_id", plan.PlanID),
		slog.String("status", string(status)),
		slog.String("error", planErr))
	e.bus.Emit(ctx, events.TopicPlans, map[string]any{
		"kind":       "plan_finished",
		"plan_id":    plan.PlanID,
		"session_id": plan.SessionID,
		"status":     string(status),
		"error":      planErr,
	})
}

// finishFailed records a preflight failure before any action ran. Scanner
// rejections keep their full structured report alongside the error text.
func (e *Executor) finishFailed(ctx context.Context, es *execState, cause error) {
	msg := cause.Error()
	es.setPlanStatus(state.PlanFailed)
	es.setPlanError(msg)
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SetPlanStatus(storeCtx, es.planID(), state.PlanFailed, msg); err != nil {
		e.logger.Error("Failed to persist plan rejection",
			slog.String("plan_id", es.planID()), slog.String("error", err.Error()))
	}

	var scanErr *security.ScanRejectedError
	if errors.As(cause, &scanErr) && scanErr.Report != nil {
		if buf, err := json.Marshal(scanErr.Report); err == nil {
			if err := e.store.SetPlanDetails(storeCtx, es.planID(), string(buf)); err != nil {
				e.logger.Error("Failed to persist scan report",
					slog.String("plan_id", es.planID()), slog.String("error", err.Error()))
			}
		}
	}

	e.bus.Emit(ctx, events.TopicPlans, map[string]any{
		"kind":    "plan_finished",
		"plan_id": es.planID(),
		"status":  string(state.PlanFailed),
		"error":   msg,
	})
}
