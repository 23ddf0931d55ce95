package orchestration

import (
	"context"
	"log/slog"
	"time"

	"github.com/llmos-dev/llmos-bridge/pkg/events"
	"github.com/llmos-dev/llmos-bridge/pkg/modules"
	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
)

// maxRollbackDepth bounds how far a chain of rollback specs is followed
// when unwinding a single failure.
const maxRollbackDepth = 5

// rollbackTimeout caps each compensating action so a hung rollback
// cannot stall plan teardown.
const rollbackTimeout = 60 * time.Second

// RollbackEngine runs compensating actions for failed plan steps.
// Rollback failures are logged and never propagated: a broken
// compensation must not mask the original failure, and a failing
// rollback never triggers further rollbacks.
type RollbackEngine struct {
	nodes  *modules.NodeRegistry
	bus    events.Bus
	logger *slog.Logger
}

// NewRollbackEngine wires the engine to the node registry it dispatches
// compensating actions through.
func NewRollbackEngine(nodes *modules.NodeRegistry, bus events.Bus, logger *slog.Logger) *RollbackEngine {
	if bus == nil {
		bus = events.NullBus{}
	}
	return &RollbackEngine{nodes: nodes, bus: bus, logger: logger}
}

// Unwind executes the rollback chain starting at the failed action.
// Each link names a target action in the plan; the compensation runs
// that target's module.action with the target's params overlaid by the
// rollback spec's params, template-resolved against the results
// gathered so far.
func (e *RollbackEngine) Unwind(ctx context.Context, plan *protocol.Plan, failedID string, results map[string]any) {
	current := plan.GetAction(failedID)
	if current == nil {
		return
	}

	for depth := 0; depth < maxRollbackDepth; depth++ {
		spec := current.Rollback
		if spec == nil {
			return
		}
		target := plan.GetAction(spec.Action)
		if target == nil {
			e.logger.Warn("Rollback target not found in plan",
				slog.String("plan_id", plan.PlanID),
				slog.String("action_id", current.ID),
				slog.String("rollback_target", spec.Action))
			return
		}

		e.execute(ctx, plan, current.ID, target, spec, results)
		current = target
	}

	e.logger.Warn("Rollback chain exceeded depth limit",
		slog.String("plan_id", plan.PlanID),
		slog.String("action_id", failedID),
		slog.Int("max_depth", maxRollbackDepth))
}

func (e *RollbackEngine) execute(ctx context.Context, plan *protocol.Plan, failedID string,
	target *protocol.Action, spec *protocol.RollbackSpec, results map[string]any) {

	params := make(map[string]any, len(target.Params)+len(spec.Params))
	for k, v := range target.Params {
		params[k] = v
	}
	for k, v := range spec.Params {
		params[k] = v
	}

	resolver := &protocol.Resolver{Results: results}
	resolved, err := resolver.Resolve(params)
	if err != nil {
		e.logger.Error("Rollback params failed to resolve",
			slog.String("plan_id", plan.PlanID),
			slog.String("action_id", failedID),
			slog.String("rollback_target", target.ID),
			slog.String("error", err.Error()))
		return
	}

	node, err := e.nodes.Resolve(target.TargetNode)
	if err != nil {
		e.logger.Error("Rollback node unavailable",
			slog.String("plan_id", plan.PlanID),
			slog.String("rollback_target", target.ID),
			slog.String("error", err.Error()))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, rollbackTimeout)
	defer cancel()

	e.logger.Info("Running rollback action",
		slog.String("plan_id", plan.PlanID),
		slog.String("action_id", failedID),
		slog.String("rollback_target", target.ID),
		slog.String("operation", target.Qualified()))

	if _, err := node.ExecuteAction(runCtx, target.Module, target.Action, resolved); err != nil {
		e.logger.Error("Rollback action failed",
			slog.String("plan_id", plan.PlanID),
			slog.String("rollback_target", target.ID),
			slog.String("error", err.Error()))
		e.bus.Emit(ctx, events.TopicErrors, map[string]any{
			"kind":      "rollback_failed",
			"plan_id":   plan.PlanID,
			"action_id": failedID,
			"target":    target.ID,
			"error":     err.Error(),
		})
		return
	}

	e.bus.Emit(ctx, events.TopicActions, map[string]any{
		"kind":      "rollback_completed",
		"plan_id":   plan.PlanID,
		"action_id": failedID,
		"target":    target.ID,
	})
}
