package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
)

// pathParamKeys are the action parameters treated as filesystem paths
// and checked against the sandbox roots.
var pathParamKeys = []string{
	"path",
	"source",
	"destination",
	"output_path",
	"image_path",
	"file_path",
	"theme_path",
	"screenshot_path",
	"database",
}

// Guard is the preflight permission checker for plans and actions. It
// combines the active profile, the approval requirement list, and the
// filesystem sandbox.
type Guard struct {
	config             *ProfileConfig
	sandboxPaths       []string
	requireApprovalFor map[string]bool
}

// NewGuard builds a guard for the given profile. sandboxPaths is the
// list of directory roots write-capable path params must stay inside;
// an empty list disables the sandbox. requireApprovalFor lists
// "module.action" keys that always need human approval.
func NewGuard(config *ProfileConfig, sandboxPaths []string, requireApprovalFor []string) *Guard {
	approvals := make(map[string]bool, len(requireApprovalFor))
	for _, key := range requireApprovalFor {
		approvals[key] = true
	}
	roots := make([]string, 0, len(sandboxPaths))
	for _, p := range sandboxPaths {
		if abs, err := filepath.Abs(p); err == nil {
			roots = append(roots, abs)
		}
	}
	return &Guard{
		config:             config,
		sandboxPaths:       roots,
		requireApprovalFor: approvals,
	}
}

// Profile returns the profile the guard enforces.
func (g *Guard) Profile() Profile {
	return g.config.Profile
}

// AllowEnvTemplates reports whether {{env.*}} templates may resolve
// under this profile.
func (g *Guard) AllowEnvTemplates() bool {
	return g.config.AllowEnvTemplates
}

// MaxPlanActions returns the profile's action count ceiling.
func (g *Guard) MaxPlanActions() int {
	return g.config.MaxPlanActions
}

// CheckPlan preflights a whole plan: the action count must fit the
// profile and every action must pass CheckAction. The first violation
// is returned.
func (g *Guard) CheckPlan(plan *protocol.Plan) error {
	if len(plan.Actions) > g.config.MaxPlanActions {
		return &PermissionDeniedError{
			Profile: g.config.Profile,
			Reason: fmt.Sprintf("plan has %d actions, profile allows at most %d",
				len(plan.Actions), g.config.MaxPlanActions),
		}
	}
	for i := range plan.Actions {
		if err := g.CheckAction(plan.PlanID, &plan.Actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// CheckAction decides how a single action may proceed. The approval
// requirement is evaluated before the profile's allow list, so an action
// on the approval list is routed to the gate even when the profile would
// deny it outright. Unrestricted profiles bypass approval entirely.
func (g *Guard) CheckAction(planID string, action *protocol.Action) error {
	if g.needsApproval(action) {
		return &ApprovalRequiredError{PlanID: planID, ActionID: action.ID}
	}
	if !g.config.IsAllowed(action.Module, action.Action) {
		return &PermissionDeniedError{
			Module:  action.Module,
			Action:  action.Action,
			Profile: g.config.Profile,
			Reason:  "not permitted by profile",
		}
	}
	return g.CheckSandboxParams(action.Module, action.Action, action.Params)
}

func (g *Guard) needsApproval(action *protocol.Action) bool {
	if g.config.AllowApprovalBypass {
		return false
	}
	return action.RequiresApproval || g.requireApprovalFor[action.Qualified()]
}

// CheckSandboxParams verifies every path-like parameter stays inside the
// sandbox roots. Values still holding template expressions are skipped;
// the executor calls this again after resolution.
func (g *Guard) CheckSandboxParams(module, action string, params map[string]any) error {
	if len(g.sandboxPaths) == 0 {
		return nil
	}
	for _, key := range pathParamKeys {
		raw, ok := params[key]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		if strings.Contains(value, "{{") {
			continue
		}
		if !g.inSandbox(value) {
			return &PermissionDeniedError{
				Module:  module,
				Action:  action,
				Profile: g.config.Profile,
				Reason:  fmt.Sprintf("path %q for param %q is outside the sandbox", value, key),
			}
		}
	}
	return nil
}

func (g *Guard) inSandbox(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range g.sandboxPaths {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
