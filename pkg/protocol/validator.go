package protocol

import (
	"fmt"
	"strings"

	"github.com/llmos-dev/llmos-bridge/pkg/dag"
)

// Validator runs the semantic checks that structural parsing cannot
// express: dependency cycles, template references to missing actions,
// rollback chain loops, and execution-mode constraints.
type Validator struct{}

// NewValidator returns a stateless Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate runs all semantic checks. The first violation is returned.
func (v *Validator) Validate(plan *Plan) error {
	if err := v.checkDAG(plan); err != nil {
		return err
	}
	if err := v.checkTemplateReferences(plan); err != nil {
		return err
	}
	if err := v.checkRollbackChains(plan); err != nil {
		return err
	}
	return nil
}

func (v *Validator) checkDAG(plan *Plan) error {
	deps := make(map[string][]string, len(plan.Actions))
	for i := range plan.Actions {
		deps[plan.Actions[i].ID] = plan.Actions[i].DependsOn
	}
	g, err := dag.Build(plan.ActionIDs(), deps)
	if err != nil {
		return &ValidationError{Field: "actions", Reason: err.Error()}
	}
	if _, err := g.Waves(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) checkTemplateReferences(plan *Plan) error {
	known := make(map[string]bool, len(plan.Actions))
	for i := range plan.Actions {
		known[plan.Actions[i].ID] = true
	}

	var problems []string
	for i := range plan.Actions {
		a := &plan.Actions[i]
		for _, ref := range ExtractTemplates(a.Params) {
			if ref.Scope == ScopeResult && !known[ref.Ref] {
				problems = append(problems, fmt.Sprintf(
					"action %q references unknown action {{result.%s...}}", a.ID, ref.Ref))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{
			Reason: "template reference errors: " + strings.Join(problems, "; "),
		}
	}
	return nil
}

// checkRollbackChains rejects rollback definitions that loop back into
// themselves, which would unwind forever.
func (v *Validator) checkRollbackChains(plan *Plan) error {
	next := make(map[string]string)
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.Rollback != nil && plan.GetAction(a.Rollback.Action) != nil {
			next[a.ID] = a.Rollback.Action
		}
	}

	for start := range next {
		slow, fast := start, start
		for {
			slow = next[slow]
			fast = next[next[fast]]
			if slow == "" || fast == "" {
				break
			}
			if slow == fast {
				return &ValidationError{
					Reason: fmt.Sprintf("rollback cycle detected involving action %q", slow),
				}
			}
		}
	}
	return nil
}
