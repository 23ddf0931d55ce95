package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-dev/llmos-bridge/pkg/dag"
)

func planWith(actions ...Action) *Plan {
	return &Plan{
		Version: "2.0",
		PlanID:     "p",
		Actions:    actions,
	}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	plan := planWith(
		Action{ID: "a", Module: "m", Action: "x"},
		Action{ID: "b", Module: "m", Action: "y", DependsOn: []string{"a"},
			Params: map[string]any{"input": "{{result.a.out}}"}},
	)

	require.NoError(t, NewValidator().Validate(plan))
}

func TestValidateDetectsDependencyCycle(t *testing.T) {
	plan := planWith(
		Action{ID: "a", Module: "m", Action: "x", DependsOn: []string{"b"}},
		Action{ID: "b", Module: "m", Action: "y", DependsOn: []string{"a"}},
	)

	err := NewValidator().Validate(plan)
	require.Error(t, err)

	var cycleErr *dag.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Nodes)
}

func TestValidateRejectsUnknownTemplateReference(t *testing.T) {
	plan := planWith(
		Action{ID: "a", Module: "m", Action: "x",
			Params: map[string]any{"v": "{{result.ghost.out}}"}},
	)

	err := NewValidator().Validate(plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateAllowsNonResultTemplates(t *testing.T) {
	// memory/env/trigger scopes are resolved at runtime and are not
	// checked against action ids.
	plan := planWith(
		Action{ID: "a", Module: "m", Action: "x",
			Params: map[string]any{"v": "{{memory.anything}}", "w": "{{env.HOME}}"}},
	)

	require.NoError(t, NewValidator().Validate(plan))
}

func TestValidateDetectsRollbackCycle(t *testing.T) {
	plan := planWith(
		Action{ID: "a", Module: "m", Action: "x", Rollback: &RollbackSpec{Action: "b"}},
		Action{ID: "b", Module: "m", Action: "y", Rollback: &RollbackSpec{Action: "a"}},
	)

	err := NewValidator().Validate(plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback cycle")
}

func TestValidateAllowsLinearRollbackChain(t *testing.T) {
	plan := planWith(
		Action{ID: "a", Module: "m", Action: "x", Rollback: &RollbackSpec{Action: "undo"}},
		Action{ID: "undo", Module: "m", Action: "z"},
	)

	require.NoError(t, NewValidator().Validate(plan))
}
