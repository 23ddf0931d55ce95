package orchestration

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-dev/llmos-bridge/pkg/modules"
	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

func newRollbackEngine(t *testing.T, mods ...*scriptModule) (*RollbackEngine, *modules.Registry) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	registry := modules.NewRegistry(logger)
	for _, mod := range mods {
		require.NoError(t, registry.RegisterInstance(mod))
	}
	nodes := modules.NewNodeRegistry(modules.NewLocalNode(registry))
	return NewRollbackEngine(nodes, nil, logger), registry
}

func TestRollbackRunsCompensation(t *testing.T) {
	mod := okModule("db", "insert", "remove")
	engine, _ := newRollbackEngine(t, mod)

	plan := testPlan("p-rb",
		protocol.Action{ID: "undo", Module: "db", Action: "remove",
			Params: map[string]any{"table": "users", "row_id": "{{result.insert_row.id}}"}},
		protocol.Action{ID: "insert_row", Module: "db", Action: "insert",
			Rollback: &protocol.RollbackSpec{
				Action: "undo",
				Params: map[string]any{"cascade": true},
			}},
	)

	engine.Unwind(context.Background(), plan, "insert_row",
		map[string]any{"insert_row": map[string]any{"id": "r-17"}})

	require.Equal(t, 1, mod.callCount())
	call := mod.lastCall()
	assert.Equal(t, "remove", call["_action"])
	assert.Equal(t, "users", call["table"], "target params are carried over")
	assert.Equal(t, true, call["cascade"], "rollback params overlay the target's")
	assert.Equal(t, "r-17", call["row_id"], "templates resolve against gathered results")
}

func TestRollbackWithoutSpecIsNoop(t *testing.T) {
	mod := okModule("db", "insert")
	engine, _ := newRollbackEngine(t, mod)

	plan := testPlan("p-rb",
		protocol.Action{ID: "insert_row", Module: "db", Action: "insert"},
	)

	engine.Unwind(context.Background(), plan, "insert_row", nil)
	assert.Zero(t, mod.callCount())
}

func TestRollbackMissingTargetIsContained(t *testing.T) {
	mod := okModule("db", "insert")
	engine, _ := newRollbackEngine(t, mod)

	plan := testPlan("p-rb",
		protocol.Action{ID: "insert_row", Module: "db", Action: "insert",
			Rollback: &protocol.RollbackSpec{Action: "ghost"}},
	)

	// Must log and return, never panic or dispatch.
	engine.Unwind(context.Background(), plan, "insert_row", nil)
	assert.Zero(t, mod.callCount())
}

func TestRollbackFailureDoesNotCascade(t *testing.T) {
	calls := 0
	mod := &scriptModule{
		id:       "db",
		manifest: scriptManifest("db", "insert", "remove", "restore"),
	}
	mod.fn = func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("compensation broke too")
	}
	engine, _ := newRollbackEngine(t, mod)

	// The failing rollback target carries its own rollback spec; a failed
	// compensation must not trigger it.
	plan := testPlan("p-rb",
		protocol.Action{ID: "undo", Module: "db", Action: "remove",
			Rollback: &protocol.RollbackSpec{Action: "restore_it"}},
		protocol.Action{ID: "restore_it", Module: "db", Action: "restore"},
		protocol.Action{ID: "insert_row", Module: "db", Action: "insert",
			Rollback: &protocol.RollbackSpec{Action: "undo"}},
	)

	engine.Unwind(context.Background(), plan, "insert_row", nil)
	// The chain still advances through declared specs (undo -> restore_it)
	// but each link runs exactly once, failure or not.
	assert.Equal(t, 2, calls)
}

func TestRollbackChainDepthLimit(t *testing.T) {
	mod := okModule("loop", "step")
	engine, _ := newRollbackEngine(t, mod)

	// a -> b -> a -> b ... the depth limit must cut the cycle off.
	plan := testPlan("p-rb",
		protocol.Action{ID: "a", Module: "loop", Action: "step",
			Rollback: &protocol.RollbackSpec{Action: "b"}},
		protocol.Action{ID: "b", Module: "loop", Action: "step",
			Rollback: &protocol.RollbackSpec{Action: "a"}},
	)

	engine.Unwind(context.Background(), plan, "a", nil)
	assert.Equal(t, maxRollbackDepth, mod.callCount())
}

func TestExecutorUnwindsOnFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	compensated := false
	mod := &scriptModule{
		id:       "deploy",
		manifest: scriptManifest("deploy", "push", "revert"),
	}
	mod.fn = func(_ context.Context, action string, _ map[string]any) (map[string]any, error) {
		switch action {
		case "push":
			return nil, errors.New("deploy broke")
		case "revert":
			compensated = true
		}
		return map[string]any{"ok": true}, nil
	}
	h.register(t, mod)

	plan := testPlan("p-unwind",
		protocol.Action{ID: "revert_it", Module: "deploy", Action: "revert"},
		protocol.Action{ID: "push_it", Module: "deploy", Action: "push",
			DependsOn: []string{"revert_it"},
			Rollback:  &protocol.RollbackSpec{Action: "revert_it"}},
	)
	// revert_it runs first as a regular action; push_it fails and its
	// rollback re-runs revert_it as compensation.
	es, err := h.executor.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, state.PlanFailed, es.PlanStatus)
	assert.True(t, compensated)
	assert.Equal(t, 3, mod.callCount())
}
