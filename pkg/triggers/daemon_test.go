package triggers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

// fakeRunner records every plan the daemon submits.
type fakeRunner struct {
	mu        sync.Mutex
	plans     []*protocol.Plan
	cancelled []string
	ch        chan *protocol.Plan
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ch: make(chan *protocol.Plan, 16)}
}

func (r *fakeRunner) Run(_ context.Context, plan *protocol.Plan) (*state.ExecutionState, error) {
	r.mu.Lock()
	r.plans = append(r.plans, plan)
	r.mu.Unlock()
	select {
	case r.ch <- plan:
	default:
	}
	return nil, nil
}

func (r *fakeRunner) Cancel(planID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, planID)
	return true
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}

func (r *fakeRunner) waitPlan(t *testing.T) *protocol.Plan {
	t.Helper()
	select {
	case plan := <-r.ch:
		return plan
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a triggered plan")
		return nil
	}
}

// captureBus records every emitted payload for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []map[string]any
}

func (b *captureBus) Emit(_ context.Context, _ string, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, payload)
}

func (b *captureBus) byKind(kind string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev["kind"] == kind {
			return ev
		}
	}
	return nil
}

type daemonHarness struct {
	daemon *Daemon
	store  *Store
	runner *fakeRunner
}

func newDaemonHarness(t *testing.T, opts Options) *daemonHarness {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "triggers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := newFakeRunner()
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 5
	}
	d := NewDaemon(Deps{Store: store, Runner: runner, Logger: testLogger()}, opts)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return &daemonHarness{daemon: d, store: store, runner: runner}
}

func fastInterval(name string) *Definition {
	return &Definition{
		Name:    name,
		Enabled: true,
		Condition: Condition{
			Type:   TypeTemporal,
			Params: map[string]any{"interval_seconds": 0.02},
		},
		PlanIDPrefix: "tick",
		PlanTemplate: map[string]any{
			"description": "interval plan",
			"actions": []any{
				map[string]any{"id": "a1", "module": "clock", "action": "now"},
			},
		},
	}
}

func TestDaemonRegisterAndFire(t *testing.T) {
	h := newDaemonHarness(t, Options{})
	ctx := context.Background()

	def := fastInterval("ticker")
	require.NoError(t, h.daemon.Register(ctx, def))

	plan := h.runner.waitPlan(t)
	assert.Regexp(t, `^tick_[0-9a-f]{8}$`, plan.PlanID)
	assert.Equal(t, protocol.ModeReactive, plan.ExecutionMode)
	require.NotNil(t, plan.Metadata)
	assert.Equal(t, "temporal.interval", plan.Metadata.Trigger["event_type"])
	assert.Equal(t, def.TriggerID, plan.Metadata.Trigger["trigger_id"])

	// The fire is reflected in persisted health and the trigger re-arms.
	require.Eventually(t, func() bool {
		got, err := h.store.Get(ctx, def.TriggerID)
		return err == nil && got.Health.FireCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemonStartArmsPersistedTriggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triggers.db")
	ctx := context.Background()

	store, err := NewStore(path)
	require.NoError(t, err)
	def := fastInterval("survivor")
	def.Normalize()
	def.State = StateActive
	require.NoError(t, store.Save(ctx, def))
	require.NoError(t, store.Close())

	store, err = NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	runner := newFakeRunner()
	d := NewDaemon(Deps{Store: store, Runner: runner, Logger: testLogger()},
		Options{MaxConcurrent: 5})
	require.NoError(t, d.Start(ctx))
	t.Cleanup(d.Stop)

	plan := runner.waitPlan(t)
	assert.Equal(t, def.TriggerID, plan.Metadata.Trigger["trigger_id"])
}

func TestDaemonRegisterValidation(t *testing.T) {
	h := newDaemonHarness(t, Options{EnabledTypes: []string{"temporal"}})
	ctx := context.Background()

	tests := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{
			"unknown type",
			&Definition{Name: "x", Condition: Condition{Type: Type("psychic")}},
			"unknown trigger type",
		},
		{
			"disabled type",
			&Definition{Name: "x", Condition: Condition{
				Type:   TypeFilesystem,
				Params: map[string]any{"path": "/tmp"},
			}},
			"disabled by configuration",
		},
		{
			"chain too deep",
			&Definition{Name: "x", ChainDepth: 6, Condition: Condition{
				Type:   TypeTemporal,
				Params: map[string]any{"interval_seconds": 60.0},
			}},
			"chain depth 6 exceeds max 5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.daemon.Register(ctx, tt.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDaemonDeactivateStopsFiring(t *testing.T) {
	h := newDaemonHarness(t, Options{})
	ctx := context.Background()

	def := fastInterval("stoppable")
	require.NoError(t, h.daemon.Register(ctx, def))
	h.runner.waitPlan(t)

	require.NoError(t, h.daemon.Deactivate(ctx, def.TriggerID))

	got, err := h.store.Get(ctx, def.TriggerID)
	require.NoError(t, err)
	assert.Equal(t, StateInactive, got.State)
	assert.False(t, got.Enabled)

	// No further plans after the watcher is disarmed.
	time.Sleep(60 * time.Millisecond)
	before := h.runner.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, h.runner.count())
}

func TestDaemonDelete(t *testing.T) {
	h := newDaemonHarness(t, Options{})
	ctx := context.Background()

	def := fastInterval("doomed")
	def.Enabled = false
	require.NoError(t, h.daemon.Register(ctx, def))

	deleted, err := h.daemon.Delete(ctx, def.TriggerID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = h.store.Get(ctx, def.TriggerID)
	assert.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestDaemonMinIntervalThrottles(t *testing.T) {
	h := newDaemonHarness(t, Options{})
	ctx := context.Background()

	def := fastInterval("throttled")
	def.MinIntervalSeconds = 3600
	require.NoError(t, h.daemon.Register(ctx, def))

	// The first fire submits; the watcher keeps ticking but every later
	// fire lands inside the minimum interval.
	h.runner.waitPlan(t)
	require.Eventually(t, func() bool {
		got, err := h.store.Get(ctx, def.TriggerID)
		return err == nil && got.State == StateThrottled && got.Health.FireCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemonBuildPlanInjectsTriggerContext(t *testing.T) {
	d := NewDaemon(Deps{Logger: testLogger()}, Options{})

	def := &Definition{
		Name: "csv import",
		PlanTemplate: map[string]any{
			"description": "import new file",
			"actions": []any{
				map[string]any{
					"id":     "import",
					"module": "filesystem",
					"action": "read_file",
					"params": map[string]any{"path": "{{trigger.path}}"},
				},
			},
		},
	}
	def.Normalize()

	fire := NewFireEvent(def.TriggerID, def.Name, "filesystem.changed", map[string]any{
		"path": "/data/in.csv",
	})
	plan, err := d.buildPlan(def, fire, "trigger_deadbeef")
	require.NoError(t, err)

	assert.Equal(t, "trigger_deadbeef", plan.PlanID)
	assert.Equal(t, protocol.ProtocolVersion, plan.Version)
	assert.Equal(t, protocol.ModeReactive, plan.ExecutionMode)
	require.NotNil(t, plan.Metadata)
	assert.Equal(t, "/data/in.csv", plan.Metadata.Trigger["path"])
	assert.Equal(t, "filesystem.changed", plan.Metadata.Trigger["event_type"])
	// The template expression stays in params for fire-time resolution.
	assert.Equal(t, "{{trigger.path}}", plan.Actions[0].Params["path"])
}

func TestDaemonFireEventsCarryCausality(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "triggers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := &captureBus{}
	runner := newFakeRunner()
	d := NewDaemon(Deps{Store: store, Bus: bus, Runner: runner, Logger: testLogger()},
		Options{MaxConcurrent: 5})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	require.NoError(t, d.Register(context.Background(), fastInterval("causal")))
	runner.waitPlan(t)

	require.Eventually(t, func() bool {
		return bus.byKind("trigger.plan_submitted") != nil
	}, 2*time.Second, 5*time.Millisecond)

	fired := bus.byKind("trigger.fired")
	require.NotNil(t, fired)
	require.NotEmpty(t, fired["_event_id"])

	submitted := bus.byKind("trigger.plan_submitted")
	assert.Equal(t, fired["_event_id"], submitted["_caused_by"],
		"plan submission descends from the fire event")
	assert.Equal(t, fired["_correlation_id"], submitted["_correlation_id"])
	assert.NotEmpty(t, submitted["plan_id"])
}

func TestDaemonBuildPlanRejectsDanglingReference(t *testing.T) {
	h := newDaemonHarness(t, Options{})

	def := &Definition{
		Name: "broken ref",
		PlanTemplate: map[string]any{
			"description": "references an action that does not exist",
			"actions": []any{
				map[string]any{
					"id":     "a1",
					"module": "filesystem",
					"action": "read_file",
					"params": map[string]any{"path": "{{result.ghost.path}}"},
				},
			},
		},
	}
	def.Normalize()

	fire := NewFireEvent(def.TriggerID, def.Name, "manual", nil)
	_, err := h.daemon.buildPlan(def, fire, "trigger_badref")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestDaemonResourceLockSerialisesPlans(t *testing.T) {
	h := newDaemonHarness(t, Options{})

	locked := h.daemon.conflict
	ok, _ := locked.TryAcquire("shared_disk", "foreign_plan")
	require.True(t, ok)

	ctx := context.Background()
	def := fastInterval("locked out")
	def.ResourceLock = "shared_disk"
	def.ConflictPolicy = ConflictReject
	require.NoError(t, h.daemon.Register(ctx, def))

	// Fires are rejected while the lock is held by someone else.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.runner.count())

	locked.Release("shared_disk", "foreign_plan")
	h.runner.waitPlan(t)
}
