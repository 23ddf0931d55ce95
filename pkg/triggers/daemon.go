package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/llmos-dev/llmos-bridge/pkg/events"
	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

const (
	healthInterval = 30 * time.Second
	// resourceWait bounds how long a queued fire waits for its
	// resource lock before being dropped.
	resourceWait = time.Minute
)

// PlanRunner executes instantiated plans. Satisfied by the orchestration
// executor.
type PlanRunner interface {
	Run(ctx context.Context, plan *protocol.Plan) (*state.ExecutionState, error)
	Cancel(planID string) bool
}

// Deps are the collaborators a Daemon needs.
type Deps struct {
	Store  *Store
	Bus    events.Bus
	Runner PlanRunner
	Logger *slog.Logger
}

// Options tune daemon behaviour.
type Options struct {
	// MaxConcurrent caps triggered plans running at once.
	MaxConcurrent int
	// EnabledTypes restricts which trigger types may be registered.
	// Empty means all types.
	EnabledTypes []string
}

// Daemon orchestrates the trigger subsystem: it loads persisted triggers
// on startup, arms a watcher per trigger, validates and schedules fires,
// submits the resulting plans, and keeps trigger health and state in
// sync with the store.
type Daemon struct {
	store     *Store
	bus       events.Bus
	runner    PlanRunner
	logger    *slog.Logger
	parser    *protocol.Parser
	validator *protocol.Validator
	opts      Options
	enabled   map[Type]bool

	conflict  *ConflictResolver
	scheduler *FireScheduler

	mu       sync.Mutex
	triggers map[string]*Definition
	watchers map[string]Watcher
	started  bool

	healthStop chan struct{}
	healthDone chan struct{}
}

// NewDaemon wires a stopped daemon. Call Start to arm persisted
// triggers.
func NewDaemon(deps Deps, opts Options) *Daemon {
	if deps.Bus == nil {
		deps.Bus = events.NullBus{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 10
	}
	enabled := make(map[Type]bool, len(opts.EnabledTypes))
	for _, t := range opts.EnabledTypes {
		enabled[Type(t)] = true
	}
	return &Daemon{
		store:     deps.Store,
		bus:       deps.Bus,
		runner:    deps.Runner,
		logger:    deps.Logger,
		parser:    protocol.NewParser(nil),
		validator: protocol.NewValidator(),
		opts:      opts,
		enabled:   enabled,
		conflict:  NewConflictResolver(),
		triggers:  make(map[string]*Definition),
		watchers:  make(map[string]Watcher),
	}
}

// Start loads active triggers from the store, arms them, and launches
// the scheduler and health loops.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	d.scheduler = NewFireScheduler(d.submitPlan, d.cancelPlan, d.opts.MaxConcurrent, d.logger)
	d.scheduler.Start(ctx)

	active, err := d.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load active triggers: %w", err)
	}
	for _, t := range active {
		d.mu.Lock()
		d.triggers[t.TriggerID] = t
		d.mu.Unlock()
		d.arm(ctx, t)
	}

	d.healthStop = make(chan struct{})
	d.healthDone = make(chan struct{})
	go d.healthLoop(ctx)

	d.logger.Info("Trigger daemon started", "active_triggers", len(active))
	return nil
}

// Stop disarms all triggers and shuts down the scheduler.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	watchers := make([]Watcher, 0, len(d.watchers))
	for _, w := range d.watchers {
		watchers = append(watchers, w)
	}
	d.watchers = make(map[string]Watcher)
	d.mu.Unlock()

	close(d.healthStop)
	<-d.healthDone

	for _, w := range watchers {
		w.Stop()
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	d.logger.Info("Trigger daemon stopped")
}

// Register validates, persists, and (when enabled) arms a new trigger.
func (d *Daemon) Register(ctx context.Context, t *Definition) error {
	t.Normalize()
	if !t.Condition.Type.IsValid() {
		return fmt.Errorf("unknown trigger type %q", t.Condition.Type)
	}
	if len(d.enabled) > 0 && !d.enabled[t.Condition.Type] {
		return fmt.Errorf("trigger type %q is disabled by configuration", t.Condition.Type)
	}
	if t.ChainDepth > t.MaxChainDepth {
		return fmt.Errorf("trigger chain depth %d exceeds max %d", t.ChainDepth, t.MaxChainDepth)
	}

	t.State = StateRegistered
	d.mu.Lock()
	d.triggers[t.TriggerID] = t
	d.mu.Unlock()
	if err := d.store.Save(ctx, t); err != nil {
		return err
	}

	if t.Enabled {
		if err := d.Activate(ctx, t.TriggerID); err != nil {
			return err
		}
	}
	d.emitEvent(ctx, "trigger.registered", t, nil)
	d.logger.Info("Trigger registered", "trigger_id", t.TriggerID, "name", t.Name)
	return nil
}

// Activate enables and arms a trigger.
func (d *Daemon) Activate(ctx context.Context, triggerID string) error {
	t, err := d.getOrLoad(ctx, triggerID)
	if err != nil {
		return err
	}
	t.Enabled = true
	t.State = StateActive
	if err := d.store.Save(ctx, t); err != nil {
		return err
	}
	d.arm(ctx, t)
	d.emitEvent(ctx, "trigger.activated", t, nil)
	return nil
}

// Deactivate disarms a trigger without deleting it.
func (d *Daemon) Deactivate(ctx context.Context, triggerID string) error {
	t, err := d.getOrLoad(ctx, triggerID)
	if err != nil {
		return err
	}
	d.disarm(triggerID)
	t.Enabled = false
	t.State = StateInactive
	if err := d.store.Save(ctx, t); err != nil {
		return err
	}
	d.emitEvent(ctx, "trigger.deactivated", t, nil)
	return nil
}

// Delete disarms and permanently removes a trigger.
func (d *Daemon) Delete(ctx context.Context, triggerID string) (bool, error) {
	d.disarm(triggerID)
	d.mu.Lock()
	delete(d.triggers, triggerID)
	d.mu.Unlock()
	deleted, err := d.store.Delete(ctx, triggerID)
	if err != nil {
		return false, err
	}
	if deleted {
		d.logger.Info("Trigger deleted", "trigger_id", triggerID)
	}
	return deleted, nil
}

// Get returns a trigger by ID, loading it from the store when the
// in-memory cache misses.
func (d *Daemon) Get(ctx context.Context, triggerID string) (*Definition, error) {
	return d.getOrLoad(ctx, triggerID)
}

// ListAll returns every persisted trigger.
func (d *Daemon) ListAll(ctx context.Context) ([]*Definition, error) {
	return d.store.ListAll(ctx)
}

// ListActive returns the armed triggers.
func (d *Daemon) ListActive() []*Definition {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Definition
	for _, t := range d.triggers {
		if t.State == StateActive || t.State == StateWatching {
			out = append(out, t)
		}
	}
	return out
}

// arm creates and starts the watcher for a trigger. Arm failures mark
// the trigger failed rather than propagating.
func (d *Daemon) arm(ctx context.Context, t *Definition) {
	d.disarm(t.TriggerID)
	w, err := NewWatcher(t.TriggerID, t.Condition, d.onWatcherFire, d.logger)
	if err == nil {
		err = w.Start()
	}
	if err != nil {
		d.logger.Error("Trigger arm failed", "trigger_id", t.TriggerID, "error", err)
		t.State = StateFailed
		t.Health.RecordFail(err.Error())
		if saveErr := d.store.Save(ctx, t); saveErr != nil {
			d.logger.Error("Failed to persist trigger failure",
				"trigger_id", t.TriggerID, "error", saveErr)
		}
		return
	}
	d.mu.Lock()
	d.watchers[t.TriggerID] = w
	d.mu.Unlock()
	d.logger.Debug("Trigger armed",
		"trigger_id", t.TriggerID, "type", string(t.Condition.Type))
}

func (d *Daemon) disarm(triggerID string) {
	d.mu.Lock()
	w, ok := d.watchers[triggerID]
	delete(d.watchers, triggerID)
	d.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// onWatcherFire validates a fire and hands it to the scheduler.
func (d *Daemon) onWatcherFire(triggerID, eventType string, payload map[string]any) {
	ctx := context.Background()
	d.mu.Lock()
	t := d.triggers[triggerID]
	d.mu.Unlock()
	if t == nil {
		d.logger.Warn("Fire from unknown trigger", "trigger_id", triggerID)
		return
	}

	if !t.CanFire() {
		d.recordThrottle(ctx, t)
		return
	}

	fire := NewFireEvent(triggerID, t.Name, eventType, payload)

	d.notifyComposites(triggerID, eventType, payload)

	if !d.scheduler.Enqueue(t, fire) {
		d.recordThrottle(ctx, t)
		return
	}

	// The fired event is the causal root of everything this fire spawns;
	// the plan submission below links back to it.
	fire.Envelope = events.NewEnvelope(events.TopicTriggers, map[string]any{
		"kind":         "trigger.fired",
		"trigger_id":   triggerID,
		"trigger_name": t.Name,
		"event_type":   eventType,
	})
	d.bus.Emit(ctx, events.TopicTriggers, fire.Envelope.Flatten())

	t.State = StateFired
	if err := d.store.UpdateState(ctx, triggerID, StateFired); err != nil {
		d.logger.Warn("Failed to persist fired state",
			"trigger_id", triggerID, "error", err)
	}
}

func (d *Daemon) recordThrottle(ctx context.Context, t *Definition) {
	t.Health.RecordThrottle()
	t.State = StateThrottled
	if err := d.store.UpdateState(ctx, t.TriggerID, StateThrottled); err != nil {
		d.logger.Warn("Failed to persist throttled state",
			"trigger_id", t.TriggerID, "error", err)
	}
	d.logger.Debug("Trigger fire throttled", "trigger_id", t.TriggerID)
}

// notifyComposites forwards a sub-trigger fire to every armed composite
// watcher so AND/SEQ/WINDOW conditions can accumulate it.
func (d *Daemon) notifyComposites(subTriggerID, eventType string, payload map[string]any) {
	d.mu.Lock()
	var composites []*compositeWatcher
	for _, w := range d.watchers {
		if cw, ok := w.(*compositeWatcher); ok {
			composites = append(composites, cw)
		}
	}
	d.mu.Unlock()
	for _, cw := range composites {
		cw.NotifySubFire(subTriggerID, eventType, payload)
	}
}

// submitPlan builds and launches the plan for a fire. Called by the
// scheduler loop.
func (d *Daemon) submitPlan(ctx context.Context, t *Definition, fire *FireEvent) (string, error) {
	if d.runner == nil {
		d.logger.Warn("No plan runner configured, dropping fire", "trigger_id", t.TriggerID)
		return "", nil
	}

	start := time.Now()
	planID := t.GeneratePlanID()
	fire.PlanID = planID

	if t.ResourceLock != "" {
		acquired, holder := d.conflict.TryAcquire(t.ResourceLock, planID)
		if !acquired {
			switch t.ConflictPolicy {
			case ConflictQueue:
				if !d.conflict.WaitForResource(ctx, t.ResourceLock, resourceWait) {
					d.logger.Warn("Resource wait timed out",
						"trigger_id", t.TriggerID, "resource", t.ResourceLock)
					return "", nil
				}
				if ok, _ := d.conflict.TryAcquire(t.ResourceLock, planID); !ok {
					return "", nil
				}
			case ConflictReject:
				d.logger.Info("Fire rejected, resource locked",
					"trigger_id", t.TriggerID, "resource", t.ResourceLock, "holder", holder)
				return "", nil
			}
		}
	}

	plan, err := d.buildPlan(t, fire, planID)
	if err != nil {
		t.Health.RecordFail(err.Error())
		if saveErr := d.store.Save(ctx, t); saveErr != nil {
			d.logger.Error("Failed to persist trigger failure",
				"trigger_id", t.TriggerID, "error", saveErr)
		}
		if t.ResourceLock != "" {
			d.conflict.Release(t.ResourceLock, planID)
		}
		return "", fmt.Errorf("build plan for trigger %s: %w", t.TriggerID, err)
	}

	go d.runPlan(t, plan)

	t.Health.RecordFire(float64(time.Since(start).Milliseconds()))
	t.State = StateActive // re-arm
	if err := d.store.Save(ctx, t); err != nil {
		d.logger.Warn("Failed to persist trigger after fire",
			"trigger_id", t.TriggerID, "error", err)
	}
	submitted := map[string]any{
		"kind":         "trigger.plan_submitted",
		"trigger_id":   t.TriggerID,
		"trigger_name": t.Name,
		"state":        string(t.State),
		"plan_id":      planID,
		"event_type":   fire.EventType,
		"fired_at":     fire.FiredAt,
	}
	if fire.Envelope != nil {
		child := fire.Envelope.SpawnChild(events.TopicTriggers, submitted)
		d.bus.Emit(ctx, events.TopicTriggers, child.Flatten())
	} else {
		d.bus.Emit(ctx, events.TopicTriggers, submitted)
	}
	d.logger.Info("Trigger plan submitted",
		"trigger_id", t.TriggerID,
		"plan_id", planID,
		"avg_latency_ms", t.Health.AvgLatencyMS)
	return planID, nil
}

// runPlan executes a triggered plan and releases its scheduler slot and
// resource lock when it finishes.
func (d *Daemon) runPlan(t *Definition, plan *protocol.Plan) {
	defer func() {
		if t.ResourceLock != "" {
			d.conflict.Release(t.ResourceLock, plan.PlanID)
		}
		d.scheduler.OnPlanCompleted(plan.PlanID)
	}()

	if _, err := d.runner.Run(context.Background(), plan); err != nil {
		d.logger.Error("Triggered plan failed",
			"trigger_id", t.TriggerID, "plan_id", plan.PlanID, "error", err)
	}
}

func (d *Daemon) cancelPlan(planID string) {
	if d.runner != nil {
		d.runner.Cancel(planID)
	}
}

// buildPlan deep-copies the plan template and injects the generated plan
// ID plus the trigger context used by {{trigger.*}} templates.
func (d *Daemon) buildPlan(t *Definition, fire *FireEvent, planID string) (*protocol.Plan, error) {
	raw, err := json.Marshal(t.PlanTemplate)
	if err != nil {
		return nil, fmt.Errorf("serialise plan template: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("copy plan template: %w", err)
	}

	doc["plan_id"] = planID
	if _, ok := doc["protocol_version"]; !ok {
		doc["protocol_version"] = protocol.ProtocolVersion
	}
	if _, ok := doc["execution_mode"]; !ok {
		doc["execution_mode"] = string(protocol.ModeReactive)
	}
	meta, _ := doc["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["trigger"] = fire.TemplateContext()
	doc["metadata"] = meta

	plan, err := d.parser.ParseMap(doc)
	if err != nil {
		return nil, err
	}
	if err := d.validator.Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// healthLoop periodically transitions triggers with crashed watchers to
// failed and purges expired triggers.
func (d *Daemon) healthLoop(ctx context.Context) {
	defer close(d.healthDone)
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.healthStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.checkHealth(ctx)
		if _, err := d.store.PurgeExpired(ctx); err != nil {
			d.logger.Error("Failed to purge expired triggers", "error", err)
		}
	}
}

func (d *Daemon) checkHealth(ctx context.Context) {
	d.mu.Lock()
	type failed struct {
		t   *Definition
		err string
	}
	var failures []failed
	for triggerID, w := range d.watchers {
		if msg := w.Err(); msg != "" {
			if t := d.triggers[triggerID]; t != nil && t.State != StateFailed {
				failures = append(failures, failed{t: t, err: msg})
			}
		}
	}
	d.mu.Unlock()

	for _, f := range failures {
		f.t.State = StateFailed
		f.t.Health.RecordFail(f.err)
		if err := d.store.Save(ctx, f.t); err != nil {
			d.logger.Error("Failed to persist trigger failure",
				"trigger_id", f.t.TriggerID, "error", err)
		}
		d.emitEvent(ctx, "trigger.failed", f.t, map[string]any{"error": f.err})
		d.logger.Warn("Trigger marked failed",
			"trigger_id", f.t.TriggerID, "error", f.err)
	}
}

func (d *Daemon) getOrLoad(ctx context.Context, triggerID string) (*Definition, error) {
	d.mu.Lock()
	t := d.triggers[triggerID]
	d.mu.Unlock()
	if t != nil {
		return t, nil
	}
	t, err := d.store.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.triggers[triggerID] = t
	d.mu.Unlock()
	return t, nil
}

func (d *Daemon) emitEvent(ctx context.Context, kind string, t *Definition, extra map[string]any) {
	payload := map[string]any{
		"kind":         kind,
		"trigger_id":   t.TriggerID,
		"trigger_name": t.Name,
		"state":        string(t.State),
	}
	for k, v := range extra {
		payload[k] = v
	}
	d.bus.Emit(ctx, events.TopicTriggers, payload)
}
