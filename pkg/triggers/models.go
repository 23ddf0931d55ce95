// Package triggers implements the reactive automation subsystem: trigger
// definitions persisted in SQLite, background watchers for temporal,
// filesystem, process, resource, and composite conditions, and a priority
// scheduler that turns trigger fires into executed plans.
package triggers

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmos-dev/llmos-bridge/pkg/events"
)

// Type is the category of event source a trigger watches.
type Type string

const (
	TypeTemporal   Type = "temporal"
	TypeFilesystem Type = "filesystem"
	TypeProcess    Type = "process"
	TypeResource   Type = "resource"
	TypeComposite  Type = "composite"
)

// IsValid checks if the trigger type is one the daemon can arm.
func (t Type) IsValid() bool {
	switch t {
	case TypeTemporal, TypeFilesystem, TypeProcess, TypeResource, TypeComposite:
		return true
	default:
		return false
	}
}

// State is the lifecycle state of a trigger.
//
// State machine:
//
//	REGISTERED → INACTIVE (created disabled)
//	           → ACTIVE   (daemon starts watching)
//
//	ACTIVE  → WATCHING  (partial match for SEQ/WINDOW composites)
//	        → FIRED     (condition met, plan submitted)
//	        → THROTTLED (too many fires in time window)
//	        → FAILED    (watcher hit an unrecoverable error)
//
//	FIRED / THROTTLED → ACTIVE (re-armed after a fire or cooldown)
//	FAILED → INACTIVE (manual re-enable required)
//	INACTIVE → ACTIVE (enable call)
type State string

const (
	StateRegistered State = "registered"
	StateInactive   State = "inactive"
	StateActive     State = "active"
	StateWatching   State = "watching"
	StateFired      State = "fired"
	StateThrottled  State = "throttled"
	StateFailed     State = "failed"
)

// Priority orders plan submission when several triggers fire at once.
// Higher value means higher urgency.
type Priority int

const (
	PriorityBackground Priority = 0
	PriorityLow        Priority = 1
	PriorityNormal     Priority = 2
	PriorityHigh       Priority = 3
	PriorityCritical   Priority = 4
)

// ConflictPolicy decides what happens when a trigger fires while one of
// its plans is still running or its resource lock is held.
type ConflictPolicy string

const (
	// ConflictQueue waits for the resource to free up, then runs.
	ConflictQueue ConflictPolicy = "queue"
	// ConflictPreempt cancels the lower-priority running plan.
	ConflictPreempt ConflictPolicy = "preempt"
	// ConflictReject discards the incoming fire.
	ConflictReject ConflictPolicy = "reject"
)

// Condition describes what a trigger watches: the watcher implementation
// to instantiate plus its type-specific parameters.
//
// Params quick reference:
//
//	temporal:   schedule (cron expr) | interval_seconds | run_at (Unix ts)
//	filesystem: path, recursive, events ["created","modified","deleted"]
//	process:    name (glob), event "started"|"stopped", poll_interval_seconds
//	resource:   metric, threshold, duration_seconds, disk_path
//	composite:  operator AND|OR|NOT|SEQ|WINDOW, trigger_ids, timeout_seconds,
//	            count, window_seconds, silence_seconds
type Condition struct {
	Type   Type           `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Health holds per-trigger operational metrics, updated in memory and
// flushed to SQLite alongside the definition.
type Health struct {
	FireCount     int     `json:"fire_count"`
	FailCount     int     `json:"fail_count"`
	ThrottleCount int     `json:"throttle_count"`
	LastFiredAt   float64 `json:"last_fired_at,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
	// AvgLatencyMS tracks event detection to plan submit, as an
	// exponential moving average with alpha 0.2.
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// RecordFire updates counters after a successful fire.
func (h *Health) RecordFire(latencyMS float64) {
	h.FireCount++
	h.LastFiredAt = unixNow()
	if h.AvgLatencyMS == 0 {
		h.AvgLatencyMS = latencyMS
	} else {
		h.AvgLatencyMS = 0.8*h.AvgLatencyMS + 0.2*latencyMS
	}
}

// RecordFail updates counters after a failed fire or watcher crash.
func (h *Health) RecordFail(errMsg string) {
	h.FailCount++
	h.LastError = errMsg
}

// RecordThrottle counts a fire suppressed by throttling.
func (h *Health) RecordThrottle() {
	h.ThrottleCount++
}

// Definition is the complete trigger record, the unit of persistence.
// It describes what to watch (Condition), what to do on fire
// (PlanTemplate), and how to manage the trigger (priority, throttling,
// conflict policy, chaining).
type Definition struct {
	TriggerID   string `json:"trigger_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Condition Condition `json:"condition"`

	// PlanTemplate is the IML plan document instantiated on each fire.
	// Template expressions like {{trigger.path}} resolve against the
	// fire event at execution time.
	PlanTemplate map[string]any `json:"plan_template"`
	// PlanIDPrefix prefixes generated plan IDs: "<prefix>_<short-uuid>".
	PlanIDPrefix string `json:"plan_id_prefix,omitempty"`

	State    State    `json:"state"`
	Priority Priority `json:"priority"`
	Enabled  bool     `json:"enabled"`

	// MinIntervalSeconds is the minimum gap between consecutive fires.
	// Zero disables the check.
	MinIntervalSeconds float64 `json:"min_interval_seconds,omitempty"`
	// MaxFiresPerHour caps fires per rolling hour. Zero is unlimited.
	MaxFiresPerHour int `json:"max_fires_per_hour,omitempty"`

	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty"`
	// ResourceLock names a resource this trigger's plans hold while
	// running. Two triggers sharing a lock never run concurrently.
	ResourceLock string `json:"resource_lock,omitempty"`

	// ParentTriggerID is set when a running plan created this trigger.
	ParentTriggerID string `json:"parent_trigger_id,omitempty"`
	ChainDepth      int    `json:"chain_depth,omitempty"`
	MaxChainDepth   int    `json:"max_chain_depth,omitempty"`

	CreatedBy string   `json:"created_by,omitempty"`
	Tags      []string `json:"tags,omitempty"`

	Health Health `json:"health"`

	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
	// ExpiresAt auto-deletes the trigger after this Unix timestamp.
	// Zero means permanent.
	ExpiresAt float64 `json:"expires_at,omitempty"`
}

// DefaultMaxChainDepth bounds trigger chains created by running plans.
const DefaultMaxChainDepth = 5

// Normalize fills identity and policy defaults on a freshly submitted
// definition.
func (d *Definition) Normalize() {
	if d.TriggerID == "" {
		d.TriggerID = uuid.NewString()
	}
	if d.PlanIDPrefix == "" {
		d.PlanIDPrefix = "trigger"
	}
	if d.State == "" {
		d.State = StateRegistered
	}
	if d.ConflictPolicy == "" {
		d.ConflictPolicy = ConflictQueue
	}
	if d.MaxChainDepth == 0 {
		d.MaxChainDepth = DefaultMaxChainDepth
	}
	if d.CreatedBy == "" {
		d.CreatedBy = "user"
	}
	now := unixNow()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
}

// IsExpired reports whether the trigger has passed its expiry time.
func (d *Definition) IsExpired() bool {
	return d.ExpiresAt > 0 && unixNow() > d.ExpiresAt
}

// CanFire reports whether the trigger is eligible to fire right now.
func (d *Definition) CanFire() bool {
	if !d.Enabled {
		return false
	}
	switch d.State {
	case StateActive, StateWatching, StateFired:
	default:
		return false
	}
	if d.IsExpired() {
		return false
	}
	if d.MinIntervalSeconds > 0 && d.Health.LastFiredAt > 0 &&
		unixNow()-d.Health.LastFiredAt < d.MinIntervalSeconds {
		return false
	}
	return true
}

// GeneratePlanID returns a unique plan ID for a new fire instance.
func (d *Definition) GeneratePlanID() string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return d.PlanIDPrefix + "_" + short
}

// FireEvent is the transient record produced each time a trigger fires.
// It feeds both the event bus and the trigger template namespace of the
// instantiated plan.
type FireEvent struct {
	TriggerID   string         `json:"trigger_id"`
	TriggerName string         `json:"trigger_name"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	FiredAt     float64        `json:"fired_at"`
	// PlanID is filled in once the plan is submitted.
	PlanID string `json:"plan_id,omitempty"`
	// Envelope is the bus event emitted for this fire. Follow-up events
	// spawn from it so the causal chain survives the scheduler hop.
	Envelope *events.Envelope `json:"-"`
}

// NewFireEvent stamps a fire event with the current time.
func NewFireEvent(triggerID, triggerName, eventType string, payload map[string]any) *FireEvent {
	return &FireEvent{
		TriggerID:   triggerID,
		TriggerName: triggerName,
		EventType:   eventType,
		Payload:     payload,
		FiredAt:     unixNow(),
	}
}

// TemplateContext flattens the fire event into the string map carried on
// plan metadata. Payload keys land at the top level so plans can use
// {{trigger.path}} style references.
func (e *FireEvent) TemplateContext() map[string]string {
	ctx := map[string]string{
		"trigger_id":   e.TriggerID,
		"trigger_name": e.TriggerName,
		"event_type":   e.EventType,
		"fired_at":     fmt.Sprintf("%f", e.FiredAt),
	}
	for k, v := range e.Payload {
		if _, taken := ctx[k]; !taken {
			ctx[k] = fmt.Sprintf("%v", v)
		}
	}
	return ctx
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
