package protocol

import (
	"fmt"
	"strings"
)

// ProtocolVersion is the IML protocol version this daemon speaks.
// Plans declaring any "2.x" version are accepted.
const ProtocolVersion = "2.0"

// ExecutionMode controls how a plan's actions are scheduled.
type ExecutionMode string

const (
	// ModeSequential runs actions one at a time in topological order.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel runs independent actions concurrently, wave by wave.
	ModeParallel ExecutionMode = "parallel"
	// ModeReactive marks plans instantiated from trigger templates.
	ModeReactive ExecutionMode = "reactive"
)

// IsValid checks if the execution mode is valid
func (m ExecutionMode) IsValid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeReactive:
		return true
	default:
		return false
	}
}

// OnError defines what the executor does when an action fails.
type OnError string

const (
	// OnErrorHalt stops the plan at the first failure (default).
	OnErrorHalt OnError = "HALT"
	// OnErrorContinue records the failure and keeps executing.
	OnErrorContinue OnError = "CONTINUE"
	// OnErrorRetry applies the action's retry policy before halting.
	OnErrorRetry OnError = "RETRY"
	// OnErrorEscalate asks the approval gate how to dispose of the failure.
	OnErrorEscalate OnError = "ESCALATE"
)

// IsValid checks if the on_error disposition is valid
func (o OnError) IsValid() bool {
	switch o {
	case OnErrorHalt, OnErrorContinue, OnErrorRetry, OnErrorEscalate:
		return true
	default:
		return false
	}
}

// RetryPolicy configures the retry loop for OnErrorRetry actions.
// Delay before attempt n is BackoffSeconds * 2^(n-1).
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts"`
	BackoffSeconds float64 `json:"backoff_seconds"`
}

// RollbackSpec names the compensating action to run when this action
// fails and the plan unwinds. Params overlay the target action's params.
type RollbackSpec struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Action is a single step of an IML plan.
type Action struct {
	ID               string         `json:"id"`
	Module           string         `json:"module"`
	Action           string         `json:"action"`
	Params           map[string]any `json:"params,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	OnError          OnError        `json:"on_error,omitempty"`
	Retry            *RetryPolicy   `json:"retry,omitempty"`
	Rollback         *RollbackSpec  `json:"rollback,omitempty"`
	FallbackChain    []string       `json:"fallback_chain,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	TimeoutSeconds   float64        `json:"timeout_seconds,omitempty"`
	TargetNode       string         `json:"target_node,omitempty"`
}

// Qualified returns the "module.action" pair used by permission patterns,
// rate limiter keys, and approval bookkeeping.
func (a *Action) Qualified() string {
	return a.Module + "." + a.Action
}

// Metadata carries optional plan provenance.
type Metadata struct {
	CreatedBy string            `json:"created_by,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Trigger   map[string]string `json:"trigger,omitempty"`
}

// Plan is a fully parsed IML plan.
type Plan struct {
	Version       string        `json:"protocol_version"`
	PlanID        string        `json:"plan_id"`
	Description   string        `json:"description,omitempty"`
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty"`
	Actions       []Action      `json:"actions"`
	SessionID     string        `json:"session_id,omitempty"`
	Metadata      *Metadata     `json:"metadata,omitempty"`
	// ModuleRequirements maps module IDs to version specifiers the
	// installed modules must satisfy before execution starts.
	ModuleRequirements map[string]string `json:"module_requirements,omitempty"`
}

// GetAction returns the action with the given ID, or nil.
func (p *Plan) GetAction(id string) *Action {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i]
		}
	}
	return nil
}

// ActionIDs returns the IDs of all actions in declaration order.
func (p *Plan) ActionIDs() []string {
	ids := make([]string, len(p.Actions))
	for i := range p.Actions {
		ids[i] = p.Actions[i].ID
	}
	return ids
}

// VersionSupported reports whether the declared protocol_version is one
// this daemon can execute. Any 2.x version is accepted.
func (p *Plan) VersionSupported() bool {
	return strings.HasPrefix(p.Version, "2.")
}

// checkStructure validates structural invariants that JSON decoding alone
// cannot express. Called by the parser after decoding.
func (p *Plan) checkStructure() error {
	if p.Version == "" {
		return newFieldError("protocol_version", "is required")
	}
	if p.PlanID == "" {
		return newFieldError("plan_id", "is required")
	}
	if len(p.Actions) == 0 {
		return newFieldError("actions", "must contain at least one action")
	}
	if p.ExecutionMode == "" {
		p.ExecutionMode = ModeSequential
	}
	if !p.ExecutionMode.IsValid() {
		return newFieldError("execution_mode", fmt.Sprintf("unknown mode %q", p.ExecutionMode))
	}

	seen := make(map[string]bool, len(p.Actions))
	for i := range p.Actions {
		a := &p.Actions[i]
		if a.ID == "" {
			return newFieldError(fmt.Sprintf("actions[%d].id", i), "is required")
		}
		if seen[a.ID] {
			return newFieldError("actions", fmt.Sprintf("duplicate action id %q", a.ID))
		}
		seen[a.ID] = true
		if a.Module == "" {
			return newFieldError(fmt.Sprintf("actions[%d].module", i), "is required")
		}
		if a.Action == "" {
			return newFieldError(fmt.Sprintf("actions[%d].action", i), "is required")
		}
		if a.OnError == "" {
			a.OnError = OnErrorHalt
		}
		if !a.OnError.IsValid() {
			return newFieldError(fmt.Sprintf("actions[%d].on_error", i), fmt.Sprintf("unknown disposition %q", a.OnError))
		}
		if a.OnError == OnErrorRetry && a.Retry == nil {
			a.Retry = &RetryPolicy{MaxAttempts: 3, BackoffSeconds: 1}
		}
		if a.Retry != nil && a.Retry.MaxAttempts < 1 {
			return newFieldError(fmt.Sprintf("actions[%d].retry.max_attempts", i), "must be at least 1")
		}
		if a.Params == nil {
			a.Params = map[string]any{}
		}
	}

	for i := range p.Actions {
		for _, dep := range p.Actions[i].DependsOn {
			if !seen[dep] {
				return newFieldError(
					fmt.Sprintf("actions[%d].depends_on", i),
					fmt.Sprintf("references unknown action %q", dep))
			}
		}
	}
	return nil
}
