package state

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending         PlanStatus = "pending"
	PlanValidating      PlanStatus = "validating"
	PlanWaitingApproval PlanStatus = "waiting_approval"
	PlanRunning         PlanStatus = "running"
	PlanCompleted       PlanStatus = "completed"
	PlanFailed          PlanStatus = "failed"
	PlanCancelled       PlanStatus = "cancelled"
	PlanPartial         PlanStatus = "partial"
)

// IsTerminal reports whether no further transitions are allowed.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled, PlanPartial:
		return true
	default:
		return false
	}
}

// IsValid checks if the plan status is valid
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanPending, PlanValidating, PlanWaitingApproval, PlanRunning,
		PlanCompleted, PlanFailed, PlanCancelled, PlanPartial:
		return true
	default:
		return false
	}
}

// ActionStatus is the lifecycle state of a single action.
type ActionStatus string

const (
	ActionPending         ActionStatus = "pending"
	ActionWaitingApproval ActionStatus = "waiting_approval"
	ActionRunning         ActionStatus = "running"
	ActionRetrying        ActionStatus = "retrying"
	ActionCompleted       ActionStatus = "completed"
	ActionFailed          ActionStatus = "failed"
	ActionSkipped         ActionStatus = "skipped"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionSkipped:
		return true
	default:
		return false
	}
}

// PlanRecord is one row of the plans table.
type PlanRecord struct {
	PlanID        string     `db:"plan_id"`
	Status        PlanStatus `db:"status"`
	ExecutionMode string     `db:"execution_mode"`
	Description   string     `db:"description"`
	SessionID     string     `db:"session_id"`
	Raw           string     `db:"raw"`
	Error         string     `db:"error"`
	Details       string     `db:"details"`
	CreatedAt     int64      `db:"created_at"`
	StartedAt     *int64     `db:"started_at"`
	FinishedAt    *int64     `db:"finished_at"`
}

// ActionRecord is one row of the actions table.
type ActionRecord struct {
	PlanID        string       `db:"plan_id"`
	ActionID      string       `db:"action_id"`
	Status        ActionStatus `db:"status"`
	Module        string       `db:"module"`
	Action        string       `db:"action"`
	Attempt       int          `db:"attempt"`
	MaxAttempts   int          `db:"max_attempts"`
	Result        *string      `db:"result"`
	Error         string       `db:"error"`
	Alternatives  *string      `db:"alternatives"`
	SkippedReason string       `db:"skipped_reason"`
	StartedAt     *int64       `db:"started_at"`
	FinishedAt    *int64       `db:"finished_at"`
}

// ExecutionState is the in-memory view of a plan's progress kept by the
// executor for hot-path reads. The store is the durable source of truth.
type ExecutionState struct {
	PlanID     string
	PlanStatus PlanStatus
	Actions    map[string]*ActionState
	Results    map[string]any
	Error      string
}

// ActionState mirrors ActionRecord for the in-memory view.
type ActionState struct {
	ActionID      string
	Status        ActionStatus
	Module        string
	Action        string
	Attempt       int
	Result        any
	Error         string
	Alternatives  []string
	SkippedReason string
}

// NewExecutionState builds the initial in-memory state with every action
// pending.
func NewExecutionState(planID string) *ExecutionState {
	return &ExecutionState{
		PlanID:     planID,
		PlanStatus: PlanPending,
		Actions:    make(map[string]*ActionState),
		Results:    make(map[string]any),
	}
}

// AllCompleted reports whether every action finished successfully.
func (s *ExecutionState) AllCompleted() bool {
	for _, a := range s.Actions {
		if a.Status != ActionCompleted {
			return false
		}
	}
	return true
}

// AnyFailed reports whether at least one action failed.
func (s *ExecutionState) AnyFailed() bool {
	for _, a := range s.Actions {
		if a.Status == ActionFailed {
			return true
		}
	}
	return false
}

// AnySkipped reports whether at least one action was skipped.
func (s *ExecutionState) AnySkipped() bool {
	for _, a := range s.Actions {
		if a.Status == ActionSkipped {
			return true
		}
	}
	return false
}
