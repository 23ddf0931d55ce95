package orchestration

import (
	"sync"

	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

// execState wraps the in-memory execution view with a mutex so wave
// goroutines and the cascade logic can share it.
type execState struct {
	mu sync.Mutex
	es *state.ExecutionState
}

func newExecState(plan *protocol.Plan) *execState {
	es := state.NewExecutionState(plan.PlanID)
	for i := range plan.Actions {
		a := &plan.Actions[i]
		es.Actions[a.ID] = &state.ActionState{
			ActionID: a.ID,
			Status:   state.ActionPending,
			Module:   a.Module,
			Action:   a.Action,
		}
	}
	return &execState{es: es}
}

func (x *execState) planID() string {
	return x.es.PlanID
}

func (x *execState) status(id string) state.ActionStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	if a, ok := x.es.Actions[id]; ok {
		return a.Status
	}
	return ""
}

func (x *execState) errorOf(id string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if a, ok := x.es.Actions[id]; ok {
		return a.Error
	}
	return ""
}

func (x *execState) setStatus(id string, status state.ActionStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if a, ok := x.es.Actions[id]; ok {
		a.Status = status
	}
}

func (x *execState) setRunning(id string, attempt int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if a, ok := x.es.Actions[id]; ok {
		a.Status = state.ActionRunning
		a.Attempt = attempt
	}
}

func (x *execState) setFailed(id, msg string, alternatives []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if a, ok := x.es.Actions[id]; ok {
		a.Status = state.ActionFailed
		a.Error = msg
		a.Alternatives = alternatives
	}
}

// markSkipped transitions to skipped only from states that have not
// begun executing. Returns false when the transition is not allowed.
func (x *execState) markSkipped(id, reason string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	a, ok := x.es.Actions[id]
	if !ok {
		return false
	}
	switch a.Status {
	case state.ActionPending, state.ActionWaitingApproval:
		a.Status = state.ActionSkipped
		a.SkippedReason = reason
		return true
	default:
		return false
	}
}

func (x *execState) setResult(id string, result any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if a, ok := x.es.Actions[id]; ok {
		a.Status = state.ActionCompleted
		a.Result = result
	}
	x.es.Results[id] = result
}

func (x *execState) resultsSnapshot() map[string]any {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]any, len(x.es.Results))
	for k, v := range x.es.Results {
		out[k] = v
	}
	return out
}

func (x *execState) setPlanStatus(status state.PlanStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.es.PlanStatus = status
}

func (x *execState) setPlanError(msg string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.es.Error = msg
}

// terminal computes the final plan status from the action outcomes.
func (x *execState) terminal(cancelled bool) (state.PlanStatus, string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch {
	case cancelled:
		x.es.PlanStatus = state.PlanCancelled
		x.es.Error = "plan cancelled"
	case x.es.AllCompleted():
		x.es.PlanStatus = state.PlanCompleted
		x.es.Error = ""
	case x.es.AnyFailed():
		x.es.PlanStatus = state.PlanFailed
		x.es.Error = x.firstFailureLocked()
	case x.es.AnySkipped():
		x.es.PlanStatus = state.PlanPartial
		x.es.Error = ""
	default:
		x.es.PlanStatus = state.PlanCompleted
		x.es.Error = ""
	}
	return x.es.PlanStatus, x.es.Error
}

func (x *execState) firstFailureLocked() string {
	for _, a := range x.es.Actions {
		if a.Status == state.ActionFailed && a.Error != "" {
			return "action " + a.ActionID + " failed: " + a.Error
		}
	}
	return "one or more actions failed"
}

// view returns the underlying state. Callers only use it after the run
// has finished.
func (x *execState) view() *state.ExecutionState {
	return x.es
}
