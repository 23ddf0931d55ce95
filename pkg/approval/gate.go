// Package approval coordinates asynchronous human approval decisions
// between the plan executor, which waits, and the API layer, which
// signals. Each pending approval holds a channel the executor blocks on
// until the API delivers a decision or the timeout fires.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision is the user's disposition for a pending action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionSkip    Decision = "skip"
	DecisionModify  Decision = "modify"
	// DecisionApproveAlways approves and auto-approves every later
	// request for the same module.action pair this session.
	DecisionApproveAlways Decision = "approve_always"
)

// IsValid checks if the decision is valid
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionSkip, DecisionModify, DecisionApproveAlways:
		return true
	default:
		return false
	}
}

// TimeoutBehavior chooses the synthetic decision when no human answers
// in time.
type TimeoutBehavior string

const (
	TimeoutReject TimeoutBehavior = "reject"
	TimeoutSkip   TimeoutBehavior = "skip"
)

// Request describes an action awaiting user approval.
type Request struct {
	PlanID      string         `json:"plan_id"`
	ActionID    string         `json:"action_id"`
	Module      string         `json:"module"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params"`
	RiskLevel   string         `json:"risk_level,omitempty"`
	Description string         `json:"description,omitempty"`
	Reason      string         `json:"requires_approval_reason,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Response is the user's decision on a pending request.
type Response struct {
	Decision       Decision       `json:"decision"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

type pendingEntry struct {
	request Request
	done    chan Response
}

type pendingKey struct {
	planID   string
	actionID string
}

// Gate tracks pending approvals and the session auto-approve list. Safe
// for concurrent use by the executor goroutines and the API handlers.
type Gate struct {
	mu              sync.Mutex
	pending         map[pendingKey]*pendingEntry
	autoApprove     map[string]bool
	defaultTimeout  time.Duration
	timeoutBehavior TimeoutBehavior
}

// NewGate builds a gate with the configured timeout defaults.
func NewGate(defaultTimeout time.Duration, behavior TimeoutBehavior) *Gate {
	if behavior == "" {
		behavior = TimeoutReject
	}
	return &Gate{
		pending:         make(map[pendingKey]*pendingEntry),
		autoApprove:     make(map[string]bool),
		defaultTimeout:  defaultTimeout,
		timeoutBehavior: behavior,
	}
}

// RequestApproval blocks until a decision arrives, the timeout expires,
// or ctx is cancelled. A zero timeout uses the gate default. On timeout
// the configured behavior synthesises a REJECT or SKIP response; on
// context cancellation a REJECT is synthesised.
func (g *Gate) RequestApproval(ctx context.Context, req Request, timeout time.Duration) Response {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	if g.IsAutoApproved(req.Module, req.Action) {
		return Response{
			Decision:  DecisionApprove,
			Reason:    "auto-approved for this session",
			Timestamp: time.Now().UTC(),
		}
	}
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	key := pendingKey{req.PlanID, req.ActionID}
	entry := &pendingEntry{request: req, done: make(chan Response, 1)}

	g.mu.Lock()
	g.pending[key] = entry
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, key)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.done:
		return resp
	case <-timer.C:
		decision := DecisionReject
		if g.timeoutBehavior == TimeoutSkip {
			decision = DecisionSkip
		}
		return Response{
			Decision:  decision,
			Reason:    fmt.Sprintf("Approval timed out after %gs", timeout.Seconds()),
			Timestamp: time.Now().UTC(),
		}
	case <-ctx.Done():
		return Response{
			Decision:  DecisionReject,
			Reason:    "plan cancelled while waiting for approval",
			Timestamp: time.Now().UTC(),
		}
	}
}

// SubmitDecision delivers a decision to a waiting executor. Returns
// false when no matching request is pending.
func (g *Gate) SubmitDecision(planID, actionID string, resp Response) bool {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}

	g.mu.Lock()
	key := pendingKey{planID, actionID}
	entry, ok := g.pending[key]
	if ok && resp.Decision == DecisionApproveAlways {
		g.autoApprove[entry.request.Module+"."+entry.request.Action] = true
	}
	if ok {
		delete(g.pending, key)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	entry.done <- resp
	return true
}

// Pending lists outstanding requests, optionally filtered by plan ID.
func (g *Gate) Pending(planID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for key, entry := range g.pending {
		if planID == "" || key.planID == planID {
			out = append(out, entry.request)
		}
	}
	return out
}

// PendingCount returns the number of outstanding requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// IsAutoApproved reports whether module.action was approved with
// APPROVE_ALWAYS earlier this session.
func (g *Gate) IsAutoApproved(module, action string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.autoApprove[module+"."+action]
}

// ClearAutoApprovals resets the session auto-approve list.
func (g *Gate) ClearAutoApprovals() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoApprove = make(map[string]bool)
}
