package security

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrApprovalRequired = errors.New("approval required")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrScanRejected     = errors.New("input scan rejected")
)

// PermissionDeniedError reports a profile or sandbox rejection.
type PermissionDeniedError struct {
	Module  string
	Action  string
	Profile Profile
	Reason  string
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("action %s.%s denied by profile %q", e.Module, e.Action, e.Profile)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// ApprovalRequiredError signals the executor to route the action through
// the approval gate.
type ApprovalRequiredError struct {
	PlanID   string
	ActionID string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("action %s of plan %s requires approval", e.ActionID, e.PlanID)
}

func (e *ApprovalRequiredError) Unwrap() error { return ErrApprovalRequired }

// RateLimitError reports which window was exhausted.
type RateLimitError struct {
	ActionKey string
	Limit     int
	Window    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d calls per %s", e.ActionKey, e.Limit, e.Window)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ScanRejectedError reports an input scanner pipeline rejection. Report
// carries the full per-scanner breakdown for persistence and audit.
type ScanRejectedError struct {
	PlanID    string
	RiskScore float64
	Details   string
	Report    *PipelineResult
}

func (e *ScanRejectedError) Error() string {
	return fmt.Sprintf("plan %s rejected by input scan (risk %.2f): %s",
		e.PlanID, e.RiskScore, e.Details)
}

func (e *ScanRejectedError) Unwrap() error { return ErrScanRejected }
