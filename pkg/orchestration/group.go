package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
)

// Group defaults.
const (
	DefaultGroupConcurrency = 10
	DefaultGroupTimeout     = 5 * time.Minute
)

// GroupStatus summarises how a plan group fared.
type GroupStatus string

const (
	GroupCompleted      GroupStatus = "completed"
	GroupPartialFailure GroupStatus = "partial_failure"
	GroupFailed         GroupStatus = "failed"
)

// GroupResult is the outcome of executing a batch of independent plans.
type GroupResult struct {
	GroupID     string                           `json:"group_id"`
	Status      GroupStatus                      `json:"status"`
	PlanResults map[string]*state.ExecutionState `json:"plan_results"`
	Errors      map[string]string                `json:"errors,omitempty"`
	StartedAt   time.Time                        `json:"started_at"`
	FinishedAt  time.Time                        `json:"finished_at"`
}

// GroupExecutor runs independent plans concurrently with a shared
// concurrency cap and a wall-clock deadline for the whole batch.
type GroupExecutor struct {
	executor      *Executor
	logger        *slog.Logger
	maxConcurrent int64
	timeout       time.Duration
}

// NewGroupExecutor builds a group executor on top of the plan executor.
func NewGroupExecutor(executor *Executor, logger *slog.Logger, maxConcurrent int, timeout time.Duration) *GroupExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultGroupConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultGroupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupExecutor{
		executor:      executor,
		logger:        logger,
		maxConcurrent: int64(maxConcurrent),
		timeout:       timeout,
	}
}

// Run executes every plan and gathers per-plan outcomes. Plans keep
// running in isolation: one failing never aborts its siblings. When the
// group deadline passes, unfinished plans are cancelled and the group
// is marked failed.
func (g *GroupExecutor) Run(ctx context.Context, plans []*protocol.Plan) *GroupResult {
	result := &GroupResult{
		GroupID:     newGroupID(),
		PlanResults: make(map[string]*state.ExecutionState, len(plans)),
		Errors:      make(map[string]string),
		StartedAt:   time.Now().UTC(),
	}
	g.logger.Info("Plan group started",
		slog.String("group_id", result.GroupID),
		slog.Int("plans", len(plans)))

	groupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(g.maxConcurrent)
	)
	for _, plan := range plans {
		wg.Add(1)
		go func(p *protocol.Plan) {
			defer wg.Done()
			if err := sem.Acquire(groupCtx, 1); err != nil {
				mu.Lock()
				result.Errors[p.PlanID] = "group cancelled before plan started"
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			es, err := g.executor.Run(groupCtx, p)
			mu.Lock()
			defer mu.Unlock()
			if es != nil {
				result.PlanResults[p.PlanID] = es
			}
			switch {
			case err != nil:
				result.Errors[p.PlanID] = err.Error()
			case es != nil && es.PlanStatus != state.PlanCompleted:
				result.Errors[p.PlanID] = fmt.Sprintf("plan finished with status %s", es.PlanStatus)
			}
		}(plan)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-groupCtx.Done():
		timedOut = ctx.Err() == nil
		<-done
	}

	result.FinishedAt = time.Now().UTC()
	if timedOut {
		result.Errors["_group"] = fmt.Sprintf("Group timed out after %gs", g.timeout.Seconds())
		result.Status = GroupFailed
	} else {
		result.Status = groupStatus(len(plans), len(result.Errors))
	}

	g.logger.Info("Plan group finished",
		slog.String("group_id", result.GroupID),
		slog.String("status", string(result.Status)),
		slog.Int("errors", len(result.Errors)))
	return result
}

func groupStatus(total, errored int) GroupStatus {
	switch {
	case errored == 0:
		return GroupCompleted
	case errored < total:
		return GroupPartialFailure
	default:
		return GroupFailed
	}
}

func newGroupID() string {
	return "group_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
