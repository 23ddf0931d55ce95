package triggers

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// SubmitFunc launches the plan for a trigger fire and returns the plan
// ID once the plan is underway. An empty plan ID with a nil error means
// the fire was dropped (conflict policy, missing executor).
type SubmitFunc func(ctx context.Context, t *Definition, fire *FireEvent) (string, error)

// CancelFunc cancels a running plan by ID, used for preemption.
type CancelFunc func(planID string)

type queuedFire struct {
	// Negated priority so higher trigger priority pops first; sequence
	// keeps FIFO order within a priority band.
	negPriority int
	sequence    uint64
	trigger     *Definition
	fire        *FireEvent
}

type fireHeap []*queuedFire

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if h[i].negPriority != h[j].negPriority {
		return h[i].negPriority < h[j].negPriority
	}
	return h[i].sequence < h[j].sequence
}
func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fireHeap) Push(x any) { *h = append(*h, x.(*queuedFire)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type runningPlan struct {
	priority  Priority
	triggerID string
}

// FireScheduler sits between the watchers and the plan executor. It
// orders simultaneous fires by priority, caps the number of triggered
// plans running at once, enforces per-trigger fires-per-hour limits, and
// applies preempt/reject conflict policies against running plans.
type FireScheduler struct {
	submit        SubmitFunc
	cancel        CancelFunc
	maxConcurrent int
	logger        *slog.Logger

	mu        sync.Mutex
	queue     fireHeap
	sequence  uint64
	running   map[string]runningPlan // plan ID → owner
	fireTimes map[string][]time.Time // trigger ID → fires in the last hour

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewFireScheduler builds a stopped scheduler. cancel may be nil when
// preemption is not needed.
func NewFireScheduler(submit SubmitFunc, cancel CancelFunc, maxConcurrent int, logger *slog.Logger) *FireScheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FireScheduler{
		submit:        submit,
		cancel:        cancel,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		running:       make(map[string]runningPlan),
		fireTimes:     make(map[string][]time.Time),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the scheduling loop. ctx is passed to submissions.
func (s *FireScheduler) Start(ctx context.Context) {
	go s.loop(ctx)
	s.logger.Debug("Fire scheduler started", "max_concurrent", s.maxConcurrent)
}

// Stop shuts the loop down and waits for it to exit.
func (s *FireScheduler) Stop() {
	close(s.stopCh)
	<-s.done
	s.logger.Debug("Fire scheduler stopped")
}

// Enqueue adds a fire to the priority queue. It returns false when the
// trigger has exceeded max_fires_per_hour; the caller records the
// throttle.
func (s *FireScheduler) Enqueue(t *Definition, fire *FireEvent) bool {
	s.mu.Lock()
	if !s.checkRateLocked(t) {
		s.mu.Unlock()
		s.logger.Warn("Trigger fire throttled", "trigger_id", t.TriggerID)
		return false
	}
	item := &queuedFire{
		negPriority: -int(t.Priority),
		sequence:    s.sequence,
		trigger:     t,
		fire:        fire,
	}
	s.sequence++
	heap.Push(&s.queue, item)
	depth := s.queue.Len()
	s.mu.Unlock()

	s.wakeLoop()
	s.logger.Debug("Fire enqueued",
		"trigger_id", t.TriggerID,
		"priority", int(t.Priority),
		"queue_depth", depth)
	return true
}

// OnPlanCompleted releases the running slot of a finished plan and wakes
// the loop so queued fires can proceed.
func (s *FireScheduler) OnPlanCompleted(planID string) {
	s.mu.Lock()
	delete(s.running, planID)
	s.mu.Unlock()
	s.wakeLoop()
}

// QueueDepth returns the number of fires waiting for a slot.
func (s *FireScheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// RunningCount returns the number of triggered plans in flight.
func (s *FireScheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *FireScheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *FireScheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.drain(ctx)
	}
}

func (s *FireScheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.running) >= s.maxConcurrent || s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.queue).(*queuedFire)
		t := item.trigger

		switch t.ConflictPolicy {
		case ConflictPreempt:
			toCancel := s.preemptableLocked(t)
			s.mu.Unlock()
			for _, planID := range toCancel {
				s.logger.Info("Preempting running plan",
					"trigger_id", t.TriggerID, "plan_id", planID)
				if s.cancel != nil {
					s.cancel(planID)
				}
			}
		case ConflictReject:
			if s.hasRunningForLocked(t.TriggerID) {
				s.mu.Unlock()
				s.logger.Debug("Fire rejected, plan already running", "trigger_id", t.TriggerID)
				continue
			}
			s.mu.Unlock()
		default:
			s.mu.Unlock()
		}

		planID, err := s.submit(ctx, t, item.fire)
		if err != nil {
			s.logger.Error("Trigger plan submission failed",
				"trigger_id", t.TriggerID, "error", err)
			continue
		}
		if planID == "" {
			continue
		}

		s.mu.Lock()
		s.running[planID] = runningPlan{priority: t.Priority, triggerID: t.TriggerID}
		s.fireTimes[t.TriggerID] = append(s.fireTimes[t.TriggerID], time.Now())
		s.mu.Unlock()
		s.logger.Info("Triggered plan submitted",
			"trigger_id", t.TriggerID,
			"plan_id", planID,
			"priority", int(t.Priority))
	}
}

// checkRateLocked evicts fires older than an hour and reports whether
// another fire fits under max_fires_per_hour.
func (s *FireScheduler) checkRateLocked(t *Definition) bool {
	if t.MaxFiresPerHour <= 0 {
		return true
	}
	cutoff := time.Now().Add(-time.Hour)
	times := s.fireTimes[t.TriggerID][:0]
	for _, ts := range s.fireTimes[t.TriggerID] {
		if ts.After(cutoff) {
			times = append(times, ts)
		}
	}
	s.fireTimes[t.TriggerID] = times
	return len(times) < t.MaxFiresPerHour
}

func (s *FireScheduler) hasRunningForLocked(triggerID string) bool {
	for _, rp := range s.running {
		if rp.triggerID == triggerID {
			return true
		}
	}
	return false
}

// preemptableLocked lists running plans of the same trigger with lower
// priority than the incoming fire.
func (s *FireScheduler) preemptableLocked(t *Definition) []string {
	var out []string
	for planID, rp := range s.running {
		if rp.triggerID == t.TriggerID && rp.priority < t.Priority {
			out = append(out, planID)
		}
	}
	return out
}
