package triggers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConflictResolver is the in-memory resource lock table for triggered
// plans. Two triggers sharing a resource_lock never have plans running
// at the same time; the holding plan's ID is recorded so preemption can
// target it.
type ConflictResolver struct {
	mu      sync.Mutex
	locks   map[string]string          // resource → holding plan ID
	waiters map[string][]chan struct{} // resource → release notifications
}

// NewConflictResolver creates an empty lock table.
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{
		locks:   make(map[string]string),
		waiters: make(map[string][]chan struct{}),
	}
}

// TryAcquire attempts to lock resource for planID. It returns
// (true, "") on success or (false, holder) when the lock is taken.
func (r *ConflictResolver) TryAcquire(resource, planID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, taken := r.locks[resource]; taken {
		return false, holder
	}
	r.locks[resource] = planID
	slog.Debug("Resource locked", "resource", resource, "plan_id", planID)
	return true, ""
}

// Release frees resource if planID holds it and wakes any waiters.
func (r *ConflictResolver) Release(resource, planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[resource] != planID {
		return
	}
	delete(r.locks, resource)
	slog.Debug("Resource released", "resource", resource, "plan_id", planID)
	for _, ch := range r.waiters[resource] {
		close(ch)
	}
	delete(r.waiters, resource)
}

// WaitForResource blocks until resource is released, the timeout
// elapses, or ctx is cancelled. It returns true when the resource became
// free in time. The caller must still TryAcquire; another waiter may win
// the race.
func (r *ConflictResolver) WaitForResource(ctx context.Context, resource string, timeout time.Duration) bool {
	r.mu.Lock()
	if _, taken := r.locks[resource]; !taken {
		r.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	r.waiters[resource] = append(r.waiters[resource], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Locked reports whether resource is currently held.
func (r *ConflictResolver) Locked(resource string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.locks[resource]
	return taken
}

// HolderOf returns the plan ID holding resource, or "".
func (r *ConflictResolver) HolderOf(resource string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[resource]
}

// LockedResources returns a snapshot of the lock table.
func (r *ConflictResolver) LockedResources() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.locks))
	for k, v := range r.locks {
		out[k] = v
	}
	return out
}
