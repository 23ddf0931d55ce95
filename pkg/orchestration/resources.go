// Package orchestration executes parsed plans: it schedules actions
// over the dependency graph, enforces the security stack on every
// dispatch, coordinates approvals and retries, and unwinds failures
// through rollback specs.
package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultModuleLimit bounds concurrent executions per module when no
// explicit limit is configured.
const DefaultModuleLimit = 10

// ResourceManager caps how many actions may run concurrently against
// each module. Semaphores are created lazily on first acquire.
type ResourceManager struct {
	mu           sync.Mutex
	limits       map[string]int64
	defaultLimit int64
	sems         map[string]*semaphore.Weighted
	inUse        map[string]int64
}

// NewResourceManager builds a manager with per-module limits. Modules
// absent from limits fall back to defaultLimit (or DefaultModuleLimit
// when defaultLimit is not positive).
func NewResourceManager(limits map[string]int, defaultLimit int) *ResourceManager {
	if defaultLimit <= 0 {
		defaultLimit = DefaultModuleLimit
	}
	m := &ResourceManager{
		limits:       make(map[string]int64, len(limits)),
		defaultLimit: int64(defaultLimit),
		sems:         make(map[string]*semaphore.Weighted),
		inUse:        make(map[string]int64),
	}
	for module, limit := range limits {
		if limit > 0 {
			m.limits[module] = int64(limit)
		}
	}
	return m
}

// Acquire blocks until a slot for the module is free or ctx is done.
func (m *ResourceManager) Acquire(ctx context.Context, module string) error {
	sem := m.semFor(module)
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot for module %s: %w", module, err)
	}
	m.mu.Lock()
	m.inUse[module]++
	m.mu.Unlock()
	return nil
}

// Release returns a slot acquired with Acquire.
func (m *ResourceManager) Release(module string) {
	m.mu.Lock()
	sem, ok := m.sems[module]
	if ok && m.inUse[module] > 0 {
		m.inUse[module]--
	} else {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		sem.Release(1)
	}
}

// LimitFor returns the configured concurrency limit for a module.
func (m *ResourceManager) LimitFor(module string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit, ok := m.limits[module]; ok {
		return limit
	}
	return m.defaultLimit
}

// Status reports limit, in-use, and available slots per module that has
// been acquired at least once, keyed by module ID.
func (m *ResourceManager) Status() map[string]map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sems))
	for id := range m.sems {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]map[string]int64, len(ids))
	for _, id := range ids {
		limit := m.defaultLimit
		if l, ok := m.limits[id]; ok {
			limit = l
		}
		out[id] = map[string]int64{
			"limit":     limit,
			"in_use":    m.inUse[id],
			"available": limit - m.inUse[id],
		}
	}
	return out
}

func (m *ResourceManager) semFor(module string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sem, ok := m.sems[module]; ok {
		return sem
	}
	limit := m.defaultLimit
	if l, ok := m.limits[module]; ok {
		limit = l
	}
	sem := semaphore.NewWeighted(limit)
	m.sems[module] = sem
	return sem
}
