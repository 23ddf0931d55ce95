// Package session tracks which session each running plan belongs to so
// events, approvals, and memory writes can be scoped correctly.
package session

import (
	"sort"
	"sync"
)

// Propagator maps plan IDs to session IDs for the duration of a run.
// Safe for concurrent use.
type Propagator struct {
	mu      sync.RWMutex
	byPlan  map[string]string
	byCount map[string]int
}

// NewPropagator returns an empty propagator.
func NewPropagator() *Propagator {
	return &Propagator{
		byPlan:  make(map[string]string),
		byCount: make(map[string]int),
	}
}

// Bind associates a plan with a session. Binding an empty session ID is
// a no-op.
func (p *Propagator) Bind(planID, sessionID string) {
	if sessionID == "" || planID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.byPlan[planID]; ok {
		p.decrement(prev)
	}
	p.byPlan[planID] = sessionID
	p.byCount[sessionID]++
}

// Unbind removes the plan's association when the run finishes.
func (p *Propagator) Unbind(planID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID, ok := p.byPlan[planID]; ok {
		delete(p.byPlan, planID)
		p.decrement(sessionID)
	}
}

func (p *Propagator) decrement(sessionID string) {
	if p.byCount[sessionID] <= 1 {
		delete(p.byCount, sessionID)
		return
	}
	p.byCount[sessionID]--
}

// Resolve returns the session for a plan, or "" when unbound.
func (p *Propagator) Resolve(planID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byPlan[planID]
}

// ActiveSessions lists sessions with at least one bound plan.
func (p *Propagator) ActiveSessions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.byCount))
	for id := range p.byCount {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PlansInSession lists plan IDs currently bound to the session.
func (p *Propagator) PlansInSession(sessionID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for planID, sid := range p.byPlan {
		if sid == sessionID {
			out = append(out, planID)
		}
	}
	sort.Strings(out)
	return out
}
