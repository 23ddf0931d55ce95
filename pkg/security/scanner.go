package security

import (
	"context"
	"sort"
	"sync"
)

// ScanVerdict is the outcome of a single scanner run.
type ScanVerdict string

const (
	VerdictAllow  ScanVerdict = "allow"
	VerdictWarn   ScanVerdict = "warn"
	VerdictReject ScanVerdict = "reject"
)

// ScanContext gives scanners structural information about the plan
// being checked. Scanners that only need the raw text may ignore it.
type ScanContext struct {
	PlanID          string
	PlanDescription string
	ActionCount     int
	ModuleIDs       []string
	SessionID       string
}

// ScanResult is the outcome of one scanner execution.
type ScanResult struct {
	ScannerID       string         `json:"scanner_id"`
	Verdict         ScanVerdict    `json:"verdict"`
	RiskScore       float64        `json:"risk_score"`
	ThreatTypes     []string       `json:"threat_types,omitempty"`
	Details         string         `json:"details,omitempty"`
	MatchedPatterns []string       `json:"matched_patterns,omitempty"`
	ScanDurationMS  float64        `json:"scan_duration_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Scanner is a pluggable pre-execution input scanner. Implementations
// return an error only for operational failures; the pipeline downgrades
// those to a WARN result rather than blocking the plan.
type Scanner interface {
	// ID is unique across registered scanners.
	ID() string
	// Priority orders pipeline execution, lower runs first.
	Priority() int
	// Scan inspects the serialised plan text.
	Scan(ctx context.Context, text string, scanCtx *ScanContext) (*ScanResult, error)
	// Status reports scanner configuration for the introspection API.
	Status() map[string]any
}

// ScannerRegistry holds registered scanners and their enabled state.
type ScannerRegistry struct {
	mu       sync.RWMutex
	scanners map[string]Scanner
	disabled map[string]bool
}

// NewScannerRegistry returns an empty registry.
func NewScannerRegistry() *ScannerRegistry {
	return &ScannerRegistry{
		scanners: make(map[string]Scanner),
		disabled: make(map[string]bool),
	}
}

// Register adds a scanner, replacing any scanner with the same ID.
func (r *ScannerRegistry) Register(s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[s.ID()] = s
}

// SetEnabled toggles a scanner without removing it. Returns false if
// the ID is unknown.
func (r *ScannerRegistry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scanners[id]; !ok {
		return false
	}
	if enabled {
		delete(r.disabled, id)
	} else {
		r.disabled[id] = true
	}
	return true
}

// ListEnabled returns enabled scanners sorted by ascending priority.
func (r *ScannerRegistry) ListEnabled() []Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scanner, 0, len(r.scanners))
	for id, s := range r.scanners {
		if !r.disabled[id] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// StatusList reports every registered scanner for the API.
func (r *ScannerRegistry) StatusList() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.scanners))
	for id := range r.scanners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		status := r.scanners[id].Status()
		status["enabled"] = !r.disabled[id]
		out = append(out, status)
	}
	return out
}
