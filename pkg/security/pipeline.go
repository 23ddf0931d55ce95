package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/llmos-dev/llmos-bridge/pkg/protocol"
)

// PipelineResult aggregates the outcome of a full scanner pipeline run.
type PipelineResult struct {
	Allowed          bool          `json:"allowed"`
	AggregateVerdict ScanVerdict   `json:"aggregate_verdict"`
	MaxRiskScore     float64       `json:"max_risk_score"`
	ScannerResults   []*ScanResult `json:"scanner_results"`
	ShortCircuited   bool          `json:"short_circuited"`
	TotalDurationMS  float64       `json:"total_duration_ms"`
}

// Details summarises the pipeline outcome for error messages.
func (r *PipelineResult) Details() string {
	for _, sr := range r.ScannerResults {
		if sr.Verdict == VerdictReject {
			return sr.Details
		}
	}
	return fmt.Sprintf("aggregate risk %.2f", r.MaxRiskScore)
}

// Pipeline runs registered scanners in priority order before a plan is
// admitted for execution. A scanner returning an error is downgraded to
// a WARN result so one broken scanner cannot block the daemon.
type Pipeline struct {
	registry        *ScannerRegistry
	logger          *slog.Logger
	failFast        bool
	rejectThreshold float64
	enabled         bool
}

// PipelineOptions tunes pipeline behaviour.
type PipelineOptions struct {
	// FailFast stops the pipeline at the first REJECT verdict.
	FailFast bool
	// RejectThreshold forces a REJECT when the aggregate risk score
	// reaches it even if no single scanner rejected.
	RejectThreshold float64
	// Enabled gates the whole pipeline; disabled pipelines allow
	// everything.
	Enabled bool
}

// DefaultPipelineOptions mirror the shipped configuration.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{FailFast: true, RejectThreshold: 0.7, Enabled: true}
}

// NewPipeline builds a pipeline over the registry.
func NewPipeline(registry *ScannerRegistry, logger *slog.Logger, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		registry:        registry,
		logger:          logger,
		failFast:        opts.FailFast,
		rejectThreshold: opts.RejectThreshold,
		enabled:         opts.Enabled,
	}
}

// SetEnabled toggles the pipeline at runtime.
func (p *Pipeline) SetEnabled(enabled bool) { p.enabled = enabled }

// ScanPlan runs every enabled scanner against the serialised plan and
// aggregates the verdicts.
func (p *Pipeline) ScanPlan(ctx context.Context, plan *protocol.Plan) *PipelineResult {
	result := &PipelineResult{Allowed: true, AggregateVerdict: VerdictAllow}
	if !p.enabled {
		return result
	}
	scanners := p.registry.ListEnabled()
	if len(scanners) == 0 {
		return result
	}

	text := serializePlan(plan)
	scanCtx := &ScanContext{
		PlanID:          plan.PlanID,
		PlanDescription: plan.Description,
		ActionCount:     len(plan.Actions),
		ModuleIDs:       moduleIDs(plan),
		SessionID:       plan.SessionID,
	}

	start := time.Now()
	for _, scanner := range scanners {
		scanStart := time.Now()
		sr, err := scanner.Scan(ctx, text, scanCtx)
		if err != nil {
			p.logger.Error("scanner failed",
				slog.String("scanner_id", scanner.ID()),
				slog.String("error", err.Error()))
			sr = &ScanResult{
				ScannerID: scanner.ID(),
				Verdict:   VerdictWarn,
				Details:   fmt.Sprintf("Scanner error: %v", err),
			}
		}
		sr.ScanDurationMS = float64(time.Since(scanStart).Microseconds()) / 1000
		result.ScannerResults = append(result.ScannerResults, sr)

		if sr.RiskScore > result.MaxRiskScore {
			result.MaxRiskScore = sr.RiskScore
		}
		switch sr.Verdict {
		case VerdictReject:
			result.AggregateVerdict = VerdictReject
			result.Allowed = false
		case VerdictWarn:
			if result.AggregateVerdict != VerdictReject {
				result.AggregateVerdict = VerdictWarn
			}
		}

		if p.failFast && sr.Verdict == VerdictReject {
			result.ShortCircuited = true
			p.logger.Warn("scan pipeline short-circuited",
				slog.String("plan_id", plan.PlanID),
				slog.String("scanner_id", scanner.ID()),
				slog.Float64("risk_score", sr.RiskScore))
			break
		}
	}
	result.TotalDurationMS = float64(time.Since(start).Microseconds()) / 1000

	if result.MaxRiskScore >= p.rejectThreshold && result.AggregateVerdict != VerdictReject {
		result.AggregateVerdict = VerdictReject
		result.Allowed = false
	}
	return result
}

// Status reports the pipeline configuration and its scanners.
func (p *Pipeline) Status() map[string]any {
	return map[string]any{
		"enabled":          p.enabled,
		"fail_fast":        p.failFast,
		"reject_threshold": p.rejectThreshold,
		"scanners":         p.registry.StatusList(),
	}
}

// serializePlan renders the scan-relevant subset of the plan. Only
// fields an attacker controls are included.
func serializePlan(plan *protocol.Plan) string {
	actions := make([]map[string]any, 0, len(plan.Actions))
	for i := range plan.Actions {
		a := &plan.Actions[i]
		actions = append(actions, map[string]any{
			"id":     a.ID,
			"module": a.Module,
			"action": a.Action,
			"params": a.Params,
		})
	}
	doc := map[string]any{
		"plan_id":     plan.PlanID,
		"description": plan.Description,
		"actions":     actions,
	}
	if plan.Metadata != nil {
		doc["metadata"] = map[string]any{
			"created_by": plan.Metadata.CreatedBy,
			"tags":       plan.Metadata.Tags,
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(raw)
}

func moduleIDs(plan *protocol.Plan) []string {
	seen := make(map[string]bool)
	var ids []string
	for i := range plan.Actions {
		m := plan.Actions[i].Module
		if !seen[m] {
			seen[m] = true
			ids = append(ids, m)
		}
	}
	return ids
}
