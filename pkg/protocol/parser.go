package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaSource supplies the compiled params schema for a module action.
// A nil return means the module or action is unknown at parse time; the
// module registry rejects it at execution time instead.
type SchemaSource interface {
	ParamsSchema(module, action string) *jsonschema.Schema
}

// Parser turns raw LLM output into validated plans. The parser handles
// structure and typing only; security checks happen later in the pipeline.
type Parser struct {
	repairer *Repairer
	schemas  SchemaSource
}

// NewParser builds a Parser. schemas may be nil, in which case per-action
// params validation is skipped entirely.
func NewParser(schemas SchemaSource) *Parser {
	return &Parser{repairer: NewRepairer(), schemas: schemas}
}

// Parse decodes and validates raw into a Plan. Malformed JSON goes through
// the repair cascade before being rejected.
func (p *Parser) Parse(raw []byte) (*Plan, error) {
	plan, err := p.ParsePartial(raw)
	if err != nil {
		return nil, err
	}
	if err := p.validateParams(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ParsePartial is Parse without per-action params validation. Useful when
// the plan references modules whose schemas are not registered.
func (p *Parser) ParsePartial(raw []byte) (*Plan, error) {
	doc, err := p.decode(raw)
	if err != nil {
		return nil, err
	}
	plan, err := planFromMap(doc)
	if err != nil {
		return nil, err
	}
	if err := plan.checkStructure(); err != nil {
		return nil, err
	}
	return plan, nil
}

// ParseMap validates an already-decoded document.
func (p *Parser) ParseMap(doc map[string]any) (*Plan, error) {
	plan, err := planFromMap(doc)
	if err != nil {
		return nil, err
	}
	if err := plan.checkStructure(); err != nil {
		return nil, err
	}
	if err := p.validateParams(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Parser) decode(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc, nil
	}

	result := p.repairer.Repair(string(raw))
	if result.Parsed == nil {
		return nil, newParseError("invalid JSON (repair failed)", raw)
	}
	slog.Info("Plan JSON auto-repaired",
		"transformations", result.TransformationsApplied)
	return result.Parsed, nil
}

func planFromMap(doc map[string]any) (*Plan, error) {
	// Accept iml_version as a legacy alias for protocol_version. The
	// document is copied so callers never see their input mutated.
	if _, ok := doc["protocol_version"]; !ok {
		if v, ok := doc["iml_version"]; ok {
			clone := make(map[string]any, len(doc))
			for k, val := range doc {
				clone[k] = val
			}
			clone["protocol_version"] = v
			delete(clone, "iml_version")
			doc = clone
		}
	}

	// Round-trip through JSON so numeric and nested types land in the
	// struct exactly as a direct decode would produce them.
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, newParseError(fmt.Sprintf("cannot re-encode document: %v", err), nil)
	}
	var plan Plan
	if err := json.Unmarshal(buf, &plan); err != nil {
		return nil, newParseError(fmt.Sprintf("document does not match plan structure: %v", err), buf)
	}
	return &plan, nil
}

func (p *Parser) validateParams(plan *Plan) error {
	if p.schemas == nil {
		return nil
	}

	var problems []string
	for i := range plan.Actions {
		a := &plan.Actions[i]
		schema := p.schemas.ParamsSchema(a.Module, a.Action)
		if schema == nil {
			continue // unknown module or action, rejected at runtime
		}
		// The validator wants plain decoded JSON values.
		params := map[string]any(a.Params)
		if err := schema.Validate(normalizeForSchema(params)); err != nil {
			problems = append(problems, fmt.Sprintf(
				"action %q (%s): %v", a.ID, a.Qualified(), err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{
			Field:  "actions",
			Reason: fmt.Sprintf("params validation failed for %d action(s): %s", len(problems), strings.Join(problems, "; ")),
		}
	}
	return nil
}

// normalizeForSchema re-decodes params through encoding/json so every
// number is a float64 and every container is a plain map/slice, which is
// what the schema validator expects.
func normalizeForSchema(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

// ToJSON serialises a plan back to indented JSON.
func ToJSON(plan *Plan) (string, error) {
	buf, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialise plan: %w", err)
	}
	return string(buf), nil
}
