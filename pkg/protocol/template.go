package protocol

import (
	"fmt"
	"os"
	"regexp"
)

var templateRe = regexp.MustCompile(`\{\{(\w+)\.(\w+)(?:\.(\w+))?\}\}`)

// Template scopes.
const (
	ScopeResult  = "result"
	ScopeMemory  = "memory"
	ScopeEnv     = "env"
	ScopeTrigger = "trigger"
)

// TemplateRef is one parsed {{scope.ref.field}} expression.
type TemplateRef struct {
	Scope string
	Ref   string
	Field string
}

// ExtractTemplates walks params recursively and collects every template
// expression found in string values.
func ExtractTemplates(params map[string]any) []TemplateRef {
	var refs []TemplateRef
	walkTemplates(params, &refs)
	return refs
}

func walkTemplates(v any, refs *[]TemplateRef) {
	switch val := v.(type) {
	case string:
		for _, m := range templateRe.FindAllStringSubmatch(val, -1) {
			*refs = append(*refs, TemplateRef{Scope: m[1], Ref: m[2], Field: m[3]})
		}
	case map[string]any:
		for _, item := range val {
			walkTemplates(item, refs)
		}
	case []any:
		for _, item := range val {
			walkTemplates(item, refs)
		}
	}
}

// MemoryLookup resolves {{memory.key}} references. Implemented by the
// key-value store.
type MemoryLookup interface {
	Lookup(key string) (any, bool)
}

// Resolver substitutes template expressions in action params using the
// results of completed actions, the memory store, environment variables,
// and trigger fire payloads. Resolution is a single pass: resolved values
// are never re-scanned for further templates.
type Resolver struct {
	// Results maps action ID to its stored result value.
	Results map[string]any
	// Memory backs the memory scope; nil disables it.
	Memory MemoryLookup
	// TriggerContext backs the trigger scope for reactive plans.
	TriggerContext map[string]any
	// AllowEnv gates the env scope per the active permission profile.
	AllowEnv bool
}

// Resolve returns a copy of params with every template substituted.
// A whole-string template (the value is exactly one expression) keeps the
// referenced value's type; templates embedded in longer strings are
// stringified with %v.
func (r *Resolver) Resolve(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(s string) (any, error) {
	// Whole-string template: preserve the referenced value's type.
	if m := templateRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return r.lookup(m[1], m[2], m[3], m[0])
	}

	var firstErr error
	replaced := templateRe.ReplaceAllStringFunc(s, func(expr string) string {
		m := templateRe.FindStringSubmatch(expr)
		value, err := r.lookup(m[1], m[2], m[3], expr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return expr
		}
		return fmt.Sprintf("%v", value)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return replaced, nil
}

func (r *Resolver) lookup(scope, ref, field, expr string) (any, error) {
	switch scope {
	case ScopeResult:
		value, ok := r.Results[ref]
		if !ok {
			return nil, &TemplateError{Expression: expr, Reason: fmt.Sprintf("no result for action %q", ref)}
		}
		return extractField(value, field, expr)

	case ScopeMemory:
		if r.Memory == nil {
			return nil, &TemplateError{Expression: expr, Reason: "memory store not available"}
		}
		key := ref
		if field != "" {
			key = ref + "." + field
		}
		value, ok := r.Memory.Lookup(key)
		if !ok {
			// Fall back to a field access on the base key.
			if field != "" {
				if base, found := r.Memory.Lookup(ref); found {
					return extractField(base, field, expr)
				}
			}
			return nil, &TemplateError{Expression: expr, Reason: fmt.Sprintf("no memory entry %q", key)}
		}
		return value, nil

	case ScopeEnv:
		if !r.AllowEnv {
			return nil, &TemplateError{Expression: expr, Reason: "env templates are disabled by the active permission profile"}
		}
		value, ok := os.LookupEnv(ref)
		if !ok {
			return nil, &TemplateError{Expression: expr, Reason: fmt.Sprintf("environment variable %q not set", ref)}
		}
		return value, nil

	case ScopeTrigger:
		if r.TriggerContext == nil {
			return nil, &TemplateError{Expression: expr, Reason: "no trigger context for this plan"}
		}
		value, ok := r.TriggerContext[ref]
		if !ok {
			return nil, &TemplateError{Expression: expr, Reason: fmt.Sprintf("no trigger field %q", ref)}
		}
		return extractField(value, field, expr)

	default:
		return nil, &TemplateError{Expression: expr, Reason: fmt.Sprintf("unknown scope %q", scope)}
	}
}

func extractField(value any, field, expr string) (any, error) {
	if field == "" {
		return value, nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, &TemplateError{Expression: expr, Reason: fmt.Sprintf("value is not an object, cannot access field %q", field)}
	}
	fieldValue, ok := obj[field]
	if !ok {
		return nil, &TemplateError{Expression: expr, Reason: fmt.Sprintf("field %q not present", field)}
	}
	return fieldValue, nil
}
