package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapMemory map[string]any

func (m mapMemory) Lookup(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func TestResolveResultScope(t *testing.T) {
	r := &Resolver{
		Results: map[string]any{
			"fetch": map[string]any{"status": float64(200), "body": "hello"},
		},
	}

	params := map[string]any{
		"code":    "{{result.fetch.status}}",
		"message": "got: {{result.fetch.body}}",
		"nested":  map[string]any{"inner": "{{result.fetch.body}}"},
		"list":    []any{"{{result.fetch.status}}"},
	}

	out, err := r.Resolve(params)
	require.NoError(t, err)

	// Whole-string templates preserve the referenced type.
	assert.Equal(t, float64(200), out["code"])
	// Embedded templates stringify.
	assert.Equal(t, "got: hello", out["message"])
	assert.Equal(t, "hello", out["nested"].(map[string]any)["inner"])
	assert.Equal(t, float64(200), out["list"].([]any)[0])
}

func TestResolveWholeResultWithoutField(t *testing.T) {
	whole := map[string]any{"a": 1}
	r := &Resolver{Results: map[string]any{"step": whole}}

	out, err := r.Resolve(map[string]any{"v": "{{result.step}}"})
	require.NoError(t, err)
	assert.Equal(t, whole, out["v"])
}

func TestResolveMemoryScope(t *testing.T) {
	r := &Resolver{Memory: mapMemory{"api_key_name": "prod", "prefs.color": "blue"}}

	out, err := r.Resolve(map[string]any{
		"name":  "{{memory.api_key_name}}",
		"color": "{{memory.prefs.color}}",
	})
	require.NoError(t, err)
	assert.Equal(t, "prod", out["name"])
	assert.Equal(t, "blue", out["color"])
}

func TestResolveEnvScopeGated(t *testing.T) {
	t.Setenv("BRIDGE_TEST_HOME", "/home/u")

	denied := &Resolver{AllowEnv: false}
	_, err := denied.Resolve(map[string]any{"home": "{{env.BRIDGE_TEST_HOME}}"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplate))

	allowed := &Resolver{AllowEnv: true}
	out, err := allowed.Resolve(map[string]any{"home": "{{env.BRIDGE_TEST_HOME}}"})
	require.NoError(t, err)
	assert.Equal(t, "/home/u", out["home"])
}

func TestResolveTriggerScope(t *testing.T) {
	r := &Resolver{TriggerContext: map[string]any{"path": "/watched/file.txt"}}

	out, err := r.Resolve(map[string]any{"p": "{{trigger.path}}"})
	require.NoError(t, err)
	assert.Equal(t, "/watched/file.txt", out["p"])
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing result", map[string]any{"v": "{{result.ghost.x}}"}},
		{"missing memory entry", map[string]any{"v": "{{memory.ghost}}"}},
		{"unknown scope", map[string]any{"v": "{{bogus.thing}}"}},
		{"field on scalar", map[string]any{"v": "{{result.s.field}}"}},
	}

	r := &Resolver{
		Results: map[string]any{"s": "scalar"},
		Memory:  mapMemory{},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTemplate))
		})
	}
}

func TestResolveSinglePass(t *testing.T) {
	// A resolved value containing template syntax must not be re-resolved.
	r := &Resolver{Results: map[string]any{
		"a": "{{result.b}}",
		"b": "final",
	}}

	out, err := r.Resolve(map[string]any{"v": "{{result.a}}"})
	require.NoError(t, err)
	assert.Equal(t, "{{result.b}}", out["v"])
}

func TestExtractTemplates(t *testing.T) {
	refs := ExtractTemplates(map[string]any{
		"a": "{{result.x.y}}",
		"b": map[string]any{"c": []any{"{{memory.k}}", "plain"}},
	})

	assert.Len(t, refs, 2)
	scopes := map[string]bool{}
	for _, ref := range refs {
		scopes[ref.Scope] = true
	}
	assert.True(t, scopes[ScopeResult])
	assert.True(t, scopes[ScopeMemory])
}
