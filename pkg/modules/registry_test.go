package modules

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoModule struct {
	id       string
	manifest *Manifest
}

func (m *echoModule) ID() string          { return m.id }
func (m *echoModule) Version() string     { return "0.1.0" }
func (m *echoModule) Manifest() *Manifest { return m.manifest }

func (m *echoModule) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	return map[string]any{"action": action, "params": params}, nil
}

func echoManifest(id string, platforms ...string) *Manifest {
	return &Manifest{
		ModuleID:    id,
		Version:     "0.1.0",
		Description: "echoes its input",
		Platforms:   platforms,
		Actions: []ActionSpec{
			{
				Name:        "echo",
				Description: "Echo params back",
				Params: []ParamSpec{
					{Name: "message", Type: "string", Description: "Text to echo", Required: true},
					{Name: "count", Type: "integer", Description: "Repetitions", Required: false},
				},
			},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(slog.New(slog.DiscardHandler))
}

func TestRegistryLazyInstantiation(t *testing.T) {
	registry := newTestRegistry(t)
	constructed := 0

	require.NoError(t, registry.Register(echoManifest("echo"), func() (Module, error) {
		constructed++
		return &echoModule{id: "echo", manifest: echoManifest("echo")}, nil
	}))
	assert.Zero(t, constructed, "construction is deferred until first access")

	first, err := registry.Get("echo")
	require.NoError(t, err)
	second, err := registry.Get("echo")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, constructed)
}

func TestRegistryFailedModuleIsRemembered(t *testing.T) {
	registry := newTestRegistry(t)
	attempts := 0

	require.NoError(t, registry.Register(echoManifest("broken"), func() (Module, error) {
		attempts++
		return nil, errors.New("driver missing")
	}))

	_, err := registry.Get("broken")
	require.ErrorIs(t, err, ErrModuleLoad)

	_, err = registry.Get("broken")
	require.ErrorIs(t, err, ErrModuleLoad)
	assert.Equal(t, 1, attempts, "failed constructors are not retried")

	report := registry.StatusReport()
	assert.Contains(t, report["failed"].(map[string]string), "broken")
	assert.NotContains(t, report["available"].([]string), "broken")
}

func TestRegistryPlatformExclusion(t *testing.T) {
	registry := newTestRegistry(t)
	registry.goos = "linux"

	require.NoError(t, registry.Register(echoManifest("winonly", "windows"), func() (Module, error) {
		t.Fatal("excluded module must never construct")
		return nil, nil
	}))

	_, err := registry.Get("winonly")
	require.ErrorIs(t, err, ErrModuleLoad)
	assert.Contains(t, err.Error(), "platform")

	report := registry.StatusReport()
	assert.Contains(t, report["platform_excluded"].(map[string]string), "winonly")
	assert.Contains(t, registry.ListModules(), "winonly")
	assert.NotContains(t, registry.ListAvailable(), "winonly")
}

func TestRegistryUnknownModule(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.Get("ghost")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestRegistryRegisterInstance(t *testing.T) {
	registry := newTestRegistry(t)
	instance := &echoModule{id: "echo", manifest: echoManifest("echo")}

	require.NoError(t, registry.RegisterInstance(instance))
	got, err := registry.Get("echo")
	require.NoError(t, err)
	assert.Same(t, instance, got)
}

func TestRegistryParamsSchema(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(echoManifest("echo"), func() (Module, error) {
		return &echoModule{id: "echo", manifest: echoManifest("echo")}, nil
	}))

	schema := registry.ParamsSchema("echo", "echo")
	require.NotNil(t, schema)

	assert.NoError(t, schema.Validate(map[string]any{"message": "hi", "count": 2.0}))
	assert.Error(t, schema.Validate(map[string]any{"count": 2.0}), "required param missing")
	assert.Error(t, schema.Validate(map[string]any{"message": 5.0}), "wrong type")

	assert.Nil(t, registry.ParamsSchema("echo", "nope"))
	assert.Nil(t, registry.ParamsSchema("ghost", "echo"))

	// Cached on second call.
	assert.Same(t, schema, registry.ParamsSchema("echo", "echo"))
}

func TestManifestHelpers(t *testing.T) {
	m := echoManifest("echo")
	assert.NotNil(t, m.GetAction("echo"))
	assert.Nil(t, m.GetAction("absent"))
	assert.Equal(t, []string{"echo"}, m.ActionNames())

	assert.True(t, (&Manifest{}).SupportsPlatform("linux"))
	assert.True(t, echoManifest("x", "all").SupportsPlatform("darwin"))
	assert.False(t, echoManifest("x", "windows").SupportsPlatform("linux"))

	schema := m.Actions[0].JSONSchema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"message"}, schema["required"])
}
