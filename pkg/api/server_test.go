package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-dev/llmos-bridge/pkg/approval"
	"github.com/llmos-dev/llmos-bridge/pkg/modules"
	"github.com/llmos-dev/llmos-bridge/pkg/orchestration"
	"github.com/llmos-dev/llmos-bridge/pkg/security"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
	"github.com/llmos-dev/llmos-bridge/pkg/triggers"
)

// echoModule answers every action with its own params.
type echoModule struct {
	manifest *modules.Manifest
}

func newEchoModule() *echoModule {
	return &echoModule{
		manifest: &modules.Manifest{
			ModuleID:    "echo",
			Version:     "0.1.0",
			Description: "test echo module",
			Actions: []modules.ActionSpec{
				{Name: "say", Description: "echo params back",
					Params: []modules.ParamSpec{
						{Name: "msg", Type: "string", Description: "message to echo"},
					}},
			},
		},
	}
}

func (m *echoModule) ID() string                  { return "echo" }
func (m *echoModule) Version() string             { return "0.1.0" }
func (m *echoModule) Manifest() *modules.Manifest { return m.manifest }

func (m *echoModule) Execute(_ context.Context, _ string, params map[string]any) (map[string]any, error) {
	out := map[string]any{"ok": true}
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}

type apiHarness struct {
	server   *Server
	router   *gin.Engine
	store    *state.Store
	gate     *approval.Gate
	registry *modules.Registry
	daemon   *triggers.Daemon
}

type apiOptions struct {
	opts        Options
	withDaemon  bool
	approvalFor []string
}

func newAPIHarness(t *testing.T, o apiOptions) *apiHarness {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := state.NewStore(db)

	logger := slog.New(slog.DiscardHandler)
	registry := modules.NewRegistry(logger)
	require.NoError(t, registry.RegisterInstance(newEchoModule()))
	nodes := modules.NewNodeRegistry(modules.NewLocalNode(registry))

	guard := security.NewGuard(
		security.GetProfileConfig(security.ProfileUnrestricted), nil, o.approvalFor)
	gate := approval.NewGate(0, approval.TimeoutReject)

	executor := orchestration.NewExecutor(orchestration.Deps{
		Store:     store,
		Guard:     guard,
		Sanitizer: security.NewSanitizer(),
		Gate:      gate,
		Registry:  registry,
		Nodes:     nodes,
		Logger:    logger,
	}, orchestration.Config{})

	var daemon *triggers.Daemon
	if o.withDaemon {
		tstore, err := triggers.NewStore(filepath.Join(t.TempDir(), "triggers.db"))
		require.NoError(t, err)
		t.Cleanup(func() { tstore.Close() })
		daemon = triggers.NewDaemon(triggers.Deps{
			Store:  tstore,
			Runner: executor,
			Logger: logger,
		}, triggers.Options{MaxConcurrent: 5})
		require.NoError(t, daemon.Start(context.Background()))
		t.Cleanup(daemon.Stop)
	}

	server := NewServer(Deps{
		Store:    store,
		Executor: executor,
		Gate:     gate,
		Registry: registry,
		Guard:    guard,
		Triggers: daemon,
		Logger:   logger,
	}, o.opts)

	return &apiHarness{
		server:   server,
		router:   server.Router(),
		store:    store,
		gate:     gate,
		registry: registry,
		daemon:   daemon,
	}
}

// do performs a request against the in-memory router.
func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, apiOptions{})

	rec := h.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "2.0", body["protocol_version"])
	assert.EqualValues(t, 1, body["modules_loaded"])
	assert.EqualValues(t, 0, body["active_plans"])
}

func TestRequestIDHeader(t *testing.T) {
	h := newAPIHarness(t, apiOptions{})

	rec := h.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(t, http.MethodGet, "/api/v1/health", nil,
		map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestBearerAuth(t *testing.T) {
	h := newAPIHarness(t, apiOptions{opts: Options{AuthToken: "s3cret"}})

	// Health stays open for probes.
	rec := h.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/modules", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/modules", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/modules", nil,
		map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListModules(t *testing.T) {
	h := newAPIHarness(t, apiOptions{})

	rec := h.do(t, http.MethodGet, "/api/v1/modules", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0]["module_id"])
	assert.Equal(t, true, list[0]["available"])
	assert.EqualValues(t, 1, list[0]["action_count"])
}

func TestGetModuleManifest(t *testing.T) {
	h := newAPIHarness(t, apiOptions{})

	rec := h.do(t, http.MethodGet, "/api/v1/modules/echo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "echo", body["module_id"])

	rec = h.do(t, http.MethodGet, "/api/v1/modules/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionSchema(t *testing.T) {
	h := newAPIHarness(t, apiOptions{})

	rec := h.do(t, http.MethodGet, "/api/v1/modules/echo/actions/say/schema", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "object", body["type"])

	rec = h.do(t, http.MethodGet, "/api/v1/modules/echo/actions/shout/schema", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecurityStatus(t *testing.T) {
	h := newAPIHarness(t, apiOptions{})

	rec := h.do(t, http.MethodGet, "/api/v1/security/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, string(security.ProfileUnrestricted), body["profile"])
	assert.EqualValues(t, 0, body["pending_approvals"])
	scanners, ok := body["scanners"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, scanners["enabled"])
}
