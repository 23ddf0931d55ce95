package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triggerBody(name string) map[string]any {
	return map[string]any{
		"name": name,
		"condition": map[string]any{
			"type":   "temporal",
			"params": map[string]any{"interval_seconds": 3600.0},
		},
		"plan_template": map[string]any{
			"description": "triggered echo",
			"actions": []any{
				map[string]any{"id": "a1", "module": "echo", "action": "say"},
			},
		},
		"plan_id_prefix": "hourly",
		"priority":       "high",
		"enabled":        false,
	}
}

func TestTriggerRoutesWithoutDaemon(t *testing.T) {
	h := newAPIHarness(t, apiOptions{})

	rec := h.do(t, http.MethodGet, "/api/v1/triggers", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/triggers", triggerBody("x"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerLifecycle(t *testing.T) {
	h := newAPIHarness(t, apiOptions{withDaemon: true})

	rec := h.do(t, http.MethodPost, "/api/v1/triggers", triggerBody("hourly backup"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	triggerID := created["trigger_id"].(string)
	require.NotEmpty(t, triggerID)
	assert.Equal(t, "registered", created["state"])

	// List shows the summary.
	rec = h.do(t, http.MethodGet, "/api/v1/triggers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "hourly backup", list[0]["name"])
	assert.Equal(t, "temporal", list[0]["type"])
	assert.Equal(t, "high", list[0]["priority"])
	assert.Equal(t, false, list[0]["enabled"])

	// Detail includes condition params and health.
	rec = h.do(t, http.MethodGet, "/api/v1/triggers/"+triggerID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	params := detail["condition_params"].(map[string]any)
	assert.EqualValues(t, 3600, params["interval_seconds"])
	health := detail["health"].(map[string]any)
	assert.EqualValues(t, 0, health["fire_count"])

	// Activate arms the trigger.
	rec = h.do(t, http.MethodPut, "/api/v1/triggers/"+triggerID+"/activate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/triggers/"+triggerID, nil, nil)
	detail = decodeBody(t, rec)
	assert.Equal(t, "active", detail["state"])
	assert.Equal(t, true, detail["enabled"])

	// Deactivate pauses it.
	rec = h.do(t, http.MethodPut, "/api/v1/triggers/"+triggerID+"/deactivate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/triggers/"+triggerID, nil, nil)
	assert.Equal(t, "inactive", decodeBody(t, rec)["state"])

	// Delete removes it for good.
	rec = h.do(t, http.MethodDelete, "/api/v1/triggers/"+triggerID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/triggers/"+triggerID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerStateFilter(t *testing.T) {
	h := newAPIHarness(t, apiOptions{withDaemon: true})

	rec := h.do(t, http.MethodPost, "/api/v1/triggers", triggerBody("paused"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	active := triggerBody("armed")
	active["enabled"] = true
	rec = h.do(t, http.MethodPost, "/api/v1/triggers", active, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/triggers?state=active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "armed", list[0]["name"])
}

func TestRegisterTriggerValidation(t *testing.T) {
	h := newAPIHarness(t, apiOptions{withDaemon: true})

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"unknown type", func(b map[string]any) {
			b["condition"].(map[string]any)["type"] = "psychic"
		}},
		{"unknown priority", func(b map[string]any) {
			b["priority"] = "urgent"
		}},
		{"missing name", func(b map[string]any) {
			delete(b, "name")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := triggerBody("bad")
			tt.mutate(body)
			rec := h.do(t, http.MethodPost, "/api/v1/triggers", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestTriggerNotFoundRoutes(t *testing.T) {
	h := newAPIHarness(t, apiOptions{withDaemon: true})

	rec := h.do(t, http.MethodGet, "/api/v1/triggers/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/v1/triggers/ghost/activate", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/v1/triggers/ghost/deactivate", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/v1/triggers/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
