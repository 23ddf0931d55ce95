package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/llmos-dev/llmos-bridge/pkg/memory"
)

// MemoryModule exposes the cross-session KV store as plan actions.
type MemoryModule struct {
	store memory.Store
}

// NewMemoryModule wraps the given store.
func NewMemoryModule(store memory.Store) *MemoryModule {
	return &MemoryModule{store: store}
}

func (m *MemoryModule) ID() string      { return "memory" }
func (m *MemoryModule) Version() string { return "1.0.0" }

func (m *MemoryModule) Manifest() *Manifest {
	return &Manifest{
		ModuleID:            "memory",
		Version:             m.Version(),
		Description:         "Persistent cross-session key-value memory",
		Platforms:           []string{"all"},
		DeclaredPermissions: []string{"database_access"},
		Actions: []ActionSpec{
			{
				Name:        "set",
				Description: "Store a value under a key, optionally with a TTL",
				Params: []ParamSpec{
					{Name: "key", Type: "string", Description: "Storage key", Required: true},
					{Name: "value", Type: "object", Description: "Value to store", Required: true},
					{Name: "session_id", Type: "string", Description: "Session scope", Required: false},
					{Name: "ttl_seconds", Type: "number", Description: "Expiry in seconds", Required: false},
				},
				Returns:            "object",
				PermissionRequired: "local_worker",
			},
			{
				Name:        "get",
				Description: "Fetch the value stored under a key",
				Params: []ParamSpec{
					{Name: "key", Type: "string", Description: "Storage key", Required: true},
				},
				Returns:            "object",
				PermissionRequired: "readonly",
			},
			{
				Name:        "delete",
				Description: "Remove a key",
				Params: []ParamSpec{
					{Name: "key", Type: "string", Description: "Storage key", Required: true},
				},
				Returns:            "object",
				PermissionRequired: "local_worker",
			},
			{
				Name:        "list_keys",
				Description: "List live keys, optionally scoped to a session",
				Params: []ParamSpec{
					{Name: "session_id", Type: "string", Description: "Session scope", Required: false},
				},
				Returns:            "object",
				PermissionRequired: "readonly",
			},
		},
	}
}

func (m *MemoryModule) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	switch action {
	case "set":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		opts := memory.SetOptions{}
		if session, ok := params["session_id"].(string); ok {
			opts.SessionID = session
		}
		if ttl, ok := params["ttl_seconds"].(float64); ok && ttl > 0 {
			opts.TTL = time.Duration(ttl * float64(time.Second))
		}
		if err := m.store.Set(ctx, key, params["value"], opts); err != nil {
			return nil, err
		}
		return map[string]any{"stored": true, "key": key}, nil

	case "get":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		value, found, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "value": value, "found": found}, nil

	case "delete":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		if err := m.store.Delete(ctx, key); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true, "key": key}, nil

	case "list_keys":
		session, _ := params["session_id"].(string)
		keys, err := m.store.ListKeys(ctx, session)
		if err != nil {
			return nil, err
		}
		return map[string]any{"keys": keys, "count": len(keys)}, nil

	default:
		return nil, &UnknownActionError{ModuleID: m.ID(), Action: action}
	}
}

// ClockModule provides time queries and bounded sleeps for plans that
// need pacing between actions.
type ClockModule struct {
	now func() time.Time
}

// NewClockModule returns a clock over the system time.
func NewClockModule() *ClockModule {
	return &ClockModule{now: time.Now}
}

func (c *ClockModule) ID() string      { return "clock" }
func (c *ClockModule) Version() string { return "1.0.0" }

func (c *ClockModule) Manifest() *Manifest {
	return &Manifest{
		ModuleID:    "clock",
		Version:     c.Version(),
		Description: "Time queries and plan pacing",
		Platforms:   []string{"all"},
		Actions: []ActionSpec{
			{
				Name:               "now",
				Description:        "Current time in UTC",
				Returns:            "object",
				PermissionRequired: "readonly",
			},
			{
				Name:        "sleep",
				Description: "Pause plan execution for up to 300 seconds",
				Params: []ParamSpec{
					{Name: "seconds", Type: "number", Description: "Sleep duration", Required: true},
				},
				Returns:            "object",
				PermissionRequired: "local_worker",
			},
		},
	}
}

const maxSleepSeconds = 300

func (c *ClockModule) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	switch action {
	case "now":
		now := c.now().UTC()
		return map[string]any{
			"iso":       now.Format(time.RFC3339Nano),
			"unix":      now.Unix(),
			"timezone":  "UTC",
			"weekday":   now.Weekday().String(),
			"timestamp": float64(now.UnixNano()) / 1e9,
		}, nil

	case "sleep":
		seconds, ok := params["seconds"].(float64)
		if !ok {
			return nil, fmt.Errorf("param %q must be a number", "seconds")
		}
		if seconds < 0 || seconds > maxSleepSeconds {
			return nil, fmt.Errorf("sleep duration must be between 0 and %d seconds", maxSleepSeconds)
		}
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]any{"slept_seconds": seconds}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, &UnknownActionError{ModuleID: c.ID(), Action: action}
	}
}

func stringParam(params map[string]any, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", name)
	}
	return value, nil
}
