package triggers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTriggerStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "triggers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func intervalDefinition(name string) *Definition {
	d := &Definition{
		Name:    name,
		Enabled: true,
		Condition: Condition{
			Type:   TypeTemporal,
			Params: map[string]any{"interval_seconds": 60.0},
		},
		PlanTemplate: map[string]any{
			"description": "triggered plan",
			"actions": []any{
				map[string]any{"id": "a1", "module": "clock", "action": "now"},
			},
		},
	}
	d.Normalize()
	return d
}

func TestStoreSaveAndGet(t *testing.T) {
	store := newTestTriggerStore(t)
	ctx := context.Background()

	d := intervalDefinition("roundtrip")
	d.Priority = PriorityHigh
	d.MaxFiresPerHour = 12
	d.Health.RecordFire(42)
	require.NoError(t, store.Save(ctx, d))

	got, err := store.Get(ctx, d.TriggerID)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", got.Name)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, 12, got.MaxFiresPerHour)
	assert.Equal(t, 1, got.Health.FireCount)
	assert.Equal(t, TypeTemporal, got.Condition.Type)
	assert.InDelta(t, 60.0, got.Condition.Params["interval_seconds"], 0.001)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestTriggerStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestStoreStateColumnWinsOverJSON(t *testing.T) {
	store := newTestTriggerStore(t)
	ctx := context.Background()

	d := intervalDefinition("fast path")
	d.State = StateActive
	require.NoError(t, store.Save(ctx, d))

	// Fast-path update touches only the column, not the JSON blob.
	require.NoError(t, store.UpdateState(ctx, d.TriggerID, StateThrottled))

	got, err := store.Get(ctx, d.TriggerID)
	require.NoError(t, err)
	assert.Equal(t, StateThrottled, got.State)
}

func TestStoreUpdateStateMissing(t *testing.T) {
	store := newTestTriggerStore(t)
	err := store.UpdateState(context.Background(), "nope", StateActive)
	assert.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestStoreLoadActive(t *testing.T) {
	store := newTestTriggerStore(t)
	ctx := context.Background()

	active := intervalDefinition("active")
	active.State = StateActive
	watching := intervalDefinition("watching")
	watching.State = StateWatching
	disabled := intervalDefinition("disabled")
	disabled.State = StateActive
	disabled.Enabled = false
	failed := intervalDefinition("failed")
	failed.State = StateFailed

	for _, d := range []*Definition{active, watching, disabled, failed} {
		require.NoError(t, store.Save(ctx, d))
	}

	got, err := store.LoadActive(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(got))
	for _, d := range got {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"active", "watching"}, names)
}

func TestStoreListByState(t *testing.T) {
	store := newTestTriggerStore(t)
	ctx := context.Background()

	a := intervalDefinition("a")
	a.State = StateFailed
	b := intervalDefinition("b")
	b.State = StateActive
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	got, err := store.ListByState(ctx, StateFailed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestStoreDelete(t *testing.T) {
	store := newTestTriggerStore(t)
	ctx := context.Background()

	d := intervalDefinition("doomed")
	require.NoError(t, store.Save(ctx, d))

	deleted, err := store.Delete(ctx, d.TriggerID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, d.TriggerID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStorePurgeExpired(t *testing.T) {
	store := newTestTriggerStore(t)
	ctx := context.Background()

	expired := intervalDefinition("expired")
	expired.ExpiresAt = unixNow() - 60
	permanent := intervalDefinition("permanent")
	future := intervalDefinition("future")
	future.ExpiresAt = unixNow() + 3600

	for _, d := range []*Definition{expired, permanent, future} {
		require.NoError(t, store.Save(ctx, d))
	}

	n, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
