package events

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Emit(_ context.Context, topic string, _ map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
}

type panickyBus struct{}

func (panickyBus) Emit(context.Context, string, map[string]any) { panic("sink down") }

func TestLogBusAppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.ndjson")
	bus := NewLogBus(path)
	defer bus.Close()

	ctx := context.Background()
	bus.Emit(ctx, TopicPlans, map[string]any{"plan_id": "p1"})
	bus.Emit(ctx, TopicActions, map[string]any{"action_id": "a1"})

	f, err := os.Open(path)
	require.NoError(t, err, "parent directory is created on demand")
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		lines = append(lines, doc)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, TopicPlans, lines[0]["_topic"])
	assert.NotEmpty(t, lines[0]["_timestamp"])
	assert.NotEmpty(t, lines[0]["_event_id"])
	assert.Equal(t, lines[0]["_event_id"], lines[0]["_correlation_id"],
		"root events correlate with themselves")
	payload := lines[1]["payload"].(map[string]any)
	assert.Equal(t, "a1", payload["action_id"])
}

func TestLogBusPreservesEnvelopeKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	bus := NewLogBus(path)
	defer bus.Close()

	ctx := context.Background()
	parent := NewEnvelope(TopicTriggers, map[string]any{"kind": "trigger.fired"})
	child := parent.SpawnChild(TopicTriggers, map[string]any{"kind": "trigger.plan_submitted"})
	bus.Emit(ctx, TopicTriggers, parent.Flatten())
	bus.Emit(ctx, TopicTriggers, child.Flatten())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		lines = append(lines, doc)
	}
	require.Len(t, lines, 2)

	assert.Equal(t, parent.EventID, lines[0]["_event_id"])
	assert.Equal(t, child.EventID, lines[1]["_event_id"])
	assert.Equal(t, parent.EventID, lines[1]["_caused_by"])
	assert.Equal(t, parent.CorrelationID, lines[1]["_correlation_id"])
	// Routing keys are lifted out of the body.
	body := lines[1]["payload"].(map[string]any)
	assert.Equal(t, "trigger.plan_submitted", body["kind"])
	assert.NotContains(t, body, "_event_id")
}

func TestFanoutBusDeliversToAllSinks(t *testing.T) {
	a := &recordingBus{}
	b := &recordingBus{}
	fanout := NewFanoutBus(a, panickyBus{}, b)

	require.NotPanics(t, func() {
		fanout.Emit(context.Background(), TopicSecurity, map[string]any{"k": "v"})
	})

	assert.Equal(t, []string{TopicSecurity}, a.topics)
	assert.Equal(t, []string{TopicSecurity}, b.topics, "panicking sink does not block others")
}

func TestNullBusIsSilent(t *testing.T) {
	assert.NotPanics(t, func() {
		NullBus{}.Emit(context.Background(), "any", nil)
	})
}
