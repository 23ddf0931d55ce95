package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Bus is the publishing side of the event system. Emit never returns an
// error: event delivery failures are logged and must not disturb plan
// execution.
type Bus interface {
	Emit(ctx context.Context, topic string, payload map[string]any)
}

// envelopeFor wraps a raw payload in the universal envelope. Routing
// keys pre-stamped by an emitter via Envelope.Flatten are lifted back
// into the envelope fields instead of the body.
func envelopeFor(topic string, payload map[string]any) *Envelope {
	env := NewEnvelope(topic, nil)
	body := make(map[string]any, len(payload))
	correlated := false
	for k, v := range payload {
		switch k {
		case "_event_id":
			if s, ok := v.(string); ok && s != "" {
				env.EventID = s
			}
		case "_correlation_id":
			if s, ok := v.(string); ok && s != "" {
				env.CorrelationID = s
				correlated = true
			}
		case "_caused_by":
			if s, ok := v.(string); ok {
				env.CausedBy = s
			}
		case "_session_id":
			if s, ok := v.(string); ok {
				env.SessionID = s
			}
		case "_priority":
			switch p := v.(type) {
			case Priority:
				env.Priority = p
			case int:
				env.Priority = Priority(p)
			}
		default:
			body[k] = v
		}
	}
	if !correlated {
		env.CorrelationID = env.EventID
	}
	env.Payload = body
	return env
}

// NullBus drops every event. Used when eventing is disabled and in tests.
type NullBus struct{}

// Emit implements Bus.
func (NullBus) Emit(context.Context, string, map[string]any) {}

// LogBus appends events as NDJSON lines to a file. Writes are serialised
// by a mutex; the parent directory is created on first use.
type LogBus struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewLogBus creates a LogBus writing to path. The file is opened lazily
// on the first emit.
func NewLogBus(path string) *LogBus {
	return &LogBus{path: path}
}

// Emit implements Bus.
func (b *LogBus) Emit(_ context.Context, topic string, payload map[string]any) {
	line, err := json.Marshal(envelopeFor(topic, payload))
	if err != nil {
		slog.Error("Failed to encode event", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
			slog.Error("Failed to create event log directory", "path", b.path, "error", err)
			return
		}
		f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("Failed to open event log", "path", b.path, "error", err)
			return
		}
		b.file = f
	}

	if _, err := b.file.Write(append(line, '\n')); err != nil {
		slog.Error("Failed to append event", "topic", topic, "error", err)
	}
}

// Close closes the underlying file.
func (b *LogBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// FanoutBus delivers each event to every sink concurrently. A failing or
// panicking sink never affects the others.
type FanoutBus struct {
	sinks []Bus
}

// NewFanoutBus combines multiple buses into one.
func NewFanoutBus(sinks ...Bus) *FanoutBus {
	return &FanoutBus{sinks: sinks}
}

// Emit implements Bus.
func (b *FanoutBus) Emit(ctx context.Context, topic string, payload map[string]any) {
	var wg sync.WaitGroup
	for _, sink := range b.sinks {
		wg.Add(1)
		go func(s Bus) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event sink panicked", "topic", topic, "panic", r)
				}
			}()
			// Each sink gets its own copy so concurrent sinks never share
			// a mutable map.
			cloned := make(map[string]any, len(payload))
			for k, v := range payload {
				cloned[k] = v
			}
			s.Emit(ctx, topic, cloned)
		}(sink)
	}
	wg.Wait()
}
