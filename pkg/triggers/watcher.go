package triggers

import (
	"fmt"
	"log/slog"
	"sync"
)

// FireFunc is the callback a watcher invokes when its condition is met.
// Implementations must tolerate being called from the watcher goroutine.
type FireFunc func(triggerID, eventType string, payload map[string]any)

// Watcher is the contract every trigger watcher implements. Start spawns
// the background goroutine, Stop tears it down and waits for it to exit.
// A watcher that hits an unrecoverable error records it via Err and
// stops watching; the daemon's health loop transitions the trigger to
// the failed state.
type Watcher interface {
	Start() error
	Stop()
	Err() string
}

// watcherBase carries the lifecycle plumbing shared by all watchers.
type watcherBase struct {
	triggerID string
	fire      FireFunc
	logger    *slog.Logger

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err string
}

func newWatcherBase(triggerID string, fire FireFunc, logger *slog.Logger) watcherBase {
	if logger == nil {
		logger = slog.Default()
	}
	return watcherBase{
		triggerID: triggerID,
		fire:      fire,
		logger:    logger,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Stop signals the run loop and waits for it to finish.
func (b *watcherBase) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.done
	b.logger.Debug("Watcher stopped", "trigger_id", b.triggerID)
}

// Err returns the recorded unrecoverable error, or "".
func (b *watcherBase) Err() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *watcherBase) setErr(msg string) {
	b.mu.Lock()
	b.err = msg
	b.mu.Unlock()
	b.logger.Error("Watcher failed", "trigger_id", b.triggerID, "error", msg)
}

func (b *watcherBase) emit(eventType string, payload map[string]any) {
	b.fire(b.triggerID, eventType, payload)
}

// NewWatcher instantiates the watcher implementation for a condition.
func NewWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (Watcher, error) {
	switch cond.Type {
	case TypeTemporal:
		return newTemporalWatcher(triggerID, cond, fire, logger)
	case TypeFilesystem:
		return newFilesystemWatcher(triggerID, cond, fire, logger)
	case TypeProcess:
		return newProcessWatcher(triggerID, cond, fire, logger)
	case TypeResource:
		return newResourceWatcher(triggerID, cond, fire, logger)
	case TypeComposite:
		return newCompositeWatcher(triggerID, cond, fire, logger)
	default:
		return nil, fmt.Errorf("no watcher implementation for trigger type %q", cond.Type)
	}
}

// Param readers. Condition params arrive as decoded JSON, so numbers are
// float64 and everything needs a type check.

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return fallback
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func paramInt(params map[string]any, key string, fallback int) int {
	return int(paramFloat(params, key, float64(fallback)))
}

func paramBool(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func paramStrings(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
