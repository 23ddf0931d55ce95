package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives routed events. Errors are logged, never propagated.
type Handler func(ctx context.Context, topic string, payload map[string]any) error

// Router dispatches events to handlers by MQTT-style topic pattern:
//
//	llmos.plans        exact match
//	llmos.*            * matches exactly one segment
//	llmos.actions.#    # matches any remaining segments, including none
//
// Handlers fire in registration order. The fallback handler, when set,
// only fires if no pattern matched. The router is itself a Bus, so it can
// be a sink of a FanoutBus.
type Router struct {
	mu       sync.RWMutex
	routes   []route
	fallback Handler
}

type route struct {
	pattern string
	handler Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Subscribe registers a handler for a topic pattern.
func (r *Router) Subscribe(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{pattern: pattern, handler: h})
}

// SetFallback registers the handler invoked when no pattern matches.
func (r *Router) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Emit implements Bus: route the event to all matching handlers.
func (r *Router) Emit(ctx context.Context, topic string, payload map[string]any) {
	r.mu.RLock()
	routes := make([]route, len(r.routes))
	copy(routes, r.routes)
	fallback := r.fallback
	r.mu.RUnlock()

	matched := false
	for _, rt := range routes {
		if !TopicMatches(rt.pattern, topic) {
			continue
		}
		matched = true
		r.invoke(ctx, rt.handler, topic, payload)
	}
	if !matched && fallback != nil {
		r.invoke(ctx, fallback, topic, payload)
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, topic string, payload map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Event handler panicked", "topic", topic, "panic", rec)
		}
	}()
	if err := h(ctx, topic, payload); err != nil {
		slog.Error("Event handler failed", "topic", topic, "error", err)
	}
}

// TopicMatches reports whether topic matches the pattern. Patterns use
// dot-separated segments with * (one segment) and # (rest, possibly
// empty) wildcards; # is only meaningful as the final segment.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")

	for i, p := range pSegs {
		if p == "#" {
			// "a.b.#" matches "a.b" and anything below it.
			return i == len(pSegs)-1
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
