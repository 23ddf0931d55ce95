// Package events provides the event bus the daemon publishes lifecycle
// notifications on, plus the topic router used by reactive subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Well-known topics.
const (
	TopicPlans       = "llmos.plans"
	TopicActions     = "llmos.actions"
	TopicSecurity    = "llmos.security"
	TopicErrors      = "llmos.errors"
	TopicTriggers    = "llmos.triggers"
	TopicPermissions = "llmos.permissions"
	TopicDBChanges   = "llmos.db.changes"
	TopicFilesystem  = "llmos.filesystem"
)

// Priority orders event handling when consumers queue events.
type Priority int

const (
	PriorityBackground Priority = 0
	PriorityLow        Priority = 25
	PriorityNormal     Priority = 50
	PriorityHigh       Priority = 75
	PriorityCritical   Priority = 100
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "normal"
	}
}

// Envelope is the universal event structure. The underscore-prefixed keys
// of the wire format map to these fields; Payload carries the
// topic-specific body.
type Envelope struct {
	EventID       string         `json:"_event_id"`
	Topic         string         `json:"_topic"`
	Timestamp     time.Time      `json:"_timestamp"`
	CausedBy      string         `json:"_caused_by,omitempty"`
	Causes        []string       `json:"_causes,omitempty"`
	SessionID     string         `json:"_session_id,omitempty"`
	CorrelationID string         `json:"_correlation_id,omitempty"`
	Priority      Priority       `json:"_priority"`
	Payload       map[string]any `json:"payload"`
}

// NewEnvelope creates a root event with a fresh event and correlation ID.
func NewEnvelope(topic string, payload map[string]any) *Envelope {
	id := uuid.NewString()
	return &Envelope{
		EventID:       id,
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		CorrelationID: id,
		Priority:      PriorityNormal,
		Payload:       payload,
	}
}

// Flatten merges the envelope's routing fields into a copy of its
// payload so the event can travel through the map-based Bus interface.
// Buses that persist events rebuild the envelope from these keys.
func (e *Envelope) Flatten() map[string]any {
	out := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["_event_id"] = e.EventID
	out["_correlation_id"] = e.CorrelationID
	out["_priority"] = e.Priority
	if e.CausedBy != "" {
		out["_caused_by"] = e.CausedBy
	}
	if e.SessionID != "" {
		out["_session_id"] = e.SessionID
	}
	return out
}

// SpawnChild creates a causally linked follow-up event. The child inherits
// session, correlation ID, and priority; causality is recorded both ways.
func (e *Envelope) SpawnChild(topic string, payload map[string]any) *Envelope {
	child := &Envelope{
		EventID:       uuid.NewString(),
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		CausedBy:      e.EventID,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		Priority:      e.Priority,
		Payload:       payload,
	}
	e.Causes = append(e.Causes, child.EventID)
	return child
}
