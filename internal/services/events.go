package services

import (
	"context"
	"time"
)

// Lifecycle event types published for downstream consumers.
const (
	EventTicketCreated   = "ticket.created"
	EventTicketAssigned  = "ticket.assigned"
	EventCounterDegraded = "counter.degraded"
)

// LifecycleEvent describes a side effect this service performed.
type LifecycleEvent struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"data,omitempty"`
}

// EventSink receives lifecycle events. Implementations must not block the
// caller on slow downstream delivery.
type EventSink interface {
	Emit(ctx context.Context, event LifecycleEvent)
}

// NopSink drops every event.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(context.Context, LifecycleEvent) {}

func sinkOrNop(sink EventSink) EventSink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}
