// Package eventbus provides the in-process, group-scoped publish/subscribe
// fabric that bridges Dispatcher events to ClientSessionHub subscribers.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags the kind-specific payload carried by an Event.
type EventKind string

const (
	KindAgentRegistered    EventKind = "AgentRegistered"
	KindAgentStatusChanged EventKind = "AgentStatusChanged"
	KindAgentError         EventKind = "AgentError"
	KindAgentOffline       EventKind = "AgentOffline"
	KindSessionCreated     EventKind = "SessionCreated"
	KindSessionDisconnected EventKind = "SessionDisconnected"
	KindSessionError       EventKind = "SessionError"
	KindTaskEnqueued       EventKind = "TaskEnqueued"
	KindTaskAssigned       EventKind = "TaskAssigned"
	KindTaskStarted        EventKind = "TaskStarted"
	KindOutputChunk        EventKind = "OutputChunk"
	KindTaskCompleted      EventKind = "TaskCompleted"
	KindTaskFailed         EventKind = "TaskFailed"
	KindLagged             EventKind = "Lagged"
	KindDispatcherStalled  EventKind = "DispatcherStalled"
)

// Event is a tagged record delivered to group subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new Event with a fresh id and the current timestamp.
func NewEvent(kind EventKind, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// laggedEvent builds the informational marker injected when a subscriber's
// outbound buffer overflows and the oldest frame is dropped.
func laggedEvent(group string, dropped int) *Event {
	return NewEvent(KindLagged, map[string]interface{}{
		"group":   group,
		"dropped": dropped,
	})
}

// EventBus is the group-scoped publish/subscribe contract. Delivery to any
// one subscriber is best-effort: a slow subscriber whose bounded outbound
// channel is full has its oldest buffered frames dropped to make room for a
// Lagged marker followed by the new event, per §4.6/§5. Ordering is preserved per
// (publisher, subscriber) pair.
type EventBus interface {
	// Subscribe joins subscriberID to group and returns a receive-only
	// channel of events delivered to that membership. The channel is
	// closed by Unsubscribe/UnsubscribeAll or Close.
	Subscribe(subscriberID, group string) (<-chan *Event, error)
	// Unsubscribe removes subscriberID's membership in group and closes its
	// channel for that group.
	Unsubscribe(subscriberID, group string)
	// UnsubscribeAll removes every membership held by subscriberID.
	UnsubscribeAll(subscriberID string)
	// Publish delivers event to all current members of group.
	Publish(group string, event *Event) error
	// BroadcastToAllGroups delivers event to every subscriber regardless of
	// group membership; reserved for health events.
	BroadcastToAllGroups(event *Event) error
	// Close shuts down the bus and closes every subscriber channel.
	Close()
	// IsConnected reports whether the bus can currently accept publishes.
	IsConnected() bool
}
