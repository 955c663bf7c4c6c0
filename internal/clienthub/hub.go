// Package clienthub implements ClientSessionHub: per-client session state
// and fan-out between the EventBus and whatever transport terminates the
// client connection.
package clienthub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/orchestra/core/internal/common/errors"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/connector"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/registry"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// MaxInterventionCommandLength is the length sendCommandToAgent enforces on
// commandText, tighter than Task.Command's general storage limit since this
// path is the interactive one a human is typing into.
const MaxInterventionCommandLength = 2000

// outboundBufferSize sizes the per-session fan-in channel handed to the
// transport; it absorbs bursts across all of a client's joined agents.
const outboundBufferSize = 256

// session holds one connected client's group memberships and aggregated
// outbound stream.
type session struct {
	id       string
	outbound chan *eventbus.Event

	mu     sync.Mutex
	joined map[string]bool
	closed bool
}

func newSession(id string) *session {
	return &session{
		id:       id,
		outbound: make(chan *eventbus.Event, outboundBufferSize),
		joined:   make(map[string]bool),
	}
}

// Hub tracks every connected client's session and bridges EventBus groups to
// each session's outbound stream.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session

	bus    eventbus.EventBus
	disp   *dispatcher.Dispatcher
	reg    *registry.Registry
	conns  *connector.Manager
	logger *logger.Logger
}

// NewHub wires a Hub to the bus, dispatcher, registry and connector manager
// it fans work out to.
func NewHub(bus eventbus.EventBus, disp *dispatcher.Dispatcher, reg *registry.Registry, conns *connector.Manager, log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		bus:      bus,
		disp:     disp,
		reg:      reg,
		conns:    conns,
		logger:   log.WithFields(zap.String("component", "client-session-hub")),
	}
}

func agentGroup(agentID string) string {
	return "agent_" + agentID
}

// OnConnect registers a new client session and returns its subscriberId and
// the channel the transport should drain for outbound events.
func (h *Hub) OnConnect() (string, <-chan *eventbus.Event) {
	id := uuid.New().String()
	s := newSession(id)

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	h.logger.Debug("client connected", zap.String("subscriber_id", id))
	return id, s.outbound
}

// OnDisconnect removes every group membership held by subscriberId and
// closes its outbound channel.
func (h *Hub) OnDisconnect(subscriberID string) {
	h.mu.Lock()
	s, ok := h.sessions[subscriberID]
	delete(h.sessions, subscriberID)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.bus.UnsubscribeAll(subscriberID)

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.outbound)
	}
	s.mu.Unlock()

	h.logger.Debug("client disconnected", zap.String("subscriber_id", subscriberID))
}

func (h *Hub) getSession(subscriberID string) (*session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[subscriberID]
	return s, ok
}

// JoinAgent subscribes subscriberId to agentId's event group and begins
// forwarding its events into the session's outbound stream.
func (h *Hub) JoinAgent(subscriberID, agentID string) error {
	s, ok := h.getSession(subscriberID)
	if !ok {
		return appErrors.NotFound("subscriber", subscriberID)
	}

	s.mu.Lock()
	if s.joined[agentID] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch, err := h.bus.Subscribe(subscriberID, agentGroup(agentID))
	if err != nil {
		return appErrors.Wrap(err, "failed to join agent group")
	}

	s.mu.Lock()
	s.joined[agentID] = true
	s.mu.Unlock()

	go h.forward(s, ch)
	return nil
}

// forward pumps events from a single group subscription into the session's
// aggregated outbound channel until the subscription is closed (leaveAgent,
// onDisconnect, or bus shutdown).
func (h *Hub) forward(s *session, ch <-chan *eventbus.Event) {
	for event := range ch {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		select {
		case s.outbound <- event:
		default:
			// Session-level outbound is full; the per-group channel already
			// carries its own Lagged marker on overflow, so dropping here
			// rather than blocking just avoids stalling every other joined
			// agent's forwarder.
		}
	}
}

// LeaveAgent removes subscriberId's membership in agentId's event group.
func (h *Hub) LeaveAgent(subscriberID, agentID string) error {
	s, ok := h.getSession(subscriberID)
	if !ok {
		return appErrors.NotFound("subscriber", subscriberID)
	}

	s.mu.Lock()
	if !s.joined[agentID] {
		s.mu.Unlock()
		return nil
	}
	delete(s.joined, agentID)
	s.mu.Unlock()

	h.bus.Unsubscribe(subscriberID, agentGroup(agentID))
	return nil
}

// SendCommandToAgent validates commandText, enqueues a new Task tagged with
// subscriberId for reply routing, and returns the task's id as the request
// id the caller can correlate against TaskAssigned/TaskCompleted events.
func (h *Hub) SendCommandToAgent(ctx context.Context, subscriberID, agentID, commandText string) (string, error) {
	if _, ok := h.getSession(subscriberID); !ok {
		return "", appErrors.NotFound("subscriber", subscriberID)
	}
	if commandText == "" {
		return "", appErrors.InvalidInput("commandText must not be empty")
	}
	if len(commandText) > MaxInterventionCommandLength {
		return "", appErrors.InvalidInput("commandText exceeds maximum length")
	}

	agent := h.reg.Get(agentID)
	if agent == nil {
		return "", appErrors.NotFound("agent", agentID)
	}

	origin := subscriberID
	task := &v1.Task{
		ID:                 uuid.New().String(),
		Command:            commandText,
		RepositoryPath:     agent.RepositoryPath,
		Priority:           v1.PriorityNormal,
		Status:             v1.TaskStatusPending,
		CreatedAt:          time.Now().UTC(),
		OriginSubscriberID: &origin,
	}

	if err := h.disp.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// SendInterventionResponse writes payload directly to agentId's connector as
// an out-of-band frame, ahead of whatever command is next in that
// connector's queue.
func (h *Hub) SendInterventionResponse(subscriberID, agentID, payload string) error {
	if _, ok := h.getSession(subscriberID); !ok {
		return appErrors.NotFound("subscriber", subscriberID)
	}

	conn, ok := h.conns.Get(agentID)
	if !ok {
		return appErrors.NotFound("agent connector", agentID)
	}
	return conn.SendControlFrame(payload)
}

// SessionCount reports the number of currently connected clients.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
