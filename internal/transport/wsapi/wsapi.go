// Package wsapi exposes ClientSessionHub over a gorilla/websocket
// connection: one websocket per subscriber, a read pump parsing inbound
// control messages and a write pump draining the subscriber's aggregated
// outbound event stream.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orchestra/core/internal/clienthub"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 256
)

// inboundMessage is a client->server control frame.
type inboundMessage struct {
	Action        string `json:"action"`
	AgentID       string `json:"agentId,omitempty"`
	Command       string `json:"command,omitempty"`
	Payload       string `json:"payload,omitempty"`
	ClientTag     string `json:"clientTag,omitempty"`
}

// ackMessage is the server->client acknowledgement for sendCommandToAgent,
// correlating back to the caller's optional clientTag.
type ackMessage struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId,omitempty"`
	ClientTag string `json:"clientTag,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server upgrades HTTP connections to websockets and bridges them to a Hub.
type Server struct {
	hub      *clienthub.Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewServer creates a Server bound to hub. CORS is left permissive, matching
// the rest of the HTTP surface; a deployment behind a browser origin check
// should replace CheckOrigin.
func NewServer(hub *clienthub.Hub, log *logger.Logger) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "wsapi")),
	}
}

// ServeWS upgrades the request and runs the connection until the client
// disconnects or the request context is cancelled.
func (s *Server) ServeWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	subscriberID, outbound := s.hub.OnConnect()
	defer s.hub.OnDisconnect(subscriberID)

	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})
	var closeOnce closeGuard

	go s.writePump(conn, send, done, &closeOnce)
	go s.relayOutbound(outbound, send, done)
	s.readPump(c.Request.Context(), conn, subscriberID, send, done, &closeOnce)
}

// closeGuard makes closing `done` idempotent across the read pump and write
// pump goroutines racing to tear the connection down.
type closeGuard struct {
	once sync.Once
}

func (g *closeGuard) closeDone(done chan struct{}) {
	g.once.Do(func() { close(done) })
}

// relayOutbound marshals every event the hub forwards to this subscriber
// and pushes it onto the connection's send channel, until the hub closes
// outbound or the connection itself goes down.
func (s *Server) relayOutbound(outbound <-chan *eventbus.Event, send chan<- []byte, done <-chan struct{}) {
	for {
		select {
		case event, ok := <-outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("failed to marshal outbound event", zap.Error(err))
				continue
			}
			select {
			case send <- data:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

// readPump reads inbound control frames and dispatches them to the hub,
// acknowledging sendCommandToAgent with its task id.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, subscriberID string, send chan<- []byte, done chan struct{}, closer *closeGuard) {
	defer closer.closeDone(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("invalid inbound message", zap.Error(err))
			continue
		}

		s.dispatch(ctx, subscriberID, msg, send)
	}
}

func (s *Server) dispatch(ctx context.Context, subscriberID string, msg inboundMessage, send chan<- []byte) {
	switch msg.Action {
	case "agent.subscribe":
		if err := s.hub.JoinAgent(subscriberID, msg.AgentID); err != nil {
			s.sendAck(send, ackMessage{Kind: "SubscribeError", ClientTag: msg.ClientTag, Error: err.Error()})
		}
	case "agent.unsubscribe":
		if err := s.hub.LeaveAgent(subscriberID, msg.AgentID); err != nil {
			s.sendAck(send, ackMessage{Kind: "UnsubscribeError", ClientTag: msg.ClientTag, Error: err.Error()})
		}
	case "agent.command":
		requestID, err := s.hub.SendCommandToAgent(ctx, subscriberID, msg.AgentID, msg.Command)
		if err != nil {
			s.sendAck(send, ackMessage{Kind: "CommandError", ClientTag: msg.ClientTag, Error: err.Error()})
			return
		}
		s.sendAck(send, ackMessage{Kind: "CommandAccepted", RequestID: requestID, ClientTag: msg.ClientTag})
	case "agent.intervention":
		if err := s.hub.SendInterventionResponse(subscriberID, msg.AgentID, msg.Payload); err != nil {
			s.sendAck(send, ackMessage{Kind: "InterventionError", ClientTag: msg.ClientTag, Error: err.Error()})
		}
	default:
		s.logger.Warn("unknown inbound action", zap.String("action", msg.Action))
	}
}

func (s *Server) sendAck(send chan<- []byte, ack ackMessage) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case send <- data:
	default:
	}
}

// writePump drains send, coalescing any messages queued during one tick
// into a single websocket frame, and keeps the connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte, done chan struct{}, closer *closeGuard) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		closer.closeDone(done)
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
