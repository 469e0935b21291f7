package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/moltagent/moltagent/internal/approval"
	"github.com/moltagent/moltagent/internal/fleet"
	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/metrics"
	"github.com/moltagent/moltagent/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512 KB
)

// Server multiplexes worker sessions, authenticates them, relays operator
// commands, and ingests telemetry into the fleet and approval managers.
type Server struct {
	hub       *Hub
	fleet     *fleet.Manager
	approvals *approval.Manager
	token     string
	upgrader  websocket.Upgrader

	// accepting gates new upgrades; cleared by Shutdown.
	accepting atomic.Bool
}

// NewServer creates a control-plane server over the given managers. The
// shared bearer token gates both worker sessions and the dashboard.
func NewServer(fleetMgr *fleet.Manager, approvals *approval.Manager, token string) *Server {
	s := &Server{
		hub:       NewHub(),
		fleet:     fleetMgr,
		approvals: approvals,
		token:     token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Workers authenticate with the bearer token, not an origin.
				return true
			},
		},
	}
	s.accepting.Store(true)
	return s
}

// Hub exposes the session registry (read paths for the dashboard).
func (s *Server) Hub() *Hub { return s.hub }

// HandleConnection admits a worker session: bearer token (header or ?token=)
// and a non-empty ?agentId= are required before any protocol data flows.
func (s *Server) HandleConnection(c *gin.Context) {
	if !s.accepting.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		return
	}

	if !s.authorized(c.Request) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing token"})
		return
	}

	agentID := c.Query("agentId")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Missing agentId",
			"details": "agentId query parameter is required",
		})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ControlPlane().Warn().Err(err).Str("agentId", agentID).Msg("Upgrade failed")
		return
	}

	sess := &Session{
		AgentID:     agentID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		RemoteAddr:  c.Request.RemoteAddr,
		Send:        make(chan []byte, 256),
	}
	sess.Touch()

	s.hub.Register(sess)
	s.fleet.UpdateAgentConnection(agentID, fleet.ConnectionOnline, sess.RemoteAddr)

	go s.writePump(sess)
	go s.readPump(sess)
}

// authorized accepts the shared token from the Authorization header or the
// token query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth == "Bearer "+s.token {
		return true
	}
	return r.URL.Query().Get("token") == s.token
}

// readPump reads frames from one session and dispatches them. Malformed
// frames are dropped silently.
func (s *Server) readPump(sess *Session) {
	defer func() {
		// Only the current owner of the index entry marks the agent
		// offline; a displaced socket's close must not clobber its
		// successor.
		if s.hub.UnregisterIf(sess) {
			s.fleet.UpdateAgentConnection(sess.AgentID, fleet.ConnectionOffline, "")
		}
		sess.Conn.Close()
	}()

	sess.Conn.SetReadLimit(maxMessageSize)
	sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.Conn.SetPongHandler(func(string) error {
		sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := sess.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.ControlPlane().Debug().Err(err).Str("agentId", sess.AgentID).Msg("Unexpected close")
			}
			return
		}
		s.dispatch(sess, message)
	}
}

// writePump writes queued messages and keep-alive pings to one session.
func (s *Server) writePump(sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-sess.Send:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				sess.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame by its type discriminator.
func (s *Server) dispatch(sess *Session, frame []byte) {
	msgType := protocol.PeekType(frame)
	if msgType == "" {
		return
	}
	metrics.MessagesTotal.WithLabelValues(msgType, "inbound").Inc()

	switch msgType {
	case protocol.TypeHeartbeat:
		var msg protocol.Heartbeat
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		sess.Touch()
		s.fleet.UpdateHeartbeat(sess.AgentID, msg.UptimeSec)

	case protocol.TypeStatus:
		var msg protocol.StatusMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		s.fleet.UpdateAgentStatus(sess.AgentID, msg.Report)

	case protocol.TypeAction:
		var msg protocol.ActionMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		s.fleet.RecordAction(sess.AgentID, msg.Entry)

	case protocol.TypeApprovalRequest:
		var msg protocol.ApprovalRequestMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		s.approvals.AddRequest(sess.AgentID, msg.Request)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		s.fleet.RecordError(sess.AgentID, msg.Message)

	default:
		logger.ControlPlane().Debug().
			Str("agentId", sess.AgentID).
			Str("type", msgType).
			Msg("Unknown message type dropped")
	}
}

// SendToAgent serializes a message to the agent's session iff it is open.
// Returns whether delivery was attempted successfully.
func (s *Server) SendToAgent(agentID string, message any) bool {
	ok := s.hub.SendJSON(agentID, message)
	if ok {
		if probe, err := json.Marshal(message); err == nil {
			metrics.MessagesTotal.WithLabelValues(protocol.PeekType(probe), "outbound").Inc()
		}
	}
	return ok
}

// SendApprovalResponse relays an approval resolution to the originating
// worker.
func (s *Server) SendApprovalResponse(agentID, requestID string, approved bool, reason string) bool {
	return s.SendToAgent(agentID, protocol.ApprovalResponseMessage{
		Type:      protocol.TypeApprovalResponse,
		RequestID: requestID,
		Approved:  approved,
		Reason:    reason,
	})
}

// Shutdown stops accepting upgrades and closes every session with 1001.
func (s *Server) Shutdown() {
	s.accepting.Store(false)
	s.hub.CloseAll(websocket.CloseGoingAway, "Server shutting down")
}
