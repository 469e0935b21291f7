// Package server implements the control-plane side of the worker link: the
// session hub, the WebSocket admission/dispatch handler, and the dashboard
// HTTP surface.
//
// The hub maintains the registry of live worker sessions and guarantees
// at-most-one session per agent id: a new connection for an already-connected
// id closes the previous socket with code 4000 before taking its place.
//
// Thread safety: the connections map is protected by an RWMutex; each
// session's writes go through its buffered Send channel to a single write
// pump.
package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/metrics"
)

// CloseCodeReplaced is sent to a session displaced by a newer connection
// for the same agent id.
const CloseCodeReplaced = 4000

// CloseReasonReplaced is the close reason accompanying CloseCodeReplaced.
const CloseReasonReplaced = "Replaced by new connection"

// Session is the server-side handle for one connected worker.
type Session struct {
	// AgentID is the worker's unique identifier
	AgentID string

	// Conn is the underlying WebSocket connection
	Conn *websocket.Conn

	// ConnectedAt is when the session was registered
	ConnectedAt time.Time

	// RemoteAddr is the peer address observed at upgrade time
	RemoteAddr string

	// Send is the buffered channel feeding the session's write pump
	Send chan []byte

	// mu protects lastHeartbeat
	mu            sync.RWMutex
	lastHeartbeat time.Time
}

// Touch stamps the session's heartbeat time.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the most recent heartbeat time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Hub is the registry of live worker sessions.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Session
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{connections: make(map[string]*Session)}
}

// Register indexes a session, displacing any prior session for the same
// agent id. The displaced socket is closed with code 4000 before the new
// session is visible, so observers never see two live sessions for one id.
func (h *Hub) Register(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.connections[sess.AgentID]; ok {
		logger.ControlPlane().Info().
			Str("agentId", sess.AgentID).
			Msg("Agent already connected, replacing previous session")
		existing.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCodeReplaced, CloseReasonReplaced),
			time.Now().Add(time.Second))
		existing.Conn.Close()
		close(existing.Send)
	}

	h.connections[sess.AgentID] = sess
	metrics.ConnectedAgents.Set(float64(len(h.connections)))
	logger.ControlPlane().Info().
		Str("agentId", sess.AgentID).
		Str("remoteAddr", sess.RemoteAddr).
		Int("total", len(h.connections)).
		Msg("Session registered")
}

// UnregisterIf removes the index entry only when the currently-indexed
// session is sess. Returns whether removal happened. The replacement path
// already rewrote ownership for displaced sockets, so their close must not
// unregister the successor.
func (h *Hub) UnregisterIf(sess *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.connections[sess.AgentID]
	if !ok || current != sess {
		return false
	}
	delete(h.connections, sess.AgentID)
	close(sess.Send)
	metrics.ConnectedAgents.Set(float64(len(h.connections)))
	logger.ControlPlane().Info().
		Str("agentId", sess.AgentID).
		Int("remaining", len(h.connections)).
		Msg("Session unregistered")
	return true
}

// Get returns the live session for an agent id, or nil.
func (h *Hub) Get(agentID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connections[agentID]
}

// IsConnected checks whether an agent has a live session.
func (h *Hub) IsConnected(agentID string) bool {
	return h.Get(agentID) != nil
}

// ConnectedIDs returns the ids of all live sessions.
func (h *Hub) ConnectedIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.connections))
	for id := range h.connections {
		ids = append(ids, id)
	}
	return ids
}

// SendJSON serializes a message onto the session's write pump iff the
// session is live. Returns whether delivery was attempted successfully.
func (h *Hub) SendJSON(agentID string, message any) bool {
	sess := h.Get(agentID)
	if sess == nil {
		return false
	}

	data, err := json.Marshal(message)
	if err != nil {
		logger.ControlPlane().Error().Err(err).Str("agentId", agentID).Msg("Failed to marshal outbound message")
		return false
	}

	select {
	case sess.Send <- data:
		return true
	default:
		logger.ControlPlane().Warn().Str("agentId", agentID).Msg("Send buffer full, dropping outbound message")
		return false
	}
}

// CloseAll closes every session with the given close code and empties the
// registry. Used at shutdown (code 1001, going away).
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sess := range h.connections {
		sess.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		sess.Conn.Close()
		close(sess.Send)
		delete(h.connections, id)
	}
	metrics.ConnectedAgents.Set(0)
	logger.ControlPlane().Info().Msg("All sessions closed")
}
