// Package bridge implements the worker's resilient session with the control
// plane.
//
// Architecture:
//   - The worker connects TO the control plane (outbound WebSocket)
//   - Single-writer pattern: all frames go through writeChan to one pump
//   - Heartbeats on the manifest's cadence while connected
//   - Reconnect is purely client-driven with exponential backoff,
//     min(1s * 2^(n-1), 60s), reset on a successful open
//   - Close() is the only path into the closed sink state; no reconnect is
//     ever scheduled after it
//
// Connection lifecycle:
//
//	disconnected -> connecting -> connected -> disconnected -> ...
//	                                        -> closed (explicit Close only)
//
// Approval correlation: RequestApproval registers a one-shot completion
// keyed by request id, sends approval_request, and resolves when a matching
// approval_response arrives or the 5-minute timeout fires. Timeouts deny —
// the safer failure mode.
package bridge

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltagent/moltagent/internal/apperrors"
	"github.com/moltagent/moltagent/internal/logger"
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

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second

	// DefaultApprovalTimeout is how long RequestApproval waits before
	// resolving to deny.
	DefaultApprovalTimeout = 5 * time.Minute
)

// State is the bridge connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// Decision is the outcome of an approval request.
type Decision struct {
	Approved bool
	Reason   string
	TimedOut bool
}

// Handlers are the worker-runtime callbacks for inbound operator commands.
// Nil callbacks are no-ops.
type Handlers struct {
	OnUpdateConfig    func(raw []byte)
	OnUpdateGoals     func(goals []byte)
	OnInjectKnowledge func(documents []byte)
	OnSendMessage     func(content, channel string)
}

// Config configures a bridge.
type Config struct {
	AgentID           string
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	ApprovalTimeout   time.Duration
	Handlers          Handlers

	// Exit replaces os.Exit for restart/shutdown commands (tests).
	Exit func(code int)

	// Dialer replaces the default WebSocket dialer (tests).
	Dialer *websocket.Dialer
}

// Bridge is the worker-side session.
type Bridge struct {
	cfg       Config
	startedAt time.Time

	mu       sync.RWMutex
	state    State
	conn     *websocket.Conn
	attempts int

	writeChan chan []byte

	pmu              sync.Mutex
	pendingApprovals map[string]chan protocol.ApprovalResponseMessage

	stopChan  chan struct{}
	closeOnce sync.Once
}

// New creates a bridge. Call Run to start the session loop.
func New(cfg Config) (*Bridge, error) {
	if cfg.AgentID == "" {
		return nil, apperrors.ErrMissingAgentID
	}
	if cfg.URL == "" {
		return nil, apperrors.ErrMissingPlaneURL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	return &Bridge{
		cfg:              cfg,
		startedAt:        time.Now(),
		state:            StateDisconnected,
		writeChan:        make(chan []byte, 256),
		pendingApprovals: make(map[string]chan protocol.ApprovalResponseMessage),
		stopChan:         make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// UptimeSec returns seconds since the bridge was created.
func (b *Bridge) UptimeSec() int64 {
	return int64(time.Since(b.startedAt).Seconds())
}

// ReconnectDelay computes the backoff before reconnect attempt n (1-based):
// min(1s * 2^(n-1), 60s).
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^6 seconds already exceeds the cap.
	if attempt > 7 {
		return maxReconnectDelay
	}
	d := time.Second << uint(attempt-1)
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// Run drives the connect/read/reconnect loop until Close. Blocks; run it in
// a goroutine.
func (b *Bridge) Run() {
	for {
		if b.isClosed() {
			return
		}

		b.setState(StateConnecting)
		conn, err := b.dial()
		if err != nil {
			b.setState(StateDisconnected)
			if !b.waitReconnect(err) {
				return
			}
			continue
		}

		b.mu.Lock()
		b.conn = conn
		b.state = StateConnected
		b.attempts = 0
		b.mu.Unlock()

		logger.Bridge().Info().Str("agentId", b.cfg.AgentID).Str("url", b.cfg.URL).Msg("Connected to control plane")

		connDone := make(chan struct{})
		go b.writePump(conn, connDone)
		go b.heartbeatLoop(connDone)

		// Blocks until the socket dies or Close fires.
		b.readPump(conn)
		close(connDone)

		b.mu.Lock()
		b.conn = nil
		if b.state != StateClosed {
			b.state = StateDisconnected
		}
		b.mu.Unlock()

		if b.isClosed() {
			return
		}
		if !b.waitReconnect(nil) {
			return
		}
	}
}

// Close moves the bridge to its sink state: the socket is closed and no
// further reconnect is scheduled. In-flight approvals resolve to deny on
// their own timeout.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosed
		conn := b.conn
		b.conn = nil
		b.mu.Unlock()

		close(b.stopChan)
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		}
		logger.Bridge().Info().Str("agentId", b.cfg.AgentID).Msg("Bridge closed")
	})
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.stopChan:
		return true
	default:
		return false
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	if b.state != StateClosed {
		b.state = s
	}
	b.mu.Unlock()
}

// dial opens the WebSocket with the agent id in the query and the bearer
// token in the headers.
func (b *Bridge) dial() (*websocket.Conn, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid control plane URL: %w", err)
	}
	q := u.Query()
	q.Set("agentId", b.cfg.AgentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	conn, resp, err := b.cfg.Dialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

// waitReconnect sleeps out the backoff for the next attempt. Returns false
// when the bridge was closed while waiting.
func (b *Bridge) waitReconnect(cause error) bool {
	b.mu.Lock()
	b.attempts++
	attempt := b.attempts
	b.mu.Unlock()

	delay := ReconnectDelay(attempt)
	evt := logger.Bridge().Info().Str("agentId", b.cfg.AgentID).Int("attempt", attempt).Dur("delay", delay)
	if cause != nil {
		evt = evt.Err(cause)
	}
	evt.Msg("Scheduling reconnect")

	select {
	case <-time.After(delay):
		return true
	case <-b.stopChan:
		return false
	}
}

// writePump owns all writes to the socket for one connection.
func (b *Bridge) writePump(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-b.writeChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Bridge().Debug().Err(err).Msg("Write error")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-connDone:
			return
		case <-b.stopChan:
			return
		}
	}
}

// readPump reads frames until the connection dies.
func (b *Bridge) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Bridge().Debug().Err(err).Msg("Socket error")
			}
			return
		}
		b.handleFrame(message)
	}
}

// heartbeatLoop sends heartbeats at the manifest cadence while connected.
func (b *Bridge) heartbeatLoop(connDone chan struct{}) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := protocol.Heartbeat{
				Type:      protocol.TypeHeartbeat,
				AgentID:   b.cfg.AgentID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				UptimeSec: b.UptimeSec(),
			}
			if err := b.send(hb); err != nil {
				logger.Bridge().Debug().Err(err).Msg("Failed to send heartbeat")
			}
		case <-connDone:
			return
		case <-b.stopChan:
			return
		}
	}
}
