// Package protocol defines the JSON wire protocol between workers and the
// control plane.
//
// MESSAGE FLOW:
// Worker → Control Plane:
//   - heartbeat: liveness + uptime
//   - status: full status report
//   - action: one action-log entry
//   - approval_request: human-gated authorization request
//   - error: worker-side error report
//
// Control Plane → Worker:
//   - update_config: partial manifest update
//   - update_goals: replace the goal list
//   - inject_knowledge: append knowledge documents
//   - send_message: relay an outbound channel message
//   - approval_response: resolve a pending approval
//   - restart / shutdown: lifecycle commands
//   - ping: keep-alive
//
// Messages are newline-free JSON objects, one per WebSocket frame, with a
// top-level "type" discriminator. Malformed or unknown frames are dropped
// silently by both peers.
package protocol

import (
	"encoding/json"

	"github.com/moltagent/moltagent/internal/manifest"
)

// Message type discriminators.
const (
	// Worker → plane
	TypeHeartbeat       = "heartbeat"
	TypeStatus          = "status"
	TypeAction          = "action"
	TypeApprovalRequest = "approval_request"
	TypeError           = "error"

	// Plane → worker
	TypeUpdateConfig     = "update_config"
	TypeUpdateGoals      = "update_goals"
	TypeInjectKnowledge  = "inject_knowledge"
	TypeSendMessage      = "send_message"
	TypeApprovalResponse = "approval_response"
	TypeRestart          = "restart"
	TypeShutdown         = "shutdown"
	TypePing             = "ping"
)

// Probe is the minimal frame shape used to discriminate inbound messages.
type Probe struct {
	Type string `json:"type"`
}

// PeekType extracts the discriminator from a raw frame. Returns "" for
// frames that are not JSON objects or carry no type.
func PeekType(frame []byte) string {
	var p Probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return ""
	}
	return p.Type
}

// WorkerState enumerates the states a worker reports.
type WorkerState string

const (
	WorkerStarting     WorkerState = "starting"
	WorkerRunning      WorkerState = "running"
	WorkerBusy         WorkerState = "busy"
	WorkerIdle         WorkerState = "idle"
	WorkerError        WorkerState = "error"
	WorkerShuttingDown WorkerState = "shutting_down"
)

// ActionCategory classifies action-log entries.
type ActionCategory string

const (
	ActionBrowse  ActionCategory = "browse"
	ActionExecute ActionCategory = "execute"
	ActionMessage ActionCategory = "message"
	ActionAPICall ActionCategory = "api_call"
	ActionSpend   ActionCategory = "spend"
	ActionFile    ActionCategory = "file"
	ActionOther   ActionCategory = "other"
)

// ApprovalCategory classifies approval requests.
type ApprovalCategory string

const (
	ApprovalSpend  ApprovalCategory = "spend"
	ApprovalAction ApprovalCategory = "action"
	ApprovalAccess ApprovalCategory = "access"
)

// StatusReport is the worker-produced snapshot sent on the status cadence.
type StatusReport struct {
	State             WorkerState        `json:"state"`
	ActiveTask        string             `json:"activeTask,omitempty"`
	ConnectedChannels []string           `json:"connectedChannels,omitempty"`
	UptimeSec         int64              `json:"uptimeSec"`
	MemoryMB          float64            `json:"memoryMb"`
	CPUPercent        float64            `json:"cpuPercent"`
	ActionsToday      int64              `json:"actionsToday"`
	SpendToday        float64            `json:"spendToday"`
	GoalProgress      map[string]float64 `json:"goalProgress,omitempty"`
}

// ActionLogEntry is one logged, categorized unit of worker activity. Spend
// entries carry a numeric "amount" in Details that feeds the cumulative
// spend counter.
type ActionLogEntry struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	Category   ActionCategory `json:"category"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

// ApprovalRequest is the worker's ask for a human-gated authorization.
type ApprovalRequest struct {
	ID          string           `json:"id"`
	Category    ApprovalCategory `json:"category"`
	Description string           `json:"description"`
	Amount      *float64         `json:"amount,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	ExpiresAt   string           `json:"expiresAt,omitempty"`
}

// Heartbeat is the worker → plane liveness frame.
type Heartbeat struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptimeSec"`
}

// StatusMessage carries a full StatusReport.
type StatusMessage struct {
	Type    string       `json:"type"`
	AgentID string       `json:"agentId"`
	Report  StatusReport `json:"report"`
}

// ActionMessage carries one action-log entry.
type ActionMessage struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agentId"`
	Entry   ActionLogEntry `json:"entry"`
}

// ApprovalRequestMessage enqueues an approval with the plane.
type ApprovalRequestMessage struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId"`
	Request ApprovalRequest `json:"request"`
}

// ErrorMessage reports a worker-side error.
type ErrorMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Message string `json:"message"`
}

// ApprovalResponseMessage resolves a pending approval on the worker.
type ApprovalResponseMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// UpdateConfigMessage carries a partial manifest document.
type UpdateConfigMessage struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// UpdateGoalsMessage replaces the worker's goal list.
type UpdateGoalsMessage struct {
	Type  string          `json:"type"`
	Goals []manifest.Goal `json:"goals"`
}

// InjectKnowledgeMessage appends knowledge documents.
type InjectKnowledgeMessage struct {
	Type      string                    `json:"type"`
	Documents []manifest.InlineDocument `json:"documents"`
}

// SendMessageMessage relays an outbound message through a worker channel.
type SendMessageMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Channel string `json:"channel,omitempty"`
}

// Lifecycle is the payload-free frame shape shared by restart, shutdown and
// ping.
type Lifecycle struct {
	Type string `json:"type"`
}
