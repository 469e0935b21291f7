package fleet

import (
	"time"

	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/protocol"
	"github.com/moltagent/moltagent/internal/provider"
)

// Ring capacities. Buffers are newest-first and never exceed these.
const (
	MaxRecentActions = 200
	MaxRecentErrors  = 50
)

// Connection is the fleet's view of a worker's control-link state.
type Connection string

const (
	ConnectionOnline  Connection = "online"
	ConnectionOffline Connection = "offline"
	ConnectionUnknown Connection = "unknown"
)

// AgentError is one entry in the recent-errors ring.
type AgentError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AgentRecord is the durable fleet entry for one deployed worker.
type AgentRecord struct {
	Manifest      *manifest.Manifest        `json:"manifest"`
	Instance      *provider.VpsInstance     `json:"instance,omitempty"`
	Connection    Connection                `json:"connection"`
	RemoteAddr    string                    `json:"remoteAddr,omitempty"`
	LastStatus    *protocol.StatusReport    `json:"lastStatus,omitempty"`
	DeployedAt    time.Time                 `json:"deployedAt"`
	LastHeartbeat time.Time                 `json:"lastHeartbeat,omitempty"`
	UptimeSec     int64                     `json:"uptimeSec"`
	RecentActions []protocol.ActionLogEntry `json:"recentActions"`
	RecentErrors  []AgentError              `json:"recentErrors"`
	TotalActions  int64                     `json:"totalActions"`
	TotalSpend    float64                   `json:"totalSpend"`
}

// AgentSummary is the compact listing shape served by the dashboard.
type AgentSummary struct {
	AgentID       string     `json:"agentId"`
	Name          string     `json:"name"`
	OwnerID       string     `json:"ownerId,omitempty"`
	Connection    Connection `json:"connection"`
	Provider      string     `json:"provider,omitempty"`
	InstanceID    string     `json:"instanceId,omitempty"`
	PublicIPv4    string     `json:"publicIpv4,omitempty"`
	DeployedAt    time.Time  `json:"deployedAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat,omitempty"`
	TotalActions  int64      `json:"totalActions"`
	TotalSpend    float64    `json:"totalSpend"`
}

// Summary reduces a record to its listing shape.
func (r *AgentRecord) Summary() AgentSummary {
	s := AgentSummary{
		AgentID:       r.Manifest.Identity.ID,
		Name:          r.Manifest.Identity.Name,
		OwnerID:       r.Manifest.Identity.OwnerID,
		Connection:    r.Connection,
		DeployedAt:    r.DeployedAt,
		LastHeartbeat: r.LastHeartbeat,
		TotalActions:  r.TotalActions,
		TotalSpend:    r.TotalSpend,
	}
	if r.Instance != nil {
		s.Provider = r.Instance.Provider
		s.InstanceID = r.Instance.ID
		s.PublicIPv4 = r.Instance.PublicIPv4
	}
	return s
}

// FleetSummary aggregates the whole registry.
type FleetSummary struct {
	TotalAgents   int     `json:"totalAgents"`
	OnlineAgents  int     `json:"onlineAgents"`
	OfflineAgents int     `json:"offlineAgents"`
	TotalActions  int64   `json:"totalActions"`
	TotalSpend    float64 `json:"totalSpend"`
}

// pushAction prepends an entry and truncates to cap.
func pushAction(ring []protocol.ActionLogEntry, entry protocol.ActionLogEntry) []protocol.ActionLogEntry {
	ring = append([]protocol.ActionLogEntry{entry}, ring...)
	if len(ring) > MaxRecentActions {
		ring = ring[:MaxRecentActions]
	}
	return ring
}

func pushError(ring []AgentError, entry AgentError) []AgentError {
	ring = append([]AgentError{entry}, ring...)
	if len(ring) > MaxRecentErrors {
		ring = ring[:MaxRecentErrors]
	}
	return ring
}
