// Package approval manages human-gated authorization requests.
//
// The live queue and the bounded history are in-memory only: pending entries
// do not survive a process restart (workers re-request after their own
// timeout denies). A background timer expires stale entries every 10
// seconds. State moves only from pending to exactly one of approved, denied
// or expired; resolved entries leave the queue and enter the history.
//
// The control-plane server relays resolutions back to workers through the
// OnResolved callback; the orchestrator wires it after construction so this
// package never references the server.
package approval

import (
	"sort"
	"sync"
	"time"

	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/metrics"
	"github.com/moltagent/moltagent/internal/protocol"
)

// History capacity; newest first.
const MaxHistory = 1000

// expiryInterval is the cadence of the stale-entry sweep.
const expiryInterval = 10 * time.Second

// State is the approval lifecycle variant.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// PendingApproval is one queued (or historical) approval.
type PendingApproval struct {
	ID          string                    `json:"id"`
	AgentID     string                    `json:"agentId"`
	Category    protocol.ApprovalCategory `json:"category"`
	Description string                    `json:"description"`
	Amount      *float64                  `json:"amount,omitempty"`
	Currency    string                    `json:"currency,omitempty"`
	CreatedAt   time.Time                 `json:"createdAt"`
	ExpiresAt   time.Time                 `json:"expiresAt"`
	State       State                     `json:"state"`
	RespondedBy string                    `json:"respondedBy,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
	RespondedAt *time.Time                `json:"respondedAt,omitempty"`
}

// Summary is the queue overview served by the dashboard.
type Summary struct {
	PendingCount  int     `json:"pendingCount"`
	ApprovedToday int     `json:"approvedToday"`
	DeniedToday   int     `json:"deniedToday"`
	ExpiredToday  int     `json:"expiredToday"`
	ApprovedSpend float64 `json:"approvedSpendToday"`
}

// Manager owns the pending queue and the history.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	history []*PendingApproval

	onNewApproval func(*PendingApproval)
	onResolved    func(*PendingApproval)

	now func() time.Time

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewManager creates the manager and starts the expiry timer.
func NewManager() *Manager {
	m := &Manager{
		pending:  make(map[string]*PendingApproval),
		history:  make([]*PendingApproval, 0),
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go m.expiryLoop()
	return m
}

// SetOnNewApproval registers the callback fired when a request is queued.
func (m *Manager) SetOnNewApproval(fn func(*PendingApproval)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNewApproval = fn
}

// SetOnResolved registers the callback fired on every terminal transition,
// including expiry.
func (m *Manager) SetOnResolved(fn func(*PendingApproval)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolved = fn
}

// Close stops the expiry timer. Pending entries are not resolved; they are
// in-memory only and vanish with the process.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopChan)
		<-m.doneChan
	})
}

func (m *Manager) expiryLoop() {
	defer close(m.doneChan)
	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ExpireStale()
		case <-m.stopChan:
			return
		}
	}
}

// AddRequest registers a request from a worker with state pending and fires
// the OnNewApproval callback.
func (m *Manager) AddRequest(agentID string, req protocol.ApprovalRequest) *PendingApproval {
	now := m.now().UTC()

	expiresAt := now.Add(5 * time.Minute)
	if req.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ExpiresAt); err == nil {
			expiresAt = t
		}
	}

	entry := &PendingApproval{
		ID:          req.ID,
		AgentID:     agentID,
		Category:    req.Category,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		State:       StatePending,
	}

	m.mu.Lock()
	m.pending[entry.ID] = entry
	metrics.PendingApprovals.Set(float64(len(m.pending)))
	notify := m.onNewApproval
	m.mu.Unlock()

	logger.Approvals().Info().
		Str("id", entry.ID).
		Str("agentId", agentID).
		Str("category", string(entry.Category)).
		Msg("Approval queued")

	if notify != nil {
		notify(entry)
	}
	return entry
}

// Resolve transitions a pending entry to approved or denied. Returns nil if
// the id is unknown or already resolved.
func (m *Manager) Resolve(id string, approved bool, respondedBy, reason string) *PendingApproval {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if !ok || entry.State != StatePending {
		m.mu.Unlock()
		return nil
	}

	now := m.now().UTC()
	if approved {
		entry.State = StateApproved
	} else {
		entry.State = StateDenied
	}
	entry.RespondedBy = respondedBy
	entry.Reason = reason
	entry.RespondedAt = &now

	delete(m.pending, id)
	m.pushHistoryLocked(entry)
	metrics.PendingApprovals.Set(float64(len(m.pending)))
	notify := m.onResolved
	m.mu.Unlock()

	metrics.ApprovalsTotal.WithLabelValues(string(entry.State)).Inc()
	logger.Approvals().Info().
		Str("id", id).
		Str("state", string(entry.State)).
		Str("respondedBy", respondedBy).
		Msg("Approval resolved")

	if notify != nil {
		notify(entry)
	}
	return entry
}

// ExpireStale marks every pending entry whose deadline has passed as
// expired, moves it to history, and fires OnResolved. Returns the expired
// entries. The background timer calls this every 10 seconds.
func (m *Manager) ExpireStale() []*PendingApproval {
	now := m.now().UTC()

	m.mu.Lock()
	expired := make([]*PendingApproval, 0)
	for id, entry := range m.pending {
		if now.After(entry.ExpiresAt) {
			entry.State = StateExpired
			stamp := now
			entry.RespondedAt = &stamp
			delete(m.pending, id)
			m.pushHistoryLocked(entry)
			expired = append(expired, entry)
		}
	}
	metrics.PendingApprovals.Set(float64(len(m.pending)))
	notify := m.onResolved
	m.mu.Unlock()

	for _, entry := range expired {
		metrics.ApprovalsTotal.WithLabelValues(string(StateExpired)).Inc()
		logger.Approvals().Info().Str("id", entry.ID).Str("agentId", entry.AgentID).Msg("Approval expired")
		if notify != nil {
			notify(entry)
		}
	}
	return expired
}

// pushHistoryLocked prepends to history and truncates to capacity.
func (m *Manager) pushHistoryLocked(entry *PendingApproval) {
	m.history = append([]*PendingApproval{entry}, m.history...)
	if len(m.history) > MaxHistory {
		m.history = m.history[:MaxHistory]
	}
}

// Pending lists queued entries, optionally filtered by agent id, oldest
// first.
func (m *Manager) Pending(agentID string) []*PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*PendingApproval, 0, len(m.pending))
	for _, entry := range m.pending {
		if agentID != "" && entry.AgentID != agentID {
			continue
		}
		copied := *entry
		out = append(out, &copied)
	}
	// Oldest first so operators see the longest-waiting request on top.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns a paginated slice of resolved and expired entries,
// newest first.
func (m *Manager) History(limit, offset int) []*PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.history) {
		return []*PendingApproval{}
	}
	end := len(m.history)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*PendingApproval, 0, end-offset)
	for _, entry := range m.history[offset:end] {
		copied := *entry
		out = append(out, &copied)
	}
	return out
}

// GetSummary aggregates the queue and today's resolutions.
func (m *Manager) GetSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := m.now().UTC().Truncate(24 * time.Hour)
	s := Summary{PendingCount: len(m.pending)}
	for _, entry := range m.history {
		if entry.RespondedAt == nil || entry.RespondedAt.Before(today) {
			continue
		}
		switch entry.State {
		case StateApproved:
			s.ApprovedToday++
			if entry.Amount != nil {
				s.ApprovedSpend += *entry.Amount
			}
		case StateDenied:
			s.DeniedToday++
		case StateExpired:
			s.ExpiredToday++
		}
	}
	return s
}

// setNow overrides the clock (tests only).
func (m *Manager) setNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}
