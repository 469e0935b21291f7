// Tests for the approval queue, history, and expiry.
//
// Test Coverage:
// - AddRequest: pending state, OnNewApproval callback
// - Resolve: approve/deny, callbacks, double-resolve, unknown id
// - Expiry: stale entries expire, terminal states never transition again
// - History: bounded at 1000, newest first
// - Summary: today's counts and approved spend
package approval

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/internal/protocol"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	t.Cleanup(m.Close)
	return m
}

func spendRequest(id string, amount float64, expiresAt time.Time) protocol.ApprovalRequest {
	return protocol.ApprovalRequest{
		ID:          id,
		Category:    protocol.ApprovalSpend,
		Description: "purchase",
		Amount:      &amount,
		Currency:    "USD",
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}
}

func TestAddRequest_PendingAndCallback(t *testing.T) {
	m := newTestManager(t)

	var notified *PendingApproval
	m.SetOnNewApproval(func(p *PendingApproval) { notified = p })

	entry := m.AddRequest("agent-1", spendRequest("R1", 12.50, time.Now().Add(time.Minute)))
	assert.Equal(t, StatePending, entry.State)
	assert.Equal(t, "agent-1", entry.AgentID)
	require.NotNil(t, notified)
	assert.Equal(t, "R1", notified.ID)

	pending := m.Pending("")
	require.Len(t, pending, 1)
	assert.Equal(t, "R1", pending[0].ID)
}

func TestResolve_ApproveMovesToHistory(t *testing.T) {
	m := newTestManager(t)

	var resolved *PendingApproval
	m.SetOnResolved(func(p *PendingApproval) { resolved = p })

	m.AddRequest("agent-1", spendRequest("R1", 5, time.Now().Add(time.Minute)))
	entry := m.Resolve("R1", true, "op", "looks fine")

	require.NotNil(t, entry)
	assert.Equal(t, StateApproved, entry.State)
	assert.Equal(t, "op", entry.RespondedBy)
	assert.NotNil(t, entry.RespondedAt)

	require.NotNil(t, resolved)
	assert.Equal(t, "R1", resolved.ID)

	assert.Empty(t, m.Pending(""), "resolved entries leave the queue")
	history := m.History(10, 0)
	require.Len(t, history, 1)
	assert.Equal(t, StateApproved, history[0].State)
}

func TestResolve_DoubleResolveReturnsNil(t *testing.T) {
	m := newTestManager(t)
	m.AddRequest("agent-1", spendRequest("R1", 5, time.Now().Add(time.Minute)))

	require.NotNil(t, m.Resolve("R1", false, "op", ""))
	assert.Nil(t, m.Resolve("R1", true, "op2", ""), "terminal states never transition")
	assert.Nil(t, m.Resolve("missing", true, "op", ""))
}

func TestExpireStale(t *testing.T) {
	m := newTestManager(t)

	var resolvedIDs []string
	m.SetOnResolved(func(p *PendingApproval) { resolvedIDs = append(resolvedIDs, p.ID) })

	base := time.Now().UTC()
	m.setNow(func() time.Time { return base })

	m.AddRequest("agent-1", spendRequest("R-soon", 1, base.Add(time.Second)))
	m.AddRequest("agent-1", spendRequest("R-later", 1, base.Add(time.Hour)))

	// Nothing stale yet.
	assert.Empty(t, m.ExpireStale())

	// Advance past the first deadline.
	m.setNow(func() time.Time { return base.Add(2 * time.Second) })
	expired := m.ExpireStale()
	require.Len(t, expired, 1)
	assert.Equal(t, "R-soon", expired[0].ID)
	assert.Equal(t, StateExpired, expired[0].State)
	assert.Equal(t, []string{"R-soon"}, resolvedIDs)

	pending := m.Pending("")
	require.Len(t, pending, 1)
	assert.Equal(t, "R-later", pending[0].ID)

	// An expired entry cannot be resolved afterwards.
	assert.Nil(t, m.Resolve("R-soon", true, "op", ""))
}

func TestPending_FilterByAgent(t *testing.T) {
	m := newTestManager(t)
	m.AddRequest("agent-1", spendRequest("R1", 1, time.Now().Add(time.Hour)))
	m.AddRequest("agent-2", spendRequest("R2", 1, time.Now().Add(time.Hour)))

	assert.Len(t, m.Pending(""), 2)
	only := m.Pending("agent-2")
	require.Len(t, only, 1)
	assert.Equal(t, "R2", only[0].ID)
}

func TestHistory_BoundedNewestFirst(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < MaxHistory+20; i++ {
		id := fmt.Sprintf("R%d", i)
		m.AddRequest("agent-1", spendRequest(id, 1, time.Now().Add(time.Hour)))
		m.Resolve(id, i%2 == 0, "op", "")
	}

	history := m.History(0, 0)
	assert.Len(t, history, MaxHistory)
	assert.Equal(t, fmt.Sprintf("R%d", MaxHistory+19), history[0].ID, "newest first")

	page := m.History(10, 5)
	require.Len(t, page, 10)
	assert.Equal(t, fmt.Sprintf("R%d", MaxHistory+14), page[0].ID)
}

func TestGetSummary(t *testing.T) {
	m := newTestManager(t)

	m.AddRequest("agent-1", spendRequest("R1", 10, time.Now().Add(time.Hour)))
	m.Resolve("R1", true, "op", "")

	m.AddRequest("agent-1", spendRequest("R2", 3, time.Now().Add(time.Hour)))
	m.Resolve("R2", false, "op", "too much")

	m.AddRequest("agent-1", spendRequest("R3", 1, time.Now().Add(time.Hour)))

	s := m.GetSummary()
	assert.Equal(t, 1, s.PendingCount)
	assert.Equal(t, 1, s.ApprovedToday)
	assert.Equal(t, 1, s.DeniedToday)
	assert.Equal(t, 0, s.ExpiredToday)
	assert.Equal(t, 10.0, s.ApprovedSpend)
}

func TestAddRequest_DefaultExpiry(t *testing.T) {
	m := newTestManager(t)

	entry := m.AddRequest("agent-1", protocol.ApprovalRequest{
		ID:          "R1",
		Category:    protocol.ApprovalAccess,
		Description: "ssh access",
	})
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), entry.ExpiresAt, 5*time.Second)
}
