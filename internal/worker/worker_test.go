// Tests for the worker runtime's spend gate and command handlers.
package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/protocol"
)

func newTestWorker(t *testing.T, raw string) *Worker {
	t.Helper()
	m, err := manifest.Parse([]byte(raw))
	require.NoError(t, err)
	w, err := New(m)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func TestAuthorizeSpend_UnderCapsPassesWithoutApproval(t *testing.T) {
	w := newTestWorker(t, `{
		"identity": {"name": "a1"},
		"financialControls": {"maxPerTransaction": 20, "maxPerDay": 100}
	}`)

	d := w.AuthorizeSpend(5, "coffee api credits")
	assert.True(t, d.Approved)
	assert.False(t, d.TimedOut)
}

func TestAuthorizeSpend_OverTransactionCapNeedsApproval(t *testing.T) {
	w := newTestWorker(t, `{
		"identity": {"name": "a1"},
		"financialControls": {"maxPerTransaction": 20}
	}`)

	// The bridge is not connected, so the request cannot be sent and the
	// gate falls back to deny.
	d := w.AuthorizeSpend(25, "big purchase")
	assert.False(t, d.Approved)
}

func TestAuthorizeSpend_RequireApprovalForAll(t *testing.T) {
	w := newTestWorker(t, `{
		"identity": {"name": "a1"},
		"financialControls": {"requireApprovalForAll": true}
	}`)

	d := w.AuthorizeSpend(0.01, "anything at all")
	assert.False(t, d.Approved, "every spend gates on approval")
}

func TestAuthorizeSpend_DailyCapCountsAccumulatedSpend(t *testing.T) {
	w := newTestWorker(t, `{
		"identity": {"name": "a1"},
		"financialControls": {"maxPerDay": 10}
	}`)

	w.RecordAction(protocol.ActionSpend, "first", map[string]any{"amount": 8.0})

	assert.True(t, w.AuthorizeSpend(1, "still under").Approved)
	assert.False(t, w.AuthorizeSpend(5, "would break the day cap").Approved)
}

func TestApplyGoals(t *testing.T) {
	w := newTestWorker(t, `{"identity": {"name": "a1"}}`)

	goals := []manifest.Goal{{Description: "ship", Priority: 1}}
	raw, _ := json.Marshal(goals)
	w.applyGoals(raw)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.manifest.Goals, 1)
	assert.Equal(t, "ship", w.manifest.Goals[0].Description)
}

func TestInjectKnowledge_Appends(t *testing.T) {
	w := newTestWorker(t, `{"identity": {"name": "a1"}, "knowledge": {"documents": [{"title": "seed", "content": "x"}]}}`)

	docs := []manifest.InlineDocument{{Title: "new", Content: "y"}}
	raw, _ := json.Marshal(docs)
	w.injectKnowledge(raw)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.manifest.Knowledge.Documents, 2)
	assert.Equal(t, "new", w.manifest.Knowledge.Documents[1].Title)
}

func TestMalformedCommandPayloadsIgnored(t *testing.T) {
	w := newTestWorker(t, `{"identity": {"name": "a1"}}`)

	w.applyGoals([]byte("not json"))
	w.injectKnowledge([]byte("{broken"))
	w.applyConfigUpdate([]byte("nope"))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.manifest.Goals)
}

func TestStatusReportCountsChannels(t *testing.T) {
	w := newTestWorker(t, `{
		"identity": {"name": "a1"},
		"channels": [
			{"type": "slack", "enabled": true},
			{"type": "email", "enabled": false}
		]
	}`)

	report := w.statusReport()
	assert.Equal(t, []string{"slack"}, report.ConnectedChannels)
	assert.Equal(t, protocol.WorkerStarting, report.State, "not connected yet")
}
