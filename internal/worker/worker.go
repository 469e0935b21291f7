// Package worker runs the on-node side of a deployed agent: it owns the
// bridge to the control plane, reports status on the manifest cadence, logs
// actions, and gates spending through the approval flow.
//
// The reasoning runtime (LLM calls, tools, skills) is an external
// collaborator: it drives this package through RecordAction, AuthorizeSpend
// and the SendFunc hook, and receives operator commands through the bridge
// handlers wired here.
package worker

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltagent/moltagent/internal/bridge"
	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/protocol"
)

// SendFunc delivers an operator-relayed message through a worker channel.
type SendFunc func(content, channel string)

// Worker is the worker-mode runtime.
type Worker struct {
	mu       sync.Mutex
	manifest *manifest.Manifest

	bridge    *bridge.Bridge
	startedAt time.Time

	// Daily counters reset at UTC midnight.
	dayStart     time.Time
	actionsToday int64
	spendToday   float64

	sendFunc SendFunc

	stopChan  chan struct{}
	closeOnce sync.Once
}

// New creates a worker around the manifest and wires the bridge handlers.
func New(m *manifest.Manifest) (*Worker, error) {
	w := &Worker{
		manifest:  m,
		startedAt: time.Now(),
		dayStart:  time.Now().UTC().Truncate(24 * time.Hour),
		stopChan:  make(chan struct{}),
	}

	b, err := bridge.New(bridge.Config{
		AgentID:           m.Identity.ID,
		URL:               m.ControlPlane.URL,
		Token:             m.ControlPlane.Token,
		HeartbeatInterval: time.Duration(m.ControlPlane.HeartbeatIntervalSec) * time.Second,
		Handlers: bridge.Handlers{
			OnUpdateConfig:    w.applyConfigUpdate,
			OnUpdateGoals:     w.applyGoals,
			OnInjectKnowledge: w.injectKnowledge,
			OnSendMessage:     w.relayMessage,
		},
	})
	if err != nil {
		return nil, err
	}
	w.bridge = b
	return w, nil
}

// SetSendFunc installs the channel-send hook used for send_message commands.
func (w *Worker) SetSendFunc(fn SendFunc) {
	w.mu.Lock()
	w.sendFunc = fn
	w.mu.Unlock()
}

// Bridge exposes the underlying session (status output, tests).
func (w *Worker) Bridge() *bridge.Bridge { return w.bridge }

// Run starts the bridge and the status-report loop. Blocks until Close.
func (w *Worker) Run() {
	logger.Worker().Info().
		Str("agentId", w.manifest.Identity.ID).
		Str("name", w.manifest.Identity.Name).
		Msg("Worker starting")

	go w.bridge.Run()

	interval := time.Duration(w.manifest.ControlPlane.StatusReportIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.bridge.SendStatus(w.statusReport()); err != nil {
				logger.Worker().Debug().Err(err).Msg("Failed to send status report")
			}
		case <-w.stopChan:
			return
		}
	}
}

// Close stops the status loop and the bridge.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.stopChan)
		w.bridge.Close()
	})
}

// statusReport snapshots the worker.
func (w *Worker) statusReport() protocol.StatusReport {
	w.mu.Lock()
	w.rollDayLocked()
	actions := w.actionsToday
	spend := w.spendToday
	channels := make([]string, 0, len(w.manifest.Channels))
	for _, ch := range w.manifest.Channels {
		if ch.Enabled {
			channels = append(channels, ch.Type)
		}
	}
	w.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	state := protocol.WorkerIdle
	if w.bridge.State() != bridge.StateConnected {
		state = protocol.WorkerStarting
	}

	return protocol.StatusReport{
		State:             state,
		ConnectedChannels: channels,
		UptimeSec:         int64(time.Since(w.startedAt).Seconds()),
		MemoryMB:          float64(memStats.Alloc) / (1024 * 1024),
		ActionsToday:      actions,
		SpendToday:        spend,
	}
}

// rollDayLocked resets the daily counters at UTC midnight.
func (w *Worker) rollDayLocked() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(w.dayStart) {
		w.dayStart = today
		w.actionsToday = 0
		w.spendToday = 0
	}
}

// RecordAction logs one unit of work to the control plane and updates the
// daily counters.
func (w *Worker) RecordAction(category protocol.ActionCategory, summary string, details map[string]any) {
	entry := protocol.ActionLogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Category:  category,
		Summary:   summary,
		Details:   details,
	}

	w.mu.Lock()
	w.rollDayLocked()
	w.actionsToday++
	if category == protocol.ActionSpend && details != nil {
		if amount, ok := details["amount"].(float64); ok {
			w.spendToday += amount
		}
	}
	w.mu.Unlock()

	if err := w.bridge.SendAction(entry); err != nil {
		logger.Worker().Debug().Err(err).Str("category", string(category)).Msg("Failed to report action")
	}
}

// AuthorizeSpend gates a spend against the manifest's financial controls.
// Amounts inside the per-transaction and per-day caps pass without an
// approval round-trip; anything over either cap (or any spend when
// requireApprovalForAll is set) blocks on a human decision, denying on
// timeout. The monthly cap is not checked here.
func (w *Worker) AuthorizeSpend(amount float64, description string) bridge.Decision {
	w.mu.Lock()
	w.rollDayLocked()
	fc := w.manifest.FinancialControls
	spendToday := w.spendToday
	w.mu.Unlock()

	needsApproval := fc.RequireApprovalForAll ||
		(fc.MaxPerTransaction > 0 && amount > fc.MaxPerTransaction) ||
		(fc.MaxPerDay > 0 && spendToday+amount > fc.MaxPerDay)

	if !needsApproval {
		return bridge.Decision{Approved: true}
	}

	req := protocol.ApprovalRequest{
		ID:          uuid.NewString(),
		Category:    protocol.ApprovalSpend,
		Description: description,
		Amount:      &amount,
		Currency:    "USD",
		ExpiresAt:   time.Now().UTC().Add(5 * time.Minute).Format(time.RFC3339),
	}
	logger.Worker().Info().
		Str("requestId", req.ID).
		Float64("amount", amount).
		Msg("Spend requires approval, waiting for operator")
	return w.bridge.RequestApproval(req)
}

// applyConfigUpdate merges a partial manifest into the in-memory copy. The
// manifest file written at bootstrap stays authoritative across restarts.
func (w *Worker) applyConfigUpdate(raw []byte) {
	w.mu.Lock()
	if err := json.Unmarshal(raw, w.manifest); err != nil {
		w.mu.Unlock()
		logger.Worker().Warn().Err(err).Msg("Ignoring malformed config update")
		return
	}
	w.mu.Unlock()

	w.RecordAction(protocol.ActionOther, "Applied config update from operator", nil)
}

// applyGoals replaces the in-memory goal list.
func (w *Worker) applyGoals(raw []byte) {
	var goals []manifest.Goal
	if err := json.Unmarshal(raw, &goals); err != nil {
		logger.Worker().Warn().Err(err).Msg("Ignoring malformed goals update")
		return
	}

	w.mu.Lock()
	w.manifest.Goals = goals
	w.mu.Unlock()

	w.RecordAction(protocol.ActionOther, fmt.Sprintf("Goals updated by operator (%d goals)", len(goals)), nil)
}

// injectKnowledge appends documents to the in-memory knowledge base.
func (w *Worker) injectKnowledge(raw []byte) {
	var docs []manifest.InlineDocument
	if err := json.Unmarshal(raw, &docs); err != nil {
		logger.Worker().Warn().Err(err).Msg("Ignoring malformed knowledge injection")
		return
	}

	w.mu.Lock()
	w.manifest.Knowledge.Documents = append(w.manifest.Knowledge.Documents, docs...)
	w.mu.Unlock()

	w.RecordAction(protocol.ActionOther, fmt.Sprintf("Knowledge injected by operator (%d documents)", len(docs)), nil)
}

// relayMessage hands an operator message to the embedding runtime's channel
// hook, if one is installed.
func (w *Worker) relayMessage(content, channel string) {
	w.mu.Lock()
	fn := w.sendFunc
	w.mu.Unlock()

	if fn == nil {
		logger.Worker().Info().Str("channel", channel).Msg("No channel hook installed, message logged only")
	} else {
		fn(content, channel)
	}
	w.RecordAction(protocol.ActionMessage, "Relayed operator message", map[string]any{"channel": channel})
}
