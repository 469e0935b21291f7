// Package fleet maintains the durable registry of deployed workers.
//
// The registry is a single JSON file: {version: 1, updatedAt, agents}. The
// in-memory map is authoritative between saves; a dirty flag plus a 30-second
// background timer bound write amplification, and Close() flushes
// synchronously. Connection state is forced to offline on load — live state
// comes only from the control plane, and workers must re-announce.
//
// Ownership: this package is the only writer of agent records. The control
// plane and the dashboard mutate records exclusively through these methods.
package fleet

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/protocol"
	"github.com/moltagent/moltagent/internal/provider"
)

// FileVersion is the persisted state-file version this package reads.
const FileVersion = 1

// saveInterval is how often the background timer persists a dirty registry.
const saveInterval = 30 * time.Second

// fleetFile is the on-disk document shape.
type fleetFile struct {
	Version   int                     `json:"version"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Agents    map[string]*AgentRecord `json:"agents"`
}

// Manager is the fleet registry.
type Manager struct {
	path string

	mu     sync.RWMutex
	agents map[string]*AgentRecord
	dirty  bool

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewManager loads (or initializes) the registry at path and starts the
// background save timer.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:     path,
		agents:   make(map[string]*AgentRecord),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	m.load()
	go m.saveLoop()
	return m, nil
}

// load hydrates the map from disk. A missing or corrupt file, or an unknown
// version, starts the registry empty. Loaded records are forced offline.
func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fleet().Warn().Err(err).Str("path", m.path).Msg("Failed to read fleet file, starting empty")
		}
		return
	}

	var f fleetFile
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Fleet().Warn().Err(err).Str("path", m.path).Msg("Corrupt fleet file, starting empty")
		return
	}
	if f.Version != FileVersion {
		logger.Fleet().Warn().Int("version", f.Version).Msg("Unknown fleet file version, starting empty")
		return
	}

	for id, rec := range f.Agents {
		if rec == nil || rec.Manifest == nil {
			continue
		}
		// Live state comes from the control plane; workers re-announce.
		rec.Connection = ConnectionOffline
		m.agents[id] = rec
	}
	logger.Fleet().Info().Int("agents", len(m.agents)).Str("path", m.path).Msg("Fleet registry loaded")
}

// saveLoop persists the registry every saveInterval while dirty.
func (m *Manager) saveLoop() {
	defer close(m.doneChan)
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.saveIfDirty()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) saveIfDirty() {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	data, err := m.marshalLocked()
	m.mu.Unlock()

	if err != nil {
		logger.Fleet().Error().Err(err).Msg("Failed to marshal fleet state")
		return
	}
	if err := m.writeFile(data); err != nil {
		logger.Fleet().Error().Err(err).Msg("Failed to persist fleet state")
		// Keep the data dirty so the next tick retries.
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
	}
}

func (m *Manager) marshalLocked() ([]byte, error) {
	return json.MarshalIndent(fleetFile{
		Version:   FileVersion,
		UpdatedAt: time.Now().UTC(),
		Agents:    m.agents,
	}, "", "  ")
}

// writeFile writes atomically via a temp file + rename.
func (m *Manager) writeFile(data []byte) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Close stops the save timer and flushes synchronously.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopChan)
		<-m.doneChan
	})

	m.mu.Lock()
	m.dirty = false
	data, err := m.marshalLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.writeFile(data)
}

// RegisterAgent creates or refreshes a record. Re-registering an existing id
// preserves its counters and ring contents; DeployedAt is set only on first
// registration.
func (m *Manager) RegisterAgent(mf *manifest.Manifest, inst *provider.VpsInstance) *AgentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := mf.Identity.ID
	rec, exists := m.agents[id]
	if !exists {
		rec = &AgentRecord{
			Connection:    ConnectionUnknown,
			DeployedAt:    time.Now().UTC(),
			RecentActions: []protocol.ActionLogEntry{},
			RecentErrors:  []AgentError{},
		}
		m.agents[id] = rec
	}
	rec.Manifest = mf
	if inst != nil {
		rec.Instance = inst
	}
	m.dirty = true

	logger.Fleet().Info().Str("agentId", id).Bool("new", !exists).Msg("Agent registered")
	return rec
}

// UpdateAgentConnection records a connection transition and the peer address.
func (m *Manager) UpdateAgentConnection(agentID string, conn Connection, remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.Connection = conn
	if remoteAddr != "" {
		rec.RemoteAddr = remoteAddr
	}
	m.dirty = true
}

// UpdateHeartbeat stamps the last heartbeat and uptime.
func (m *Manager) UpdateHeartbeat(agentID string, uptimeSec int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.LastHeartbeat = time.Now().UTC()
	rec.UptimeSec = uptimeSec
	m.dirty = true
}

// UpdateAgentStatus stores the latest full status report.
func (m *Manager) UpdateAgentStatus(agentID string, report protocol.StatusReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.LastStatus = &report
	rec.UptimeSec = report.UptimeSec
	m.dirty = true
}

// RecordAction appends an entry newest-first, truncates to capacity, bumps
// totalActions, and accumulates spend from spend-category amounts.
func (m *Manager) RecordAction(agentID string, entry protocol.ActionLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.RecentActions = pushAction(rec.RecentActions, entry)
	rec.TotalActions++
	if entry.Category == protocol.ActionSpend {
		if amount, ok := entry.Details["amount"].(float64); ok {
			rec.TotalSpend += amount
		}
	}
	m.dirty = true
}

// RecordError appends to the recent-errors ring.
func (m *Manager) RecordError(agentID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.RecentErrors = pushError(rec.RecentErrors, AgentError{
		Timestamp: time.Now().UTC(),
		Message:   message,
	})
	m.dirty = true
}

// RemoveAgent deletes a record. Returns false if the id is unknown.
func (m *Manager) RemoveAgent(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return false
	}
	delete(m.agents, agentID)
	m.dirty = true
	logger.Fleet().Info().Str("agentId", agentID).Msg("Agent removed from fleet")
	return true
}

// GetAgent returns a deep copy of the record, or nil.
func (m *Manager) GetAgent(agentID string) *AgentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	return cloneRecord(rec)
}

// ListAgents returns summaries of every record, sorted by agent id.
func (m *Manager) ListAgents() []AgentSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentSummary, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// OnlineAgents returns the ids of records currently marked online.
func (m *Manager) OnlineAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, rec := range m.agents {
		if rec.Connection == ConnectionOnline {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Summary aggregates the registry.
func (m *Manager) Summary() FleetSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := FleetSummary{TotalAgents: len(m.agents)}
	for _, rec := range m.agents {
		if rec.Connection == ConnectionOnline {
			s.OnlineAgents++
		} else {
			s.OfflineAgents++
		}
		s.TotalActions += rec.TotalActions
		s.TotalSpend += rec.TotalSpend
	}
	return s
}

// RecentActions returns a paginated slice of the agent's action log,
// newest first. Returns nil if the agent is unknown.
func (m *Manager) RecentActions(agentID string, limit, offset int) []protocol.ActionLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rec.RecentActions) {
		return []protocol.ActionLogEntry{}
	}
	end := len(rec.RecentActions)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]protocol.ActionLogEntry, end-offset)
	copy(out, rec.RecentActions[offset:end])
	return out
}

// PruneActions drops action entries older than each agent's retention
// window. Returns the number of entries removed.
func (m *Manager) PruneActions(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for _, rec := range m.agents {
		days := rec.Manifest.Retention.ActionLogDays
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days)
		kept := rec.RecentActions[:0]
		for _, entry := range rec.RecentActions {
			ts, err := time.Parse(time.RFC3339, entry.Timestamp)
			if err == nil && ts.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) != len(rec.RecentActions) {
			rec.RecentActions = kept
			m.dirty = true
		}
	}
	if pruned > 0 {
		logger.Fleet().Info().Int("pruned", pruned).Msg("Action-log retention sweep complete")
	}
	return pruned
}

// cloneRecord deep-copies a record through JSON so callers can't mutate the
// registry behind the manager's back.
func cloneRecord(rec *AgentRecord) *AgentRecord {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	var out AgentRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// Path returns the backing file location (used by status output).
func (m *Manager) Path() string { return m.path }
