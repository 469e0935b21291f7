package bridge

import (
	"encoding/json"
	"time"

	"github.com/moltagent/moltagent/internal/apperrors"
	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/metrics"
	"github.com/moltagent/moltagent/internal/protocol"
)

// send marshals a message onto the single-writer channel.
func (b *Bridge) send(message any) error {
	if b.State() != StateConnected {
		return apperrors.ErrNotConnected
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case b.writeChan <- jsonData:
		return nil
	case <-time.After(5 * time.Second):
		return apperrors.ErrSendTimeout
	case <-b.stopChan:
		return apperrors.ErrBridgeClosed
	}
}

// SendStatus reports a full status snapshot.
func (b *Bridge) SendStatus(report protocol.StatusReport) error {
	return b.send(protocol.StatusMessage{
		Type:    protocol.TypeStatus,
		AgentID: b.cfg.AgentID,
		Report:  report,
	})
}

// SendAction reports one action-log entry.
func (b *Bridge) SendAction(entry protocol.ActionLogEntry) error {
	return b.send(protocol.ActionMessage{
		Type:    protocol.TypeAction,
		AgentID: b.cfg.AgentID,
		Entry:   entry,
	})
}

// SendError reports a worker-side error.
func (b *Bridge) SendError(message string) error {
	return b.send(protocol.ErrorMessage{
		Type:    protocol.TypeError,
		AgentID: b.cfg.AgentID,
		Message: message,
	})
}

// RequestApproval sends an approval request and blocks until the control
// plane responds or the timeout fires. A timeout resolves to deny.
func (b *Bridge) RequestApproval(req protocol.ApprovalRequest) Decision {
	respChan := make(chan protocol.ApprovalResponseMessage, 1)

	b.pmu.Lock()
	b.pendingApprovals[req.ID] = respChan
	b.pmu.Unlock()

	defer func() {
		b.pmu.Lock()
		delete(b.pendingApprovals, req.ID)
		b.pmu.Unlock()
	}()

	err := b.send(protocol.ApprovalRequestMessage{
		Type:    protocol.TypeApprovalRequest,
		AgentID: b.cfg.AgentID,
		Request: req,
	})
	if err != nil {
		logger.Bridge().Warn().Err(err).Str("requestId", req.ID).Msg("Failed to send approval request")
		return Decision{Approved: false, Reason: "not connected"}
	}

	select {
	case resp := <-respChan:
		return Decision{Approved: resp.Approved, Reason: resp.Reason}
	case <-time.After(b.cfg.ApprovalTimeout):
		logger.Bridge().Warn().Str("requestId", req.ID).Msg("Approval timed out, denying")
		return Decision{Approved: false, Reason: "timed out", TimedOut: true}
	}
}

// handleFrame processes one inbound frame. Malformed and unknown frames are
// dropped silently: the wire is untrusted against bugs, not against
// adversaries beyond the auth boundary.
func (b *Bridge) handleFrame(frame []byte) {
	msgType := protocol.PeekType(frame)
	if msgType == "" {
		return
	}
	metrics.MessagesTotal.WithLabelValues(msgType, "inbound").Inc()

	switch msgType {
	case protocol.TypeApprovalResponse:
		var msg protocol.ApprovalResponseMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		b.resolveApproval(msg)

	case protocol.TypeUpdateConfig:
		var msg protocol.UpdateConfigMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		if b.cfg.Handlers.OnUpdateConfig != nil {
			b.cfg.Handlers.OnUpdateConfig(msg.Config)
		}

	case protocol.TypeUpdateGoals:
		var msg protocol.UpdateGoalsMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		if b.cfg.Handlers.OnUpdateGoals != nil {
			raw, _ := json.Marshal(msg.Goals)
			b.cfg.Handlers.OnUpdateGoals(raw)
		}

	case protocol.TypeInjectKnowledge:
		var msg protocol.InjectKnowledgeMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		if b.cfg.Handlers.OnInjectKnowledge != nil {
			raw, _ := json.Marshal(msg.Documents)
			b.cfg.Handlers.OnInjectKnowledge(raw)
		}

	case protocol.TypeSendMessage:
		var msg protocol.SendMessageMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return
		}
		if b.cfg.Handlers.OnSendMessage != nil {
			b.cfg.Handlers.OnSendMessage(msg.Content, msg.Channel)
		}

	case protocol.TypeRestart:
		logger.Bridge().Info().Str("agentId", b.cfg.AgentID).Msg("Restart command received, exiting for supervisor restart")
		b.cfg.Exit(0)

	case protocol.TypeShutdown:
		logger.Bridge().Info().Str("agentId", b.cfg.AgentID).Msg("Shutdown command received, exiting")
		b.cfg.Exit(0)

	case protocol.TypePing:
		logger.Bridge().Debug().Msg("Ping received")

	default:
		logger.Bridge().Debug().Str("type", msgType).Msg("Unknown message type dropped")
	}
}

// resolveApproval routes a response to its waiting requester. Responses for
// unknown ids are dropped without crashing.
func (b *Bridge) resolveApproval(msg protocol.ApprovalResponseMessage) {
	b.pmu.Lock()
	respChan, ok := b.pendingApprovals[msg.RequestID]
	b.pmu.Unlock()

	if !ok {
		logger.Bridge().Debug().Str("requestId", msg.RequestID).Msg("Approval response for unknown request dropped")
		return
	}

	select {
	case respChan <- msg:
	default:
		// Requester already resolved (timeout race); drop.
	}
}
