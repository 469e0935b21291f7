// This file implements the dashboard HTTP surface over the fleet, approval,
// and provisioning components.
//
// API Endpoints (under the /moltagent prefix, shared-bearer gated):
// - GET    /dashboard/overview - Fleet + approvals summary
// - GET    /dashboard/agents - Summary list of every agent record
// - GET    /dashboard/agents/:id - Full record, secrets redacted
// - POST   /dashboard/agents - Validate manifest, provision, register
// - DELETE /dashboard/agents/:id - Shutdown worker, destroy VPS, remove record
// - GET    /dashboard/agents/:id/actions - Paginated action log
// - POST   /dashboard/agents/:id/message - Relay send_message
// - POST   /dashboard/agents/:id/goals - Relay update_goals
// - POST   /dashboard/agents/:id/knowledge - Relay inject_knowledge
// - POST   /dashboard/agents/:id/restart - Relay restart
// - GET    /dashboard/approvals - Pending approvals
// - GET    /dashboard/approvals/history - Resolved + expired history
// - POST   /dashboard/approvals/:id/respond - Resolve + relay response
// - GET    /health - Liveness
package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/moltagent/moltagent/internal/apperrors"
	"github.com/moltagent/moltagent/internal/approval"
	"github.com/moltagent/moltagent/internal/bootstrap"
	"github.com/moltagent/moltagent/internal/fleet"
	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/protocol"
	"github.com/moltagent/moltagent/internal/provisioner"
	"github.com/moltagent/moltagent/internal/validator"
)

// redacted replaces secret values in API responses.
const redacted = "***"

// Dashboard serves the management surface.
type Dashboard struct {
	server      *Server
	fleet       *fleet.Manager
	approvals   *approval.Manager
	provisioner *provisioner.Provisioner
}

// NewDashboard creates the handler set over the given components.
func NewDashboard(srv *Server, fleetMgr *fleet.Manager, approvals *approval.Manager, prov *provisioner.Provisioner) *Dashboard {
	return &Dashboard{
		server:      srv,
		fleet:       fleetMgr,
		approvals:   approvals,
		provisioner: prov,
	}
}

// RegisterRoutes mounts the surface under the /moltagent prefix.
func (d *Dashboard) RegisterRoutes(router *gin.Engine, token string) {
	group := router.Group("/moltagent")
	group.Use(BearerAuth(token))
	{
		group.GET("/dashboard/overview", d.GetOverview)
		group.GET("/dashboard/agents", d.ListAgents)
		group.GET("/dashboard/agents/:id", d.GetAgent)
		group.POST("/dashboard/agents", d.DeployAgent)
		group.DELETE("/dashboard/agents/:id", d.DestroyAgent)
		group.GET("/dashboard/agents/:id/actions", d.GetAgentActions)
		group.POST("/dashboard/agents/:id/message", d.SendMessage)
		group.POST("/dashboard/agents/:id/goals", d.UpdateGoals)
		group.POST("/dashboard/agents/:id/knowledge", d.InjectKnowledge)
		group.POST("/dashboard/agents/:id/restart", d.RestartAgent)
		group.GET("/dashboard/approvals", d.ListApprovals)
		group.GET("/dashboard/approvals/history", d.ApprovalHistory)
		group.POST("/dashboard/approvals/:id/respond", d.RespondApproval)
		group.GET("/health", d.Health)
	}

	// Worker sessions are not behind the header-only middleware: the WS
	// transport accepts the token from the Authorization header or the
	// token query parameter, checked inside HandleConnection.
	router.GET("/moltagent/connect", d.server.HandleConnection)
}

// Health reports liveness.
func (d *Dashboard) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetOverview returns the fleet summary, approvals summary, and online ids.
func (d *Dashboard) GetOverview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fleet":        d.fleet.Summary(),
		"approvals":    d.approvals.GetSummary(),
		"onlineAgents": d.server.Hub().ConnectedIDs(),
	})
}

// ListAgents returns the summary list of every record.
func (d *Dashboard) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": d.fleet.ListAgents()})
}

// GetAgent returns the full record with secrets redacted.
func (d *Dashboard) GetAgent(c *gin.Context) {
	rec := d.fleet.GetAgent(c.Param("id"))
	if rec == nil {
		appErr := apperrors.NotFound("agent")
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	redactRecord(rec)
	c.JSON(http.StatusOK, rec)
}

// DeployAgent validates the manifest, provisions a VPS, and registers the
// fleet record.
func (d *Dashboard) DeployAgent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		appErr := apperrors.BadRequest("unreadable request body")
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	result := manifest.SafeParse(body)
	if !result.OK {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  apperrors.ErrCodeValidationFailed,
			"issues": result.Issues,
		})
		return
	}
	m := result.Manifest

	script, err := bootstrap.Generate(m)
	if err != nil {
		appErr := apperrors.Internal(err)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	inst, err := d.provisioner.Provision(c.Request.Context(), m, script)
	if err != nil {
		logger.HTTP().Error().Err(err).Str("agentId", m.Identity.ID).Msg("Provision failed")
		if appErr, ok := err.(interface {
			ToResponse() apperrors.ErrorResponse
		}); ok {
			resp := appErr.ToResponse()
			c.JSON(http.StatusInternalServerError, resp)
			return
		}
		c.JSON(http.StatusInternalServerError, apperrors.Internal(err).ToResponse())
		return
	}

	d.fleet.RegisterAgent(m, inst)
	c.JSON(http.StatusCreated, gin.H{
		"agentId":  m.Identity.ID,
		"instance": inst,
	})
}

// DestroyAgent shuts the worker down, destroys its VPS, and removes the
// fleet record.
func (d *Dashboard) DestroyAgent(c *gin.Context) {
	agentID := c.Param("id")

	// Best-effort shutdown of the live worker; the instance disappears
	// either way.
	d.server.SendToAgent(agentID, protocol.Lifecycle{Type: protocol.TypeShutdown})

	if err := d.provisioner.Destroy(c.Request.Context(), agentID); err != nil {
		logger.HTTP().Warn().Err(err).Str("agentId", agentID).Msg("Instance destroy failed or not indexed")
	}

	d.fleet.RemoveAgent(agentID)
	c.JSON(http.StatusOK, gin.H{"agentId": agentID, "removed": true})
}

// GetAgentActions returns a paginated slice of the action log.
func (d *Dashboard) GetAgentActions(c *gin.Context) {
	agentID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	actions := d.fleet.RecentActions(agentID, limit, offset)
	if actions == nil {
		appErr := apperrors.NotFound("agent")
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId": agentID,
		"actions": actions,
		"limit":   limit,
		"offset":  offset,
	})
}

// sendMessageRequest is the body of POST /dashboard/agents/:id/message.
type sendMessageRequest struct {
	Content string `json:"content" validate:"required"`
	Channel string `json:"channel"`
}

// SendMessage relays send_message to the worker.
func (d *Dashboard) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	d.relay(c, c.Param("id"), protocol.SendMessageMessage{
		Type:    protocol.TypeSendMessage,
		Content: req.Content,
		Channel: req.Channel,
	})
}

// updateGoalsRequest is the body of POST /dashboard/agents/:id/goals.
type updateGoalsRequest struct {
	Goals []manifest.Goal `json:"goals" validate:"required,dive"`
}

// UpdateGoals relays update_goals to the worker.
func (d *Dashboard) UpdateGoals(c *gin.Context) {
	var req updateGoalsRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	d.relay(c, c.Param("id"), protocol.UpdateGoalsMessage{
		Type:  protocol.TypeUpdateGoals,
		Goals: req.Goals,
	})
}

// injectKnowledgeRequest is the body of POST /dashboard/agents/:id/knowledge.
type injectKnowledgeRequest struct {
	Documents []manifest.InlineDocument `json:"documents" validate:"required"`
}

// InjectKnowledge relays inject_knowledge to the worker.
func (d *Dashboard) InjectKnowledge(c *gin.Context) {
	var req injectKnowledgeRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	d.relay(c, c.Param("id"), protocol.InjectKnowledgeMessage{
		Type:      protocol.TypeInjectKnowledge,
		Documents: req.Documents,
	})
}

// RestartAgent relays restart to the worker.
func (d *Dashboard) RestartAgent(c *gin.Context) {
	d.relay(c, c.Param("id"), protocol.Lifecycle{Type: protocol.TypeRestart})
}

// relay delivers a command to a live session or answers 503 with
// agentOnline:false.
func (d *Dashboard) relay(c *gin.Context, agentID string, message any) {
	if !d.server.SendToAgent(agentID, message) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       apperrors.ErrCodeAgentOffline,
			"agentId":     agentID,
			"agentOnline": false,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": agentID, "delivered": true})
}

// ListApprovals returns pending approvals, optionally filtered by agent.
func (d *Dashboard) ListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"approvals": d.approvals.Pending(c.Query("agentId")),
	})
}

// ApprovalHistory returns the resolved + expired history page.
func (d *Dashboard) ApprovalHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	c.JSON(http.StatusOK, gin.H{
		"history": d.approvals.History(limit, offset),
		"limit":   limit,
		"offset":  offset,
	})
}

// respondApprovalRequest is the body of POST /dashboard/approvals/:id/respond.
type respondApprovalRequest struct {
	Approved    *bool  `json:"approved" validate:"required"`
	Reason      string `json:"reason"`
	RespondedBy string `json:"respondedBy"`
}

// RespondApproval resolves a pending approval and relays the response to the
// originating worker.
func (d *Dashboard) RespondApproval(c *gin.Context) {
	var req respondApprovalRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	respondedBy := req.RespondedBy
	if respondedBy == "" {
		respondedBy = "operator"
	}

	entry := d.approvals.Resolve(c.Param("id"), *req.Approved, respondedBy, req.Reason)
	if entry == nil {
		appErr := apperrors.NotFound("approval")
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	// The OnResolved callback already relayed the response to the worker.
	c.JSON(http.StatusOK, entry)
}

// redactRecord blanks tokens and channel credentials before a record leaves
// the API.
func redactRecord(rec *fleet.AgentRecord) {
	if rec.Manifest == nil {
		return
	}
	if rec.Manifest.ControlPlane.Token != "" {
		rec.Manifest.ControlPlane.Token = redacted
	}
	for i := range rec.Manifest.Channels {
		for key := range rec.Manifest.Channels[i].Credentials {
			rec.Manifest.Channels[i].Credentials[key] = redacted
		}
	}
}
