// Package orchestrator wires the control-plane components together and owns
// their lifecycle: provider registry, provisioner, fleet manager, approval
// manager, session server, dashboard, metrics, and the retention schedule.
//
// Cyclic references are broken here: the approval manager never sees the
// server; the orchestrator binds OnResolved to the server's approval-response
// relay after construction.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/moltagent/moltagent/internal/approval"
	"github.com/moltagent/moltagent/internal/fleet"
	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/metrics"
	"github.com/moltagent/moltagent/internal/provider"
	"github.com/moltagent/moltagent/internal/provider/dockerlocal"
	"github.com/moltagent/moltagent/internal/provider/hetzner"
	"github.com/moltagent/moltagent/internal/provisioner"
	"github.com/moltagent/moltagent/internal/server"
)

// Config is the orchestrator's environment-derived configuration.
type Config struct {
	// DataDir holds the fleet state file.
	DataDir string

	// Port is the HTTP/WebSocket listen port.
	Port int

	// Token is the shared bearer token for workers and operators.
	Token string

	// DefaultProvider is used when a manifest carries no override.
	DefaultProvider string

	// HetznerToken activates the cloud backend when non-empty.
	HetznerToken string
}

// Orchestrator is the assembled control plane.
type Orchestrator struct {
	cfg Config

	Registry    *provider.Registry
	Provisioner *provisioner.Provisioner
	Fleet       *fleet.Manager
	Approvals   *approval.Manager
	Server      *server.Server

	router     *gin.Engine
	httpServer *http.Server
	cron       *cron.Cron
}

// New assembles the control plane. Backends that cannot initialize (no
// Docker daemon, no cloud token) are skipped with a log line rather than
// failing startup.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Port == 0 {
		cfg.Port = 18790
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	registry := provider.NewRegistry()
	if backend, err := dockerlocal.New(); err != nil {
		logger.Log.Warn().Err(err).Msg("Docker backend unavailable, skipping")
	} else {
		registry.Register(backend)
	}
	if cfg.HetznerToken != "" {
		registry.Register(hetzner.New(cfg.HetznerToken))
	}
	if len(registry.Names()) == 0 {
		logger.Log.Warn().Msg("No VPS providers available; provisioning is disabled")
	}

	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = dockerlocal.ProviderName
	}

	fleetMgr, err := fleet.NewManager(filepath.Join(cfg.DataDir, "fleet.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fleet registry: %w", err)
	}

	approvals := approval.NewManager()
	cpServer := server.NewServer(fleetMgr, approvals, cfg.Token)
	prov := provisioner.New(registry, cfg.DefaultProvider)

	// Rebuild the live-instance index from the loaded fleet so destroy and
	// status keep working across restarts.
	for _, summary := range fleetMgr.ListAgents() {
		if rec := fleetMgr.GetAgent(summary.AgentID); rec != nil && rec.Instance != nil {
			prov.Restore(summary.AgentID, rec.Instance)
		}
	}

	// Break the approval<->server cycle: the manager calls back into the
	// relay the orchestrator binds here.
	approvals.SetOnResolved(func(entry *approval.PendingApproval) {
		reason := entry.Reason
		if entry.State == approval.StateExpired && reason == "" {
			reason = "expired"
		}
		delivered := cpServer.SendApprovalResponse(entry.AgentID, entry.ID, entry.State == approval.StateApproved, reason)
		if !delivered {
			logger.Approvals().Warn().
				Str("id", entry.ID).
				Str("agentId", entry.AgentID).
				Msg("Worker offline, approval response not delivered")
		}
	})
	approvals.SetOnNewApproval(func(entry *approval.PendingApproval) {
		logger.Approvals().Info().
			Str("id", entry.ID).
			Str("agentId", entry.AgentID).
			Str("description", entry.Description).
			Msg("New approval waiting for an operator")
	})

	o := &Orchestrator{
		cfg:         cfg,
		Registry:    registry,
		Provisioner: prov,
		Fleet:       fleetMgr,
		Approvals:   approvals,
		Server:      cpServer,
	}
	o.buildRouter()

	// Daily action-log retention sweep.
	o.cron = cron.New()
	o.cron.AddFunc("@daily", func() {
		fleetMgr.PruneActions(time.Now().UTC())
	})
	o.cron.Start()

	return o, nil
}

func (o *Orchestrator) buildRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.GinMiddleware())

	// Unauthenticated liveness + metrics for probes and scrapers.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	dashboard := server.NewDashboard(o.Server, o.Fleet, o.Approvals, o.Provisioner)
	dashboard.RegisterRoutes(router, o.cfg.Token)

	o.router = router
}

// Router exposes the HTTP handler (tests mount it on httptest servers).
func (o *Orchestrator) Router() http.Handler { return o.router }

// Run serves HTTP until the context is canceled, then shuts down cleanly.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.cfg.Port),
		Handler: o.router,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Log.Info().Int("port", o.cfg.Port).Msg("Control plane listening")
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		o.Close()
		return err
	case <-ctx.Done():
		o.Close()
		return nil
	}
}

// Close shuts every component down: HTTP listener, worker sessions (1001),
// retention schedule, approval timer, and a final synchronous fleet flush.
func (o *Orchestrator) Close() {
	if o.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		o.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	o.Server.Shutdown()
	if o.cron != nil {
		o.cron.Stop()
	}
	o.Approvals.Close()
	if err := o.Fleet.Close(); err != nil {
		logger.Fleet().Error().Err(err).Msg("Final fleet flush failed")
	}
	logger.Log.Info().Msg("Control plane stopped")
}
