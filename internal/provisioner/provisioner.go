// Package provisioner orchestrates VPS lifecycle over the provider registry
// and owns the live-instance index keyed by agent id.
package provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/moltagent/moltagent/internal/apperrors"
	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/metrics"
	"github.com/moltagent/moltagent/internal/provider"
)

// Provisioner creates and destroys worker instances. The instance index is
// mutated only here; everyone else reads through its methods.
type Provisioner struct {
	registry        *provider.Registry
	defaultProvider string

	mu        sync.RWMutex
	instances map[string]*provider.VpsInstance // agent id -> instance
}

// New creates a provisioner over the given registry.
func New(registry *provider.Registry, defaultProvider string) *Provisioner {
	return &Provisioner{
		registry:        registry,
		defaultProvider: defaultProvider,
		instances:       make(map[string]*provider.VpsInstance),
	}
}

// Provision creates an instance for the manifest using its provider override
// or the default backend, and indexes the result by agent id.
func (p *Provisioner) Provision(ctx context.Context, m *manifest.Manifest, bootstrapScript string) (*provider.VpsInstance, error) {
	name := m.Resources.Provider
	if name == "" {
		name = p.defaultProvider
	}

	backend, ok := p.registry.Get(name)
	if !ok {
		return nil, p.registry.UnknownProviderError(name)
	}

	inst, err := backend.Create(ctx, provider.CreateRequest{
		Manifest:        m,
		BootstrapScript: bootstrapScript,
	})
	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	metrics.ProvisionsTotal.WithLabelValues(name, "ok").Inc()

	p.mu.Lock()
	p.instances[m.Identity.ID] = inst
	p.mu.Unlock()

	logger.Provisioner().Info().
		Str("agentId", m.Identity.ID).
		Str("provider", name).
		Str("instanceId", inst.ID).
		Msg("Instance provisioned")
	return inst, nil
}

// Destroy tears down the indexed instance for the agent.
func (p *Provisioner) Destroy(ctx context.Context, agentID string) error {
	p.mu.RLock()
	inst, ok := p.instances[agentID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, agentID)
	}

	backend, ok := p.registry.Get(inst.Provider)
	if !ok {
		return p.registry.UnknownProviderError(inst.Provider)
	}
	if err := backend.Destroy(ctx, inst.ID); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.instances, agentID)
	p.mu.Unlock()

	logger.Provisioner().Info().Str("agentId", agentID).Str("instanceId", inst.ID).Msg("Instance destroyed")
	return nil
}

// GetStatus returns the provider's live status for the agent's instance,
// falling back to the last-known value if the provider is unreachable.
func (p *Provisioner) GetStatus(ctx context.Context, agentID string) (*provider.VpsInstance, error) {
	p.mu.RLock()
	inst, ok := p.instances[agentID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, agentID)
	}

	backend, ok := p.registry.Get(inst.Provider)
	if !ok {
		return inst, nil
	}

	live, err := backend.Status(ctx, inst.ID)
	if err != nil || live == nil {
		// Provider unreachable or instance already gone upstream; the
		// last-known value is still the best answer we have.
		return inst, nil
	}

	p.mu.Lock()
	p.instances[agentID] = live
	p.mu.Unlock()
	return live, nil
}

// ListInstances snapshots the index without hitting providers.
func (p *Provisioner) ListInstances() []*provider.VpsInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*provider.VpsInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst)
	}
	return out
}

// Restore re-indexes an instance loaded from the fleet file after a restart.
func (p *Provisioner) Restore(agentID string, inst *provider.VpsInstance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	p.instances[agentID] = inst
	p.mu.Unlock()
}
