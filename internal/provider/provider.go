// Package provider defines the uniform VPS backend abstraction.
//
// Each backend exposes exactly create/destroy/status/list over its upstream
// API. Create is initiation: a nil error means the provider accepted the
// request and assigned an id (and, where applicable, an IP); it does not
// guarantee the worker is reachable. Failures surface the upstream HTTP
// status and body when available and are never retried inside the provider;
// callers decide policy.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/moltagent/moltagent/internal/manifest"
)

// Labels every backend attaches to instances it owns. List() filters on
// LabelManaged so foreign machines never enter the fleet.
const (
	LabelManaged = "moltagent"
	LabelAgentID = "agent-id"
	LabelOwnerID = "owner-id"
)

// Status is the common lifecycle variant shared by all backends.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// VpsInstance is the provider's view of a provisioned machine.
type VpsInstance struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	Status     Status            `json:"status"`
	PublicIPv4 string            `json:"publicIpv4,omitempty"`
	PublicIPv6 string            `json:"publicIpv6,omitempty"`
	ServerType string            `json:"serverType,omitempty"`
	Region     string            `json:"region,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	AgentID    string            `json:"agentId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CreateRequest is the input to Provider.Create.
type CreateRequest struct {
	Manifest        *manifest.Manifest
	BootstrapScript string
	SSHKeyIDs       []string
}

// Provider is the uniform lifecycle contract over heterogeneous cloud APIs.
type Provider interface {
	// Name returns the registry key for this backend.
	Name() string

	// Create initiates provisioning of a new instance for the manifest.
	Create(ctx context.Context, req CreateRequest) (*VpsInstance, error)

	// Destroy tears down the instance.
	Destroy(ctx context.Context, instanceID string) error

	// Status fetches the instance's current state, mapped into the common
	// variant. Returns nil when the instance no longer exists.
	Status(ctx context.Context, instanceID string) (*VpsInstance, error)

	// List returns all instances tagged as belonging to this system.
	List(ctx context.Context) ([]*VpsInstance, error)
}

// InstanceName derives the provider-side machine name from an agent id.
func InstanceName(agentID string) string {
	id := agentID
	if len(id) > 8 {
		id = id[:8]
	}
	return "moltagent-" + id
}

// InstanceLabels builds the standard label set for an agent's machine.
func InstanceLabels(m *manifest.Manifest) map[string]string {
	labels := map[string]string{
		LabelManaged: "true",
		LabelAgentID: m.Identity.ID,
	}
	if m.Identity.OwnerID != "" {
		labels[LabelOwnerID] = m.Identity.OwnerID
	}
	return labels
}

// Registry maps provider names to implementations. It is owned by the
// orchestrator and injected into the provisioner.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a backend under its name, replacing any previous entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the sorted registry keys, for error messages and the CLI.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownProviderError enumerates the available backends.
func (r *Registry) UnknownProviderError(name string) error {
	return fmt.Errorf("unknown provider %q (available: %v)", name, r.Names())
}
