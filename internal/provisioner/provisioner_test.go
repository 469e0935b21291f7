// Tests for the provisioner's lifecycle orchestration and instance index.
//
// Test Coverage:
// - Provision: default provider, manifest override, unknown provider
// - Destroy: success, missing agent, double destroy
// - GetStatus: live status, fallback when the provider fails
// - ListInstances: index snapshot only
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/internal/apperrors"
	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/provider"
)

// fakeBackend records calls and serves canned answers.
type fakeBackend struct {
	name        string
	createCalls int
	destroyed   []string
	statusErr   error
	status      *provider.VpsInstance
	createErr   error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Create(ctx context.Context, req provider.CreateRequest) (*provider.VpsInstance, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &provider.VpsInstance{
		ID:       fmt.Sprintf("inst-%d", f.createCalls),
		Provider: f.name,
		Status:   provider.StatusCreating,
		AgentID:  req.Manifest.Identity.ID,
	}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, id string) error {
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeBackend) Status(ctx context.Context, id string) (*provider.VpsInstance, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeBackend) List(ctx context.Context) ([]*provider.VpsInstance, error) { return nil, nil }

func testSetup(t *testing.T) (*Provisioner, *fakeBackend, *fakeBackend, *manifest.Manifest) {
	t.Helper()
	def := &fakeBackend{name: "docker-local"}
	cloud := &fakeBackend{name: "hetzner"}

	registry := provider.NewRegistry()
	registry.Register(def)
	registry.Register(cloud)

	m, err := manifest.Parse([]byte(`{"identity": {"name": "a1"}}`))
	require.NoError(t, err)

	return New(registry, "docker-local"), def, cloud, m
}

func TestProvision_UsesDefaultProvider(t *testing.T) {
	p, def, cloud, m := testSetup(t)

	inst, err := p.Provision(context.Background(), m, "script")
	require.NoError(t, err)
	assert.Equal(t, 1, def.createCalls)
	assert.Equal(t, 0, cloud.createCalls)
	assert.Equal(t, m.Identity.ID, inst.AgentID)

	instances := p.ListInstances()
	require.Len(t, instances, 1)
	assert.Equal(t, inst.ID, instances[0].ID)
}

func TestProvision_ManifestOverrideWins(t *testing.T) {
	p, def, cloud, m := testSetup(t)
	m.Resources.Provider = "hetzner"

	_, err := p.Provision(context.Background(), m, "script")
	require.NoError(t, err)
	assert.Equal(t, 0, def.createCalls)
	assert.Equal(t, 1, cloud.createCalls)
}

func TestProvision_UnknownProviderEnumerates(t *testing.T) {
	p, _, _, m := testSetup(t)
	m.Resources.Provider = "aws"

	_, err := p.Provision(context.Background(), m, "script")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws")
	assert.Contains(t, err.Error(), "docker-local")
	assert.Contains(t, err.Error(), "hetzner")
	assert.Empty(t, p.ListInstances())
}

func TestProvision_CreateErrorNotIndexed(t *testing.T) {
	p, def, _, m := testSetup(t)
	def.createErr = errors.New("quota exceeded")

	_, err := p.Provision(context.Background(), m, "script")
	require.Error(t, err)
	assert.Empty(t, p.ListInstances())
}

func TestDestroy(t *testing.T) {
	p, def, _, m := testSetup(t)
	inst, err := p.Provision(context.Background(), m, "script")
	require.NoError(t, err)

	require.NoError(t, p.Destroy(context.Background(), m.Identity.ID))
	assert.Equal(t, []string{inst.ID}, def.destroyed)
	assert.Empty(t, p.ListInstances())

	// Second destroy reports not found.
	err = p.Destroy(context.Background(), m.Identity.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInstanceNotFound)
}

func TestDestroy_UnknownAgent(t *testing.T) {
	p, _, _, _ := testSetup(t)
	err := p.Destroy(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrInstanceNotFound)
}

func TestGetStatus_LiveAndFallback(t *testing.T) {
	p, def, _, m := testSetup(t)
	created, err := p.Provision(context.Background(), m, "script")
	require.NoError(t, err)

	// Live path: provider answers with a fresher state.
	def.status = &provider.VpsInstance{ID: created.ID, Provider: def.name, Status: provider.StatusRunning, AgentID: m.Identity.ID}
	live, err := p.GetStatus(context.Background(), m.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, live.Status)

	// Fallback path: provider unreachable, last-known value returned.
	def.statusErr = errors.New("connection refused")
	fallback, err := p.GetStatus(context.Background(), m.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, fallback.Status)
}

func TestGetStatus_UnknownAgent(t *testing.T) {
	p, _, _, _ := testSetup(t)
	_, err := p.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrInstanceNotFound)
}

func TestRestore(t *testing.T) {
	p, _, _, _ := testSetup(t)
	p.Restore("agent-9", &provider.VpsInstance{ID: "inst-9", Provider: "docker-local"})
	require.Len(t, p.ListInstances(), 1)

	p.Restore("agent-9", nil) // nil is a no-op
	require.Len(t, p.ListInstances(), 1)
}
