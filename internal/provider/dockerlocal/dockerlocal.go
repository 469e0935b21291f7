// Package dockerlocal implements the local-container VPS backend on top of
// the host Docker daemon.
//
// Instead of cloud user-data, the manifest travels to the worker through an
// environment variable (base64 JSON). The worker's gateway port is published
// on an ephemeral host port and the "public" IP is loopback. Containers are
// tagged with the same moltagent labels as cloud instances so List() sees a
// uniform fleet.
package dockerlocal

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/provider"
)

// ProviderName is the registry key for this backend.
const ProviderName = "docker-local"

// GatewayPort is the worker's in-container gateway port.
const GatewayPort = 18789

// Backend is the local Docker provider.
type Backend struct {
	docker client.APIClient
}

// New creates the backend from the environment (DOCKER_HOST etc.) and
// verifies the daemon is reachable.
func New() (*Backend, error) {
	dockerClient, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := dockerClient.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &Backend{docker: dockerClient}, nil
}

// NewWithClient creates the backend around an existing client (tests).
func NewWithClient(c client.APIClient) *Backend {
	return &Backend{docker: c}
}

// Name implements provider.Provider.
func (b *Backend) Name() string { return ProviderName }

// Create implements provider.Provider. The bootstrap script is unused here:
// the container image carries the worker runtime and the manifest arrives
// via environment.
func (b *Backend) Create(ctx context.Context, req provider.CreateRequest) (*provider.VpsInstance, error) {
	m := req.Manifest

	if err := b.pullImage(ctx, m.Resources.DockerImage); err != nil {
		return nil, err
	}

	manifestJSON, err := m.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}

	gatewayPort := nat.Port(fmt.Sprintf("%d/tcp", GatewayPort))
	config := &container.Config{
		Image: m.Resources.DockerImage,
		Env: []string{
			"MOLTAGENT_MANIFEST_B64=" + base64.StdEncoding.EncodeToString(manifestJSON),
			"MOLTAGENT_ID=" + m.Identity.ID,
		},
		Labels:       provider.InstanceLabels(m),
		ExposedPorts: nat.PortSet{gatewayPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		// Ephemeral host port on loopback.
		PortBindings: nat.PortMap{
			gatewayPort: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	name := provider.InstanceName(m.Identity.ID)
	resp, err := b.docker.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := b.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logger.Provisioner().Info().
		Str("agentId", m.Identity.ID).
		Str("containerId", shortID(resp.ID)).
		Str("image", m.Resources.DockerImage).
		Msg("Worker container started")

	inst, err := b.Status(ctx, resp.ID)
	if err != nil || inst == nil {
		// The container was just created; fall back to what we know.
		return &provider.VpsInstance{
			ID:         resp.ID,
			Provider:   ProviderName,
			Status:     provider.StatusCreating,
			PublicIPv4: "127.0.0.1",
			CreatedAt:  time.Now().UTC(),
			AgentID:    m.Identity.ID,
		}, nil
	}
	return inst, nil
}

// Destroy implements provider.Provider.
func (b *Backend) Destroy(ctx context.Context, instanceID string) error {
	if err := b.docker.ContainerRemove(ctx, instanceID, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	logger.Provisioner().Info().Str("containerId", shortID(instanceID)).Msg("Worker container removed")
	return nil
}

// Status implements provider.Provider. Returns nil when the container is gone.
func (b *Backend) Status(ctx context.Context, instanceID string) (*provider.VpsInstance, error) {
	inspect, err := b.docker.ContainerInspect(ctx, instanceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	inst := &provider.VpsInstance{
		ID:         inspect.ID,
		Provider:   ProviderName,
		Status:     MapStatus(inspect.State.Status),
		PublicIPv4: "127.0.0.1",
		CreatedAt:  created,
		Metadata:   map[string]string{},
	}
	if inspect.Config != nil {
		inst.AgentID = inspect.Config.Labels[provider.LabelAgentID]
	}

	// Surface the ephemeral host port the gateway was published on.
	if inspect.NetworkSettings != nil {
		gatewayPort := nat.Port(fmt.Sprintf("%d/tcp", GatewayPort))
		if bindings, ok := inspect.NetworkSettings.Ports[gatewayPort]; ok && len(bindings) > 0 {
			inst.Metadata["hostPort"] = bindings[0].HostPort
		}
	}
	return inst, nil
}

// List implements provider.Provider, filtering to moltagent-labeled
// containers.
func (b *Backend) List(ctx context.Context) ([]*provider.VpsInstance, error) {
	containers, err := b.docker.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	instances := make([]*provider.VpsInstance, 0)
	for _, c := range containers {
		if c.Labels[provider.LabelManaged] != "true" {
			continue
		}
		instances = append(instances, &provider.VpsInstance{
			ID:         c.ID,
			Provider:   ProviderName,
			Status:     MapStatus(c.State),
			PublicIPv4: "127.0.0.1",
			CreatedAt:  time.Unix(c.Created, 0).UTC(),
			AgentID:    c.Labels[provider.LabelAgentID],
		})
	}
	return instances, nil
}

// pullImage pulls the worker image if not already present.
func (b *Backend) pullImage(ctx context.Context, image string) error {
	if _, _, err := b.docker.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}

	logger.Provisioner().Info().Str("image", image).Msg("Pulling worker image")
	reader, err := b.docker.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull response: %w", err)
	}
	return nil
}

// MapStatus folds Docker container states into the common variant.
func MapStatus(state string) provider.Status {
	switch state {
	case "created", "restarting":
		return provider.StatusCreating
	case "running":
		return provider.StatusRunning
	case "removing":
		return provider.StatusStopping
	case "exited", "paused":
		return provider.StatusStopped
	default:
		return provider.StatusError
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
