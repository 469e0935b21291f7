// Package hetzner implements the cloud VPS backend over the Hetzner Cloud
// REST API.
//
// The client is bearer-token authenticated JSON over HTTPS. Instances are
// created with the bootstrap script as user-data, labeled
// {moltagent: true, agent-id, owner-id}, named moltagent-<first-8-of-id>,
// and started immediately (start_after_create=true).
//
// Upstream failures surface the HTTP status and response body; the client
// never retries (callers decide policy).
package hetzner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/moltagent/moltagent/internal/apperrors"
	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/provider"
)

// DefaultBaseURL is the public Hetzner Cloud API endpoint.
const DefaultBaseURL = "https://api.hetzner.cloud/v1"

// ProviderName is the registry key for this backend.
const ProviderName = "hetzner"

// Client is the Hetzner Cloud backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Hetzner backend with the given API token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements provider.Provider.
func (c *Client) Name() string { return ProviderName }

// Wire shapes for the subset of the Hetzner API this backend touches.

type serverResource struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
		IPv6 struct {
			IP string `json:"ip"`
		} `json:"ipv6"`
	} `json:"public_net"`
	ServerType struct {
		Name string `json:"name"`
	} `json:"server_type"`
	Datacenter struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"datacenter"`
	Created time.Time         `json:"created"`
	Labels  map[string]string `json:"labels"`
}

type createServerRequest struct {
	Name             string            `json:"name"`
	ServerType       string            `json:"server_type"`
	Image            string            `json:"image"`
	Location         string            `json:"location,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	SSHKeys          []string          `json:"ssh_keys,omitempty"`
	StartAfterCreate bool              `json:"start_after_create"`
}

type createServerResponse struct {
	Server serverResource `json:"server"`
}

type getServerResponse struct {
	Server serverResource `json:"server"`
}

type listServersResponse struct {
	Servers []serverResource `json:"servers"`
}

// upstreamError wraps an AppError while keeping the raw upstream status.
type upstreamError struct {
	*apperrors.AppError
	status int
}

// IsNotFound reports whether err is an upstream 404 from this backend.
func IsNotFound(err error) bool {
	ue, ok := err.(*upstreamError)
	return ok && ue.status == http.StatusNotFound
}

// Create implements provider.Provider. A nil error means Hetzner accepted
// the request and assigned an id and IP; the worker is not yet reachable.
func (c *Client) Create(ctx context.Context, req provider.CreateRequest) (*provider.VpsInstance, error) {
	m := req.Manifest
	body := createServerRequest{
		Name:             provider.InstanceName(m.Identity.ID),
		ServerType:       m.Resources.ServerType,
		Image:            m.Resources.Image,
		Location:         m.Resources.Region,
		UserData:         req.BootstrapScript,
		Labels:           provider.InstanceLabels(m),
		SSHKeys:          req.SSHKeyIDs,
		StartAfterCreate: true,
	}

	var resp createServerResponse
	if err := c.do(ctx, http.MethodPost, "/servers", body, &resp); err != nil {
		return nil, err
	}

	logger.Provisioner().Info().
		Str("agentId", m.Identity.ID).
		Int64("serverId", resp.Server.ID).
		Str("serverType", body.ServerType).
		Msg("Hetzner server create accepted")

	return c.toInstance(resp.Server), nil
}

// Destroy implements provider.Provider.
func (c *Client) Destroy(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(instanceID), nil, nil)
}

// Status implements provider.Provider. Returns nil when the server is gone.
func (c *Client) Status(ctx context.Context, instanceID string) (*provider.VpsInstance, error) {
	var resp getServerResponse
	err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(instanceID), nil, &resp)
	if err != nil {
		// Upstream 404 means the instance no longer exists.
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return c.toInstance(resp.Server), nil
}

// List implements provider.Provider, filtering to machines this system owns.
func (c *Client) List(ctx context.Context) ([]*provider.VpsInstance, error) {
	var resp listServersResponse
	selector := url.QueryEscape(provider.LabelManaged + "=true")
	if err := c.do(ctx, http.MethodGet, "/servers?label_selector="+selector, nil, &resp); err != nil {
		return nil, err
	}
	instances := make([]*provider.VpsInstance, 0, len(resp.Servers))
	for _, s := range resp.Servers {
		instances = append(instances, c.toInstance(s))
	}
	return instances, nil
}

// do performs one authenticated JSON round-trip. Non-2xx responses become
// AppErrors carrying the upstream status and body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hetzner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &upstreamError{
			AppError: apperrors.ProviderError(resp.StatusCode, string(respBody)),
			status:   resp.StatusCode,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse hetzner response: %w", err)
		}
	}
	return nil
}

func (c *Client) toInstance(s serverResource) *provider.VpsInstance {
	return &provider.VpsInstance{
		ID:         fmt.Sprintf("%d", s.ID),
		Provider:   ProviderName,
		Status:     mapStatus(s.Status),
		PublicIPv4: s.PublicNet.IPv4.IP,
		PublicIPv6: s.PublicNet.IPv6.IP,
		ServerType: s.ServerType.Name,
		Region:     s.Datacenter.Location.Name,
		CreatedAt:  s.Created,
		AgentID:    s.Labels[provider.LabelAgentID],
		Metadata: map[string]string{
			"name": s.Name,
		},
	}
}

// mapStatus folds Hetzner lifecycle states into the common variant.
func mapStatus(s string) provider.Status {
	switch s {
	case "initializing", "starting":
		return provider.StatusCreating
	case "running":
		return provider.StatusRunning
	case "stopping", "deleting":
		return provider.StatusStopping
	case "off":
		return provider.StatusStopped
	default:
		return provider.StatusError
	}
}
