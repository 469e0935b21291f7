package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Issue is one structural problem found while validating a manifest.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// IssueList is the enumerated rejection returned by Parse.
type IssueList []Issue

// Error implements the error interface.
func (l IssueList) Error() string {
	parts := make([]string, 0, len(l))
	for _, i := range l {
		parts = append(parts, fmt.Sprintf("%s: %s", i.Path, i.Message))
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// ParseResult is the discriminated outcome returned by SafeParse.
type ParseResult struct {
	OK       bool      `json:"ok"`
	Manifest *Manifest `json:"manifest,omitempty"`
	Issues   IssueList `json:"issues,omitempty"`
}

// knownKeys are the top-level keys consumed by the schema. Anything else is
// preserved in metadata so round-trips never lose operator data.
var knownKeys = map[string]bool{
	"schemaVersion": true, "identity": true, "agentConfig": true,
	"capabilities": true, "channels": true, "resources": true,
	"financialControls": true, "controlPlane": true, "retention": true,
	"goals": true, "knowledge": true, "metadata": true,
}

// Parse validates raw manifest bytes and returns a complete, default-filled
// manifest or an IssueList enumerating every structural problem.
//
// Parsing a serialized parsed manifest is idempotent: defaults are stable and
// unknown keys survive in metadata.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, IssueList{{Path: "$", Message: fmt.Sprintf("not a JSON object: %v", err)}}
	}

	var m Manifest
	var issues IssueList
	if err := json.Unmarshal(data, &m); err != nil {
		issues = append(issues, Issue{Path: "$", Message: fmt.Sprintf("malformed field: %v", err)})
		return nil, issues
	}

	// Preserve unknown top-level keys in metadata.
	extras := make([]string, 0)
	for k := range raw {
		if !knownKeys[k] {
			extras = append(extras, k)
		}
	}
	if len(extras) > 0 {
		sort.Strings(extras)
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		for _, k := range extras {
			var v any
			if err := json.Unmarshal(raw[k], &v); err == nil {
				if _, exists := m.Metadata[k]; !exists {
					m.Metadata[k] = v
				}
			}
		}
	}

	applyDefaults(&m)
	issues = append(issues, validate(&m)...)
	if len(issues) > 0 {
		return nil, issues
	}
	return &m, nil
}

// SafeParse is Parse with a discriminated outcome instead of an error return.
func SafeParse(data []byte) ParseResult {
	m, err := Parse(data)
	if err != nil {
		issues, ok := err.(IssueList)
		if !ok {
			issues = IssueList{{Path: "$", Message: err.Error()}}
		}
		return ParseResult{OK: false, Issues: issues}
	}
	return ParseResult{OK: true, Manifest: m}
}

// ParseYAML accepts a YAML rendering of the manifest (CLI ingress) by
// converting it to JSON and running the same validator.
func ParseYAML(data []byte) (*Manifest, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, IssueList{{Path: "$", Message: fmt.Sprintf("not a YAML mapping: %v", err)}}
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, IssueList{{Path: "$", Message: err.Error()}}
	}
	return Parse(jsonBytes)
}

// Serialize renders the manifest as canonical JSON.
func (m *Manifest) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

func applyDefaults(m *Manifest) {
	if m.SchemaVersion == "" {
		m.SchemaVersion = SchemaVersion
	}
	if m.Identity.ID == "" {
		m.Identity.ID = uuid.NewString()
	}
	if m.Identity.Name == "" {
		m.Identity.Name = "agent"
	}
	if m.AgentConfig.ModelProvider == "" {
		m.AgentConfig.ModelProvider = "anthropic"
	}
	if m.AgentConfig.ModelName == "" {
		m.AgentConfig.ModelName = "claude-sonnet-4-5"
	}
	if m.AgentConfig.Temperature == 0 {
		m.AgentConfig.Temperature = 0.7
	}
	if m.AgentConfig.MaxTokens == 0 {
		m.AgentConfig.MaxTokens = 4096
	}
	if m.Resources.ServerType == "" {
		m.Resources.ServerType = "cpx21"
	}
	if m.Resources.Region == "" {
		m.Resources.Region = "fsn1"
	}
	if m.Resources.DiskGB == 0 {
		m.Resources.DiskGB = 40
	}
	if m.Resources.Image == "" {
		m.Resources.Image = "ubuntu-24.04"
	}
	if m.Resources.DockerImage == "" {
		m.Resources.DockerImage = "moltagent/worker:latest"
	}
	if m.ControlPlane.URL == "" {
		m.ControlPlane.URL = "ws://localhost:18790"
	}
	if m.ControlPlane.HeartbeatIntervalSec == 0 {
		m.ControlPlane.HeartbeatIntervalSec = 30
	}
	if m.ControlPlane.StatusReportIntervalSec == 0 {
		m.ControlPlane.StatusReportIntervalSec = 300
	}
	if m.Retention.ActionLogDays == 0 {
		m.Retention.ActionLogDays = 30
	}
	if m.Retention.RecordingDays == 0 {
		m.Retention.RecordingDays = 7
	}
	for i := range m.Goals {
		if m.Goals[i].Priority == 0 {
			m.Goals[i].Priority = 3
		}
	}
	for i := range m.Capabilities.GitRepos {
		if m.Capabilities.GitRepos[i].Branch == "" {
			m.Capabilities.GitRepos[i].Branch = "main"
		}
	}
}

func validate(m *Manifest) IssueList {
	var issues IssueList

	if m.SchemaVersion != SchemaVersion {
		issues = append(issues, Issue{Path: "schemaVersion", Message: fmt.Sprintf("unsupported version %q (want %q)", m.SchemaVersion, SchemaVersion)})
	}
	if _, err := uuid.Parse(m.Identity.ID); err != nil {
		issues = append(issues, Issue{Path: "identity.id", Message: "must be a UUID"})
	}
	if m.Identity.Name == "" {
		issues = append(issues, Issue{Path: "identity.name", Message: "must not be empty"})
	}
	if !isURL(m.ControlPlane.URL, "ws", "wss", "http", "https") {
		issues = append(issues, Issue{Path: "controlPlane.url", Message: "must be a ws(s) or http(s) URL"})
	}
	if m.ControlPlane.HeartbeatIntervalSec < 0 {
		issues = append(issues, Issue{Path: "controlPlane.heartbeatIntervalSec", Message: "must not be negative"})
	}
	for i, g := range m.Goals {
		if g.Priority < 1 || g.Priority > 5 {
			issues = append(issues, Issue{Path: fmt.Sprintf("goals[%d].priority", i), Message: "must be between 1 and 5"})
		}
		if g.Description == "" {
			issues = append(issues, Issue{Path: fmt.Sprintf("goals[%d].description", i), Message: "must not be empty"})
		}
	}
	for i, r := range m.Capabilities.GitRepos {
		if !isURL(r.URL, "http", "https", "git", "ssh") {
			issues = append(issues, Issue{Path: fmt.Sprintf("capabilities.gitRepos[%d].url", i), Message: "must be a URL"})
		}
	}
	for i, u := range m.Knowledge.URLs {
		if !isURL(u, "http", "https") {
			issues = append(issues, Issue{Path: fmt.Sprintf("knowledge.urls[%d]", i), Message: "must be an http(s) URL"})
		}
	}
	for i, c := range m.Channels {
		if c.Type == "" {
			issues = append(issues, Issue{Path: fmt.Sprintf("channels[%d].type", i), Message: "must not be empty"})
		}
	}
	fc := m.FinancialControls
	if fc.MaxPerTransaction < 0 {
		issues = append(issues, Issue{Path: "financialControls.maxPerTransaction", Message: "must not be negative"})
	}
	if fc.MaxPerDay < 0 {
		issues = append(issues, Issue{Path: "financialControls.maxPerDay", Message: "must not be negative"})
	}
	if fc.MaxPerMonth < 0 {
		issues = append(issues, Issue{Path: "financialControls.maxPerMonth", Message: "must not be negative"})
	}
	if m.Retention.ActionLogDays < 0 {
		issues = append(issues, Issue{Path: "retention.actionLogDays", Message: "must not be negative"})
	}
	if m.AgentConfig.Temperature < 0 || m.AgentConfig.Temperature > 2 {
		issues = append(issues, Issue{Path: "agentConfig.temperature", Message: "must be between 0 and 2"})
	}
	if m.AgentConfig.MaxTokens < 1 {
		issues = append(issues, Issue{Path: "agentConfig.maxTokens", Message: "must be positive"})
	}

	return issues
}

func isURL(s string, schemes ...string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return true
		}
	}
	return false
}
