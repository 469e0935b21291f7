// Tests for manifest parsing, default filling, and structural validation.
//
// Test Coverage:
// - Parse: minimal input, default filling, idempotent re-parse
// - Unknown top-level keys preserved in metadata
// - SafeParse discriminated outcome
// - Rejections: bad UUID, bad URLs, priority bounds, negative caps
// - YAML ingress
package manifest

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_MinimalManifestGetsDefaults(t *testing.T) {
	m, err := Parse([]byte(`{"identity": {"name": "a1"}}`))
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, "a1", m.Identity.Name)
	_, parseErr := uuid.Parse(m.Identity.ID)
	assert.NoError(t, parseErr, "identity.id should default to a generated UUID")

	assert.Equal(t, 0.7, m.AgentConfig.Temperature)
	assert.Equal(t, 4096, m.AgentConfig.MaxTokens)
	assert.Equal(t, "cpx21", m.Resources.ServerType)
	assert.Equal(t, "fsn1", m.Resources.Region)
	assert.Equal(t, 30, m.ControlPlane.HeartbeatIntervalSec)
	assert.Equal(t, 300, m.ControlPlane.StatusReportIntervalSec)
	assert.Equal(t, 30, m.Retention.ActionLogDays)
}

func TestParse_ReparseIsIdempotent(t *testing.T) {
	first, err := Parse([]byte(`{
		"identity": {"id": "6b3f8c1e-8f4a-4a8e-9f1b-2c7d5e9a0b11", "name": "a1"},
		"goals": [{"description": "ship", "priority": 2}],
		"financialControls": {"maxPerDay": 10}
	}`))
	require.NoError(t, err)

	serialized, err := first.Serialize()
	require.NoError(t, err)

	second, err := Parse(serialized)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParse_UnknownTopLevelKeysPreserved(t *testing.T) {
	m, err := Parse([]byte(`{"identity": {"name": "a1"}, "experimental": {"flag": true}}`))
	require.NoError(t, err)

	require.Contains(t, m.Metadata, "experimental")
	inner, ok := m.Metadata["experimental"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, inner["flag"])

	// The unknown key survives a serialize/parse round trip via metadata.
	serialized, err := m.Serialize()
	require.NoError(t, err)
	again, err := Parse(serialized)
	require.NoError(t, err)
	assert.Contains(t, again.Metadata, "experimental")
}

func TestParse_RejectsBadUUID(t *testing.T) {
	_, err := Parse([]byte(`{"identity": {"id": "not-a-uuid", "name": "a1"}}`))
	require.Error(t, err)

	issues, ok := err.(IssueList)
	require.True(t, ok)
	assert.Contains(t, issues.Error(), "identity.id")
}

func TestParse_RejectsPriorityOutOfBounds(t *testing.T) {
	for _, priority := range []int{-1, 6, 100} {
		body, _ := json.Marshal(map[string]any{
			"identity": map[string]any{"name": "a1"},
			"goals":    []map[string]any{{"description": "x", "priority": priority}},
		})
		_, err := Parse(body)
		require.Error(t, err, "priority %d should reject", priority)
		assert.Contains(t, err.Error(), "priority")
	}
}

func TestParse_RejectsNonURLFields(t *testing.T) {
	_, err := Parse([]byte(`{"identity": {"name": "a1"}, "controlPlane": {"url": "not a url"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "controlPlane.url")

	_, err = Parse([]byte(`{"identity": {"name": "a1"}, "knowledge": {"urls": ["nope"]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "knowledge.urls[0]")
}

func TestParse_RejectsNegativeCaps(t *testing.T) {
	_, err := Parse([]byte(`{"identity": {"name": "a1"}, "financialControls": {"maxPerDay": -5}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxPerDay")
}

func TestParse_CollectsMultipleIssues(t *testing.T) {
	_, err := Parse([]byte(`{
		"identity": {"id": "bad", "name": "a1"},
		"financialControls": {"maxPerTransaction": -1, "maxPerMonth": -2},
		"goals": [{"description": "", "priority": 9}]
	}`))
	require.Error(t, err)

	issues, ok := err.(IssueList)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(issues), 4)
}

func TestSafeParse_Outcomes(t *testing.T) {
	ok := SafeParse([]byte(`{"identity": {"name": "a1"}}`))
	assert.True(t, ok.OK)
	assert.NotNil(t, ok.Manifest)
	assert.Empty(t, ok.Issues)

	bad := SafeParse([]byte(`{"identity": {"id": "nope", "name": "a1"}}`))
	assert.False(t, bad.OK)
	assert.Nil(t, bad.Manifest)
	assert.NotEmpty(t, bad.Issues)
}

func TestParse_NotAnObject(t *testing.T) {
	_, err := Parse([]byte(`[1, 2, 3]`))
	require.Error(t, err)

	_, err = Parse([]byte(`garbage`))
	require.Error(t, err)
}

func TestParseYAML(t *testing.T) {
	m, err := ParseYAML([]byte("identity:\n  name: yaml-agent\ngoals:\n  - description: ship\n    priority: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "yaml-agent", m.Identity.Name)
	require.Len(t, m.Goals, 1)
	assert.Equal(t, 1, m.Goals[0].Priority)
}

func TestParse_GitRepoDefaultsAndValidation(t *testing.T) {
	m, err := Parse([]byte(`{
		"identity": {"name": "a1"},
		"capabilities": {"gitRepos": [{"url": "https://github.com/acme/tool.git"}]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "main", m.Capabilities.GitRepos[0].Branch)

	_, err = Parse([]byte(`{
		"identity": {"name": "a1"},
		"capabilities": {"gitRepos": [{"url": "::::"}]}
	}`))
	require.Error(t, err)
}
