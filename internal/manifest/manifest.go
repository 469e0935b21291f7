// Package manifest defines the declarative document that fully describes a
// deployable MoltAgent worker, plus its validator.
//
// MANIFEST STRUCTURE:
// - identity: unique id, name, owner, tags
// - agentConfig: system prompt, model, skills, tools
// - capabilities: feature flags plus repo/package lists
// - channels: typed credential bags for messaging adapters
// - resources: VPS sizing and provider selection
// - financialControls: USD spend caps and approval policy
// - controlPlane: dial URL, token, reporting cadence
// - retention: log and recording retention windows
// - goals: ordered objectives with priority and key results
// - knowledge: URLs, files, and inline documents
// - metadata: free-form bag; unknown top-level keys land here
//
// Every field has a default where sensible, so a partial document still
// parses into a complete manifest. Rejection is purely structural; semantic
// coherence (e.g. a wallet being present when crypto channels are enabled)
// is enforced by consumers as documented preconditions.
package manifest

// SchemaVersion is the manifest schema version this package reads and writes.
const SchemaVersion = "1"

// Manifest is the immutable root document describing a worker.
type Manifest struct {
	SchemaVersion     string            `json:"schemaVersion"`
	Identity          Identity          `json:"identity"`
	AgentConfig       AgentConfig       `json:"agentConfig"`
	Capabilities      Capabilities      `json:"capabilities"`
	Channels          []Channel         `json:"channels"`
	Resources         Resources         `json:"resources"`
	FinancialControls FinancialControls `json:"financialControls"`
	ControlPlane      ControlPlane      `json:"controlPlane"`
	Retention         Retention         `json:"retention"`
	Goals             []Goal            `json:"goals"`
	Knowledge         Knowledge         `json:"knowledge"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// Identity identifies the worker and its owner.
type Identity struct {
	// ID is a UUID. Generated when absent.
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	OwnerID     string   `json:"ownerId,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Description string   `json:"description,omitempty"`
}

// AgentConfig configures the worker's reasoning runtime.
type AgentConfig struct {
	SystemPrompt  string           `json:"systemPrompt,omitempty"`
	ModelProvider string           `json:"modelProvider"`
	ModelName     string           `json:"modelName"`
	Temperature   float64          `json:"temperature"`
	MaxTokens     int              `json:"maxTokens"`
	Skills        []string         `json:"skills,omitempty"`
	Tools         []ToolDescriptor `json:"tools,omitempty"`
}

// ToolDescriptor is an inline tool description passed through to the runtime.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capabilities are the boolean feature flags plus install lists.
type Capabilities struct {
	WebBrowsing   bool      `json:"webBrowsing"`
	CodeExecution bool      `json:"codeExecution"`
	Terminal      bool      `json:"terminal"`
	FileSystem    bool      `json:"fileSystem"`
	GitRepos      []GitRepo `json:"gitRepos,omitempty"`
	OSPackages    []string  `json:"osPackages,omitempty"`
	NPMPackages   []string  `json:"npmPackages,omitempty"`
	PipPackages   []string  `json:"pipPackages,omitempty"`
}

// GitRepo declares a repository cloned onto the node at first boot.
type GitRepo struct {
	URL          string `json:"url"`
	Branch       string `json:"branch,omitempty"`
	Path         string `json:"path,omitempty"`
	SetupCommand string `json:"setupCommand,omitempty"`
}

// Channel is a typed credential bag for one messaging adapter.
type Channel struct {
	Type        string            `json:"type"`
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Settings    map[string]any    `json:"settings,omitempty"`
}

// Resources selects the VPS shape the worker runs on.
type Resources struct {
	ServerType  string `json:"serverType"`
	Region      string `json:"region"`
	DiskGB      int    `json:"diskGb"`
	Image       string `json:"image"`
	DockerImage string `json:"dockerImage"`
	// Provider overrides the provisioner's default backend when non-empty.
	Provider string `json:"provider,omitempty"`
}

// FinancialControls caps worker spending in USD.
type FinancialControls struct {
	MaxPerTransaction     float64 `json:"maxPerTransaction"`
	MaxPerDay             float64 `json:"maxPerDay"`
	MaxPerMonth           float64 `json:"maxPerMonth"`
	RequireApprovalForAll bool    `json:"requireApprovalForAll"`
	WalletAddress         string  `json:"walletAddress,omitempty"`
}

// ControlPlane tells the worker how to reach home.
type ControlPlane struct {
	URL                     string `json:"url"`
	Token                   string `json:"token,omitempty"`
	HeartbeatIntervalSec    int    `json:"heartbeatIntervalSec"`
	StatusReportIntervalSec int    `json:"statusReportIntervalSec"`
}

// Retention bounds how long worker artifacts are kept.
type Retention struct {
	ActionLogDays int  `json:"actionLogDays"`
	RecordingDays int  `json:"recordingDays"`
	LiveStream    bool `json:"liveStream"`
}

// Goal is one ordered objective with a 1..5 priority.
type Goal struct {
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	DueDate     string   `json:"dueDate,omitempty"`
	KeyResults  []string `json:"keyResults,omitempty"`
}

// Knowledge seeds the worker's knowledge base.
type Knowledge struct {
	URLs      []string         `json:"urls,omitempty"`
	Files     []string         `json:"files,omitempty"`
	Documents []InlineDocument `json:"documents,omitempty"`
}

// InlineDocument is a knowledge document carried inside the manifest.
type InlineDocument struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}
