// Package bootstrap turns a manifest into the first-boot shell script that
// installs and supervises the worker runtime on a fresh node.
//
// Generate is pure and deterministic: the same manifest always yields the
// same script. All shell-substituted values are single-quoted or base64
// encoded, so manifest content can never escape into the shell. The manifest
// itself travels base64-encoded and lands at /opt/moltagent/manifest.json
// with mode 0600.
package bootstrap

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/moltagent/moltagent/internal/manifest"
)

//go:embed templates/*.tmpl
var templates embed.FS

// ManifestPath is the canonical on-node location of the manifest.
const ManifestPath = "/opt/moltagent/manifest.json"

// GatewayPort is the worker's fixed gateway port.
const GatewayPort = 18789

// NodeMajor pins the language runtime installed on the node.
const NodeMajor = 22

// scriptData is the template input.
type scriptData struct {
	AgentID        string
	ManifestB64    string
	ManifestPath   string
	GatewayPort    int
	NodeMajor      int
	InstallBrowser bool
	InstallPython  bool
	OSPackages     []string
	NPMPackages    []string
	PipPackages    []string
	Repos          []repoData
	ReadinessURL   string
	Token          string
}

type repoData struct {
	URL          string
	Branch       string
	Path         string
	SetupCommand string
}

var scriptTemplate = template.Must(
	template.New("bootstrap.sh.tmpl").
		Funcs(template.FuncMap{"shquote": shQuote}).
		ParseFS(templates, "templates/bootstrap.sh.tmpl"),
)

// Generate renders the first-boot script for the manifest.
func Generate(m *manifest.Manifest) (string, error) {
	manifestJSON, err := m.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize manifest: %w", err)
	}

	repos := make([]repoData, 0, len(m.Capabilities.GitRepos))
	for i, r := range m.Capabilities.GitRepos {
		path := r.Path
		if path == "" {
			path = fmt.Sprintf("/opt/moltagent/repos/repo-%d", i)
		}
		repos = append(repos, repoData{
			URL:          r.URL,
			Branch:       r.Branch,
			Path:         path,
			SetupCommand: r.SetupCommand,
		})
	}

	data := scriptData{
		AgentID:        m.Identity.ID,
		ManifestB64:    base64.StdEncoding.EncodeToString(manifestJSON),
		ManifestPath:   ManifestPath,
		GatewayPort:    GatewayPort,
		NodeMajor:      NodeMajor,
		InstallBrowser: m.Capabilities.WebBrowsing,
		InstallPython:  len(m.Capabilities.PipPackages) > 0,
		OSPackages:     m.Capabilities.OSPackages,
		NPMPackages:    m.Capabilities.NPMPackages,
		PipPackages:    m.Capabilities.PipPackages,
		Repos:          repos,
		ReadinessURL:   readinessURL(m.ControlPlane.URL),
		Token:          m.ControlPlane.Token,
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render bootstrap script: %w", err)
	}
	return buf.String(), nil
}

// readinessURL rewrites the control-plane WS URL to its HTTP base and
// appends the health path.
func readinessURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/moltagent/health"
	u.RawQuery = ""
	return u.String()
}

// shQuote wraps a value in single quotes, escaping embedded quotes so
// manifest content cannot break out of the shell word.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
