// Command moltagent is the MoltAgent control plane and worker binary.
//
// Modes (selected by environment, per deployment role):
//   - Worker mode: MOLTAGENT_MANIFEST points at the manifest written by the
//     bootstrap script; the process runs the bridge and reports home.
//   - Orchestrator mode: MOLTAGENT_CONTROL_PLANE=1 or a configured API token
//     starts the control-plane server.
//   - Hybrid: both set.
//
// CLI verbs (thin front-end over the orchestrator's HTTP surface):
//
//	moltagent serve
//	moltagent provision <manifest-path> [--provider <name>]
//	moltagent list
//	moltagent destroy <agent-id>
//	moltagent status
//	moltagent validate <manifest-path>
//	moltagent approve [--approve <id> | --deny <id>]
//
// Environment:
//
//	MOLTAGENT_MANIFEST       manifest path (triggers worker mode)
//	MOLTAGENT_CONTROL_PLANE  "1" triggers orchestrator mode
//	MOLTAGENT_API_TOKEN      shared bearer token
//	MOLTAGENT_API_URL        base URL for CLI verbs (default local plane)
//	MOLTAGENT_DATA_DIR       fleet-file directory
//	MOLTAGENT_CP_PORT        control-plane port (default 18790)
//	MOLTAGENT_PROVIDER       default VPS backend
//	HETZNER_API_TOKEN        activates the cloud backend
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltagent/moltagent/internal/logger"
	"github.com/moltagent/moltagent/internal/manifest"
	"github.com/moltagent/moltagent/internal/orchestrator"
	"github.com/moltagent/moltagent/internal/worker"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "true") == "true")

	root := &cobra.Command{
		Use:          "moltagent",
		Short:        "MoltAgent control plane and agent worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runByMode()
		},
	}

	root.AddCommand(
		newServeCmd(),
		newProvisionCmd(),
		newListCmd(),
		newDestroyCmd(),
		newStatusCmd(),
		newValidateCmd(),
		newApproveCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runByMode selects worker/orchestrator/hybrid from the environment.
func runByMode() error {
	manifestPath := os.Getenv("MOLTAGENT_MANIFEST")
	orchestratorMode := os.Getenv("MOLTAGENT_CONTROL_PLANE") == "1" || os.Getenv("MOLTAGENT_API_TOKEN") != ""

	switch {
	case manifestPath != "" && orchestratorMode:
		go func() {
			if err := runWorker(manifestPath); err != nil {
				logger.Worker().Error().Err(err).Msg("Worker stopped")
			}
		}()
		return runOrchestrator()
	case manifestPath != "":
		return runWorker(manifestPath)
	case orchestratorMode:
		return runOrchestrator()
	default:
		return fmt.Errorf("no mode selected: set MOLTAGENT_MANIFEST or MOLTAGENT_CONTROL_PLANE=1 (or use a subcommand)")
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator()
		},
	}
}

func runOrchestrator() error {
	cfg := orchestrator.Config{
		DataDir:         getEnv("MOLTAGENT_DATA_DIR", defaultDataDir()),
		Port:            getEnvInt("MOLTAGENT_CP_PORT", 18790),
		Token:           os.Getenv("MOLTAGENT_API_TOKEN"),
		DefaultProvider: os.Getenv("MOLTAGENT_PROVIDER"),
		HetznerToken:    os.Getenv("HETZNER_API_TOKEN"),
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return o.Run(ctx)
}

func runWorker(manifestPath string) error {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	w, err := worker.New(m)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		w.Close()
	}()

	w.Run()
	return nil
}

func newProvisionCmd() *cobra.Command {
	var providerOverride string
	cmd := &cobra.Command{
		Use:   "provision <manifest-path>",
		Short: "Validate a manifest and deploy a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			if providerOverride != "" {
				m.Resources.Provider = providerOverride
			}

			body, err := m.Serialize()
			if err != nil {
				return err
			}

			var out map[string]any
			if err := apiCall(http.MethodPost, "/dashboard/agents", body, &out); err != nil {
				return err
			}
			fmt.Printf("Provisioned agent %v\n", out["agentId"])
			printJSON(out["instance"])
			return nil
		},
	}
	cmd.Flags().StringVar(&providerOverride, "provider", "", "VPS provider override")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every agent in the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Agents []map[string]any `json:"agents"`
			}
			if err := apiCall(http.MethodGet, "/dashboard/agents", nil, &out); err != nil {
				return err
			}
			if len(out.Agents) == 0 {
				fmt.Println("No agents deployed")
				return nil
			}
			for _, a := range out.Agents {
				fmt.Printf("%-38v %-20v %-8v actions=%v spend=%.2f\n",
					a["agentId"], a["name"], a["connection"], a["totalActions"], toFloat(a["totalSpend"]))
			}
			return nil
		},
	}
}

func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <agent-id>",
		Short: "Shut down a worker and destroy its VPS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiCall(http.MethodDelete, "/dashboard/agents/"+args[0], nil, &out); err != nil {
				return err
			}
			fmt.Printf("Destroyed agent %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker self-status or fleet summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath := os.Getenv("MOLTAGENT_MANIFEST"); manifestPath != "" {
				m, err := loadManifest(manifestPath)
				if err != nil {
					return err
				}
				fmt.Printf("Agent:    %s (%s)\n", m.Identity.Name, m.Identity.ID)
				fmt.Printf("Plane:    %s\n", m.ControlPlane.URL)
				fmt.Printf("Goals:    %d\n", len(m.Goals))
				fmt.Printf("Channels: %d\n", len(m.Channels))
				return nil
			}

			var out map[string]any
			if err := apiCall(http.MethodGet, "/dashboard/overview", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest-path>",
		Short: "Validate a manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Manifest OK: %s (%s)\n", m.Identity.Name, m.Identity.ID)
			return nil
		},
	}
}

func newApproveCmd() *cobra.Command {
	var approveID, denyID string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "List pending approvals, or resolve one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if approveID != "" && denyID != "" {
				return fmt.Errorf("use either --approve or --deny, not both")
			}
			if approveID != "" || denyID != "" {
				id := approveID
				approved := true
				if denyID != "" {
					id = denyID
					approved = false
				}
				body, _ := json.Marshal(map[string]any{
					"approved":    approved,
					"respondedBy": "cli",
				})
				var out map[string]any
				if err := apiCall(http.MethodPost, "/dashboard/approvals/"+id+"/respond", body, &out); err != nil {
					return err
				}
				fmt.Printf("Approval %s -> %v\n", id, out["state"])
				return nil
			}

			var out struct {
				Approvals []map[string]any `json:"approvals"`
			}
			if err := apiCall(http.MethodGet, "/dashboard/approvals", nil, &out); err != nil {
				return err
			}
			if len(out.Approvals) == 0 {
				fmt.Println("No pending approvals")
				return nil
			}
			for _, a := range out.Approvals {
				fmt.Printf("%-38v agent=%v %v amount=%.2f  %v\n",
					a["id"], a["agentId"], a["category"], toFloat(a["amount"]), a["description"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&approveID, "approve", "", "Approve the given request id")
	cmd.Flags().StringVar(&denyID, "deny", "", "Deny the given request id")
	return cmd
}

// loadManifest reads a JSON or YAML manifest file through the validator.
func loadManifest(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return manifest.ParseYAML(data)
	}
	return manifest.Parse(data)
}

// apiCall performs one authenticated round-trip against the orchestrator.
func apiCall(method, path string, body []byte, out any) error {
	base := strings.TrimRight(getEnv("MOLTAGENT_API_URL", fmt.Sprintf("http://localhost:%d", getEnvInt("MOLTAGENT_CP_PORT", 18790))), "/")

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewBuffer(body)
	}
	req, err := http.NewRequest(method, base+"/moltagent"+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+os.Getenv("MOLTAGENT_API_TOKEN"))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".moltagent")
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// getEnv returns an environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an environment variable value as int or default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
