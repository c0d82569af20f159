package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"flotilla/internal/backend"
	"flotilla/internal/deploy"
	"flotilla/internal/template"
)

var (
	deployConfigFile   string
	deployConfigPairs  []string
	deployOverrides    []string
	deployBackendName  string
	deployPort         int
	deployDeploymentID string
	deployDryRun       bool
	deployNoPull       bool
	deployGatewayURL   string
)

var deployCmd = &cobra.Command{
	Use:   "deploy <template-id>",
	Short: "Deploy a template as a running MCP server.",
	Long: `Deploys a template on the configured backend.

Configuration is merged from, in rising precedence: the template's schema
defaults, --config-file (JSON or YAML), --config key=value pairs,
--override a__b__c=value dotted overrides, and explicit environment
variables.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployConfigFile, "config-file", "", "JSON or YAML configuration file")
	deployCmd.Flags().StringArrayVar(&deployConfigPairs, "config", nil, "configuration value as key=value (repeatable)")
	deployCmd.Flags().StringArrayVar(&deployOverrides, "override", nil, "nested override as a__b__c=value (repeatable)")
	deployCmd.Flags().StringVar(&deployBackendName, "backend", "", "backend to deploy on (docker, kubernetes, mock)")
	deployCmd.Flags().IntVar(&deployPort, "port", 0, "host port override")
	deployCmd.Flags().StringVar(&deployDeploymentID, "deployment-id", "", "explicit deployment id for idempotent redeploys")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "validate and print the plan without deploying")
	deployCmd.Flags().BoolVar(&deployNoPull, "no-pull", false, "skip pulling the image")
	deployCmd.Flags().StringVar(&deployGatewayURL, "gateway", "", "gateway base URL; registers the deployment as a routing instance")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	p, err := buildPlatform()
	if err != nil {
		return err
	}

	layers := template.Layers{
		ConfigFile: deployConfigFile,
		Values:     parsePairs(deployConfigPairs),
		Overrides:  parsePairs(deployOverrides),
		Env:        environMap(),
	}

	outcome, err := p.manager.Deploy(cmd.Context(), args[0], layers, deploy.Options{
		Backend:      deployBackendName,
		Port:         deployPort,
		DeploymentID: deployDeploymentID,
		DryRun:       deployDryRun,
		PullImage:    !deployNoPull,
	})
	if err != nil {
		return err
	}

	if outcome.Plan != nil {
		data, _ := json.MarshalIndent(outcome.Plan, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	dep := outcome.Deployment
	fmt.Printf("Deployed %s\n", dep.TemplateID)
	fmt.Printf("  deployment id: %s\n", dep.ID)
	fmt.Printf("  backend:       %s\n", dep.Backend)
	fmt.Printf("  status:        %s\n", dep.Status)
	if dep.Endpoint != "" {
		fmt.Printf("  endpoint:      %s\n", dep.Endpoint)
	}

	if deployGatewayURL != "" {
		if err := registerWithGateway(cmd.Context(), deployGatewayURL, dep); err != nil {
			return fmt.Errorf("deployment succeeded but gateway registration failed: %w", err)
		}
		fmt.Printf("  registered with gateway at %s\n", deployGatewayURL)
	}
	return nil
}

// registerWithGateway announces a fresh deployment to a running gateway so
// the router can balance to it.
func registerWithGateway(ctx context.Context, gatewayURL string, dep *backend.Deployment) error {
	transport := "stdio"
	if dep.Endpoint != "" {
		transport = "http"
	}
	payload := map[string]any{
		"template_id": dep.TemplateID,
		"instance": map[string]any{
			"id":            dep.ID,
			"deployment_id": dep.ID,
			"transport":     transport,
			"endpoint":      dep.Endpoint,
			"backend":       dep.Backend,
			"status":        "unknown",
			"weight":        1,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(gatewayURL, "/") + "/gateway/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, data)
	}
	return nil
}

// parsePairs splits key=value flags into a map; later repetitions win.
func parsePairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// environMap snapshots the process environment for the env layer.
func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok {
			out[key] = value
		}
	}
	return out
}
