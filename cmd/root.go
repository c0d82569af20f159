package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flotilla/internal/backend"
	"flotilla/internal/config"
	"flotilla/internal/deploy"
	"flotilla/internal/template"
	"flotilla/pkg/logging"
)

var (
	version = "dev"

	// configPath is the directory holding config.yaml and template
	// subdirectories.
	configPath string

	// debug raises the log level regardless of MCP_LOG_LEVEL.
	debug bool
)

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Deploy and route Model Context Protocol servers.",
	Long: `flotilla is a deployment and routing platform for MCP servers.

It materializes declarative templates as running containers on a pluggable
backend (docker, kubernetes, or an in-memory mock), tracks the resulting
deployments, and exposes every deployed server through a single
authenticated gateway that load-balances across replicas.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.Init(logging.LevelDebug, os.Stderr)
		} else {
			logging.InitFromEnv()
		}
	},
}

// SetVersion wires the build version in from main.
func SetVersion(v string) { version = v }

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", ".", "directory containing config.yaml and template directories")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// platform bundles the wired core components used by the commands.
type platform struct {
	cfg      config.PlatformConfig
	registry *template.Registry
	manager  *deploy.Manager
	backends map[string]backend.Backend
}

// buildPlatform loads configuration, the template registry and the
// configured backends.
func buildPlatform() (*platform, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var builtinDir string
	var userDirs []string
	if len(cfg.TemplateDirs) > 0 {
		builtinDir = cfg.TemplateDirs[0]
		userDirs = cfg.TemplateDirs[1:]
	}
	registry, err := template.NewRegistry(builtinDir, userDirs...)
	if err != nil {
		return nil, err
	}

	backends := make(map[string]backend.Backend)
	opts := backend.Options{
		NetworkName:    cfg.Network.Name,
		SubnetOverride: cfg.Network.Subnet,
	}
	b, err := backend.New(cfg.Backend, opts)
	if err != nil {
		return nil, err
	}
	backends[cfg.Backend] = b
	if cfg.Backend != "mock" {
		// The mock backend is always reachable for dry runs and tests.
		backends["mock"] = backend.NewMockBackend()
	}

	manager := deploy.NewManager(registry, backends, cfg.Backend)
	return &platform{
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		backends: backends,
	}, nil
}
