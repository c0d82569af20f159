package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"flotilla/internal/backend"
	"flotilla/internal/gateway"
	"flotilla/internal/tools"
	"flotilla/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway: registry, health checker, load balancer and router.",
	Long: `Starts the gateway process.

The gateway exposes every registered MCP server instance through a single
HTTP surface under /mcp/{template}/..., load-balancing across healthy
replicas, continuously probing instance health, and bridging HTTP clients
to stdio-backed servers through pooled child sessions.

Routing state persists to the registry file (GATEWAY_REGISTRY_FILE or
gateway.registryFile) and is reloaded on startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	p, err := buildPlatform()
	if err != nil {
		return err
	}
	gwCfg := p.cfg.Gateway

	registry, err := gateway.NewRegistry(gwCfg.RegistryFile)
	if err != nil {
		return fmt.Errorf("opening gateway registry: %w", err)
	}
	p.manager.SetHealthSource(registry)

	metrics := gateway.NewMetrics()
	balancer := gateway.NewBalancer()
	checker := gateway.NewChecker(registry, nil, gateway.CheckerConfig{
		CheckInterval:           gwCfg.Health.CheckInterval,
		ProbeTimeout:            gwCfg.Health.ProbeTimeout,
		MaxConcurrentChecks:     gwCfg.Health.MaxConcurrentChecks,
		MaxConsecutiveFailures:  gwCfg.Health.MaxConsecutiveFailures,
		MinConsecutiveSuccesses: gwCfg.Health.MinConsecutiveSuccesses,
	})
	checker.SetMetrics(metrics)

	toolManager := tools.NewManager(p.registry, p.manager, &tools.DockerProbeFactory{
		Network: p.cfg.Network.Name,
	})

	var auth gateway.Authenticator = gateway.OpenAuthenticator{}
	switch gwCfg.Auth.Mode {
	case "jwt":
		auth = &gateway.JWTAuthenticator{Secret: []byte(gwCfg.Auth.JWTSecret)}
	case "apikey":
		auth = gateway.NewAPIKeyAuthenticator(gwCfg.Auth.APIKeys)
	}

	router := gateway.NewRouter(gateway.RouterConfig{
		RequestTimeout:  gwCfg.RequestTimeout,
		MaxRetries:      gwCfg.MaxRetries,
		StdioPoolSize:   gwCfg.StdioPoolSize,
		StdioQueueDepth: gwCfg.StdioQueueDepth,
	}, registry, balancer, checker, p.registry, toolManager, auth, metrics)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		toolManager.WatchTemplateChanges(ctx)
		return nil
	})
	g.Go(func() error {
		if err := p.registry.Watch(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("Bootstrap", "Template watcher stopped: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", gwCfg.Host, gwCfg.Port)
		return router.Serve(ctx, addr)
	})

	logging.Info("Bootstrap", "flotilla %s serving gateway on %s:%d (backend %s)",
		version, gwCfg.Host, gwCfg.Port, p.cfg.Backend)

	err = g.Wait()
	closeBackends(p.backends)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func closeBackends(backends map[string]backend.Backend) {
	for _, b := range backends {
		if closer, ok := b.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}
