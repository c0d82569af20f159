package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"flotilla/internal/backend"
	"flotilla/internal/template"
	"flotilla/pkg/logging"
)

// defaultStopTimeout bounds graceful container shutdown.
const defaultStopTimeout = 10 * time.Second

// HealthSource reports the most recent gateway health status for a
// deployment, when the deployment is registered as a gateway instance.
// Implemented by the gateway registry.
type HealthSource interface {
	InstanceStatus(templateID, deploymentID string) (healthy bool, known bool)
}

// Options tune a single deploy operation.
type Options struct {
	// Backend selects a non-default backend by name.
	Backend string

	// Port overrides the host port.
	Port int

	// DeploymentID pins an explicit id for idempotent redeploys.
	DeploymentID string

	// DryRun validates and returns the plan without touching the backend.
	DryRun bool

	// PullImage pulls the image before creation.
	PullImage bool
}

// Plan is the validated would-be deployment returned by a dry run. Config
// is the redacted snapshot and Env has the values of sensitive properties
// masked.
type Plan struct {
	TemplateID string            `json:"template_id"`
	Image      string            `json:"image"`
	Backend    string            `json:"backend"`
	Transport  string            `json:"transport"`
	Port       int               `json:"port"`
	Config     map[string]any    `json:"config"`
	Env        map[string]string `json:"env"`
	Mounts     []string          `json:"mounts"`
	Args       []string          `json:"args"`
}

// Outcome is the result of Deploy: the realized deployment, or just the
// plan when DryRun was set.
type Outcome struct {
	Deployment *backend.Deployment
	Plan       *Plan
}

// Manager orchestrates the template registry, the configuration processor
// and the backends to realize, inspect and tear down deployments. It owns
// deployment identity and status aggregation.
type Manager struct {
	registry *template.Registry
	backends map[string]backend.Backend
	def      string

	health HealthSource
}

// NewManager builds a manager over the given backends; def names the
// default one.
func NewManager(registry *template.Registry, backends map[string]backend.Backend, def string) *Manager {
	return &Manager{registry: registry, backends: backends, def: def}
}

// SetHealthSource wires the gateway registry in for status aggregation.
func (m *Manager) SetHealthSource(h HealthSource) { m.health = h }

func (m *Manager) backendFor(opts Options) (backend.Backend, error) {
	name := opts.Backend
	if name == "" {
		name = m.def
	}
	b, ok := m.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}

// Deploy realizes a template. Redeploying with the same template, config
// snapshot and explicit id is a no-op while the matching deployment runs;
// otherwise the existing deployment is stopped and replaced.
func (m *Manager) Deploy(ctx context.Context, templateID string, layers template.Layers, opts Options) (*Outcome, error) {
	t, err := m.registry.Get(templateID)
	if err != nil {
		return nil, err
	}

	processed, err := template.Process(t, layers)
	if err != nil {
		return nil, err
	}
	configHash := hashConfig(processed.Config)

	b, err := m.backendFor(opts)
	if err != nil {
		return nil, err
	}

	port := opts.Port
	if port == 0 {
		port = t.Port
	}

	if opts.DryRun {
		mounts := make([]string, len(processed.Volumes))
		for i, v := range processed.Volumes {
			mounts[i] = v.String()
		}
		return &Outcome{Plan: &Plan{
			TemplateID: t.ID,
			Image:      t.Image,
			Backend:    b.Name(),
			Transport:  t.Transport.Default,
			Port:       port,
			Config:     processed.Redacted(),
			Env:        redactEnv(t, processed.Env),
			Mounts:     mounts,
			Args:       processed.Args,
		}}, nil
	}

	if opts.DeploymentID != "" {
		existing, err := b.Inspect(ctx, opts.DeploymentID)
		if err == nil {
			if existing.Status == backend.StatusRunning && existing.TemplateID == t.ID && existing.ConfigHash == configHash {
				logging.Info("Deployer", "Deployment %s already running with identical configuration", opts.DeploymentID)
				return &Outcome{Deployment: existing}, nil
			}
			// Stop-then-start replace; atomic from the caller's view.
			if err := b.Stop(ctx, opts.DeploymentID, defaultStopTimeout); err != nil {
				logging.Warn("Deployer", "Stopping %s before replace: %v", opts.DeploymentID, err)
			}
			if err := b.Remove(ctx, opts.DeploymentID); err != nil {
				return nil, fmt.Errorf("replacing deployment %s: %w", opts.DeploymentID, err)
			}
		}
	}

	dep, err := b.Deploy(ctx, backend.DeployRequest{
		Template:     t,
		DeploymentID: opts.DeploymentID,
		Config:       processed.Config,
		ConfigHash:   configHash,
		Env:          processed.Env,
		Mounts:       processed.Volumes,
		Args:         processed.Args,
		Port:         opts.Port,
		PullImage:    opts.PullImage,
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Deployer", "Template %s deployed as %s on %s", templateID, dep.ID, b.Name())
	return &Outcome{Deployment: dep}, nil
}

// Stop stops a deployment on whichever backend owns it. Idempotent on
// already-stopped deployments.
func (m *Manager) Stop(ctx context.Context, deploymentID string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultStopTimeout
	}
	b, dep, err := m.find(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == backend.StatusStopped {
		return nil
	}
	return b.Stop(ctx, deploymentID, timeout)
}

// Remove stops and deletes a deployment.
func (m *Manager) Remove(ctx context.Context, deploymentID string) error {
	b, dep, err := m.find(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == backend.StatusRunning {
		if err := b.Stop(ctx, deploymentID, defaultStopTimeout); err != nil {
			logging.Warn("Deployer", "Stop before remove of %s: %v", deploymentID, err)
		}
	}
	return b.Remove(ctx, deploymentID)
}

// Restart replaces a running deployment with a fresh one under the same
// identity, re-processing the supplied configuration layers.
func (m *Manager) Restart(ctx context.Context, deploymentID string, layers template.Layers, opts Options) (*Outcome, error) {
	b, dep, err := m.find(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	// Stop first so Deploy's idempotency check cannot turn the restart
	// into a no-op when the configuration is unchanged.
	if dep.Status == backend.StatusRunning {
		if err := b.Stop(ctx, deploymentID, defaultStopTimeout); err != nil {
			return nil, fmt.Errorf("stopping %s for restart: %w", deploymentID, err)
		}
	}
	opts.DeploymentID = deploymentID
	return m.Deploy(ctx, dep.TemplateID, layers, opts)
}

// Status returns a deployment with backend state aggregated against the
// most recent gateway probe: the reported status is the worst of the two.
func (m *Manager) Status(ctx context.Context, deploymentID string) (*backend.Deployment, error) {
	_, dep, err := m.find(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	m.aggregate(dep)
	return dep, nil
}

// List returns deployments across all backends, worst-of aggregated.
func (m *Manager) List(ctx context.Context, filter backend.ListFilter) ([]*backend.Deployment, error) {
	var out []*backend.Deployment
	var firstErr error
	for _, b := range m.backends {
		deps, err := b.List(ctx, filter)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, deps...)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	for _, dep := range out {
		m.aggregate(dep)
	}
	return out, nil
}

// Logs streams a deployment's output.
func (m *Manager) Logs(ctx context.Context, deploymentID string, opts backend.LogOptions) (io.ReadCloser, error) {
	b, _, err := m.find(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return b.Logs(ctx, deploymentID, opts)
}

// Exec runs a command inside a deployment.
func (m *Manager) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error) {
	b, _, err := m.find(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return b.Exec(ctx, deploymentID, argv, stdin)
}

// CleanupStopped removes stopped deployments on every backend.
func (m *Manager) CleanupStopped(ctx context.Context, templateID string) (int, error) {
	total := 0
	for _, b := range m.backends {
		n, err := b.CleanupStopped(ctx, templateID)
		if err != nil {
			logging.Warn("Deployer", "Cleanup on %s: %v", b.Name(), err)
			continue
		}
		total += n
	}
	return total, nil
}

func (m *Manager) find(ctx context.Context, deploymentID string) (backend.Backend, *backend.Deployment, error) {
	for _, b := range m.backends {
		dep, err := b.Inspect(ctx, deploymentID)
		if err == nil {
			return b, dep, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", backend.ErrDeploymentNotFound, deploymentID)
}

// aggregate folds the gateway's health view into the backend status.
func (m *Manager) aggregate(dep *backend.Deployment) {
	if m.health == nil || dep.Status != backend.StatusRunning {
		return
	}
	healthy, known := m.health.InstanceStatus(dep.TemplateID, dep.ID)
	if known && !healthy {
		dep.Status = backend.StatusUnhealthy
	}
}

// hashConfig produces a stable digest of a config snapshot for idempotent
// redeploys. JSON marshalling sorts map keys, so the digest is canonical.
func hashConfig(config map[string]any) string {
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// redactEnv masks values of env vars emitted by sensitive properties.
func redactEnv(t *template.Template, env map[string]string) map[string]string {
	sensitive := make(map[string]struct{})
	if t.ConfigSchema != nil {
		for _, prop := range t.ConfigSchema.Properties {
			if prop.Sensitive && prop.EnvMapping != "" {
				sensitive[prop.EnvMapping] = struct{}{}
			}
		}
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if _, ok := sensitive[k]; ok {
			out[k] = "********"
		} else {
			out[k] = v
		}
	}
	return out
}
