package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"flotilla/internal/backend"
	"flotilla/internal/mcpclient"
	"flotilla/internal/template"
	"flotilla/pkg/logging"
)

// Method records which tier of the discovery cascade produced a result.
type Method string

const (
	MethodCache  Method = "cache"
	MethodHTTP   Method = "http"
	MethodStdio  Method = "stdio"
	MethodStatic Method = "static"
	MethodNone   Method = "none"
)

// Default cascade parameters.
const (
	DefaultTTL          = 6 * time.Hour
	DefaultStaticTTL    = time.Hour
	DefaultHTTPTimeout  = 5 * time.Second
	DefaultStdioTimeout = 15 * time.Second
	DefaultRefreshGrace = 5 * time.Minute
)

// Discovery is the result of enumerating a template's tools.
type Discovery struct {
	Tools  []mcp.Tool `json:"tools"`
	Method Method     `json:"method"`
	Source string     `json:"source,omitempty"`
}

// Options tune a single Discover call.
type Options struct {
	// Refresh bypasses the cache and forces a live probe.
	Refresh bool
}

// DeploymentSource lists running deployments of a template. Satisfied by
// the deployment manager.
type DeploymentSource interface {
	List(ctx context.Context, filter backend.ListFilter) ([]*backend.Deployment, error)
}

// ProbeFactory builds short-lived connections for the live tiers of the
// cascade. The default factory talks to real deployments; tests inject
// fakes.
type ProbeFactory interface {
	// HTTPClient opens a session to a running HTTP deployment.
	HTTPClient(endpoint string) mcpclient.MCPClient

	// StdioClient spawns an ephemeral server for the template, torn down
	// after the probe.
	StdioClient(t *template.Template) mcpclient.MCPClient
}

// Manager answers "what tools does template X expose?" using the four-tier
// discovery cascade: fresh cache entry, live HTTP probe of a running
// deployment, ephemeral stdio spawn, then the template's static tool list.
// Concurrent discoveries for one template coalesce onto a single in-flight
// execution, and entries close to expiry are served stale while a
// background refresh runs.
type Manager struct {
	registry    *template.Registry
	deployments DeploymentSource
	probes      ProbeFactory

	cache *cache
	group singleflight.Group

	ttl          time.Duration
	staticTTL    time.Duration
	httpTimeout  time.Duration
	stdioTimeout time.Duration
	refreshGrace time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewManager builds a tool manager with the default cascade parameters.
func NewManager(registry *template.Registry, deployments DeploymentSource, probes ProbeFactory) *Manager {
	return &Manager{
		registry:     registry,
		deployments:  deployments,
		probes:       probes,
		cache:        newCache(),
		ttl:          DefaultTTL,
		staticTTL:    DefaultStaticTTL,
		httpTimeout:  DefaultHTTPTimeout,
		stdioTimeout: DefaultStdioTimeout,
		refreshGrace: DefaultRefreshGrace,
		now:          time.Now,
	}
}

// WatchTemplateChanges invalidates cache entries when the registry reports
// a descriptor change. Blocks until the subscription channel closes.
func (m *Manager) WatchTemplateChanges(ctx context.Context) {
	changes := m.registry.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-changes:
			if !ok {
				return
			}
			m.Invalidate(id)
		}
	}
}

// Invalidate drops the cache entry for a template.
func (m *Manager) Invalidate(templateID string) {
	m.cache.invalidate(templateID)
	logging.Debug("Tools", "Invalidated tool cache for %s", templateID)
}

// Discover runs the cascade for a template. It never fails: when every
// tier comes up empty the result carries MethodNone and no tools.
func (m *Manager) Discover(ctx context.Context, templateID string, opts Options) *Discovery {
	now := m.now()

	if !opts.Refresh {
		if e, ok := m.cache.get(templateID); ok && e.fresh(now) {
			if e.nearExpiry(now) {
				m.revalidate(templateID)
			}
			return &Discovery{Tools: e.tools, Method: MethodCache, Source: e.source}
		}
	}

	result, err, _ := m.group.Do(templateID, func() (any, error) {
		return m.probe(ctx, templateID), nil
	})
	if err != nil {
		// The probe function never errors; this is singleflight plumbing.
		return &Discovery{Method: MethodNone}
	}
	return result.(*Discovery)
}

// revalidate schedules a background refresh for a near-expiry entry.
// Failures do not evict: the entry's life is extended by the grace period
// and the next access retries.
func (m *Manager) revalidate(templateID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.stdioTimeout+m.httpTimeout)
		defer cancel()

		_, _, _ = m.group.Do(templateID, func() (any, error) {
			d := m.probe(ctx, templateID)
			if d.Method == MethodNone {
				m.cache.extend(templateID, m.refreshGrace)
				logging.Debug("Tools", "Background refresh for %s failed, extending entry", templateID)
			}
			return d, nil
		})
	}()
}

// probe walks the live tiers and caches whatever succeeds.
func (m *Manager) probe(ctx context.Context, templateID string) *Discovery {
	t, err := m.registry.Get(templateID)
	if err != nil {
		logging.Warn("Tools", "Discovery for unknown template %s", templateID)
		return &Discovery{Method: MethodNone}
	}

	if d := m.probeHTTP(ctx, t); d != nil {
		m.store(templateID, d, m.ttl)
		return d
	}
	if d := m.probeStdio(ctx, t); d != nil {
		m.store(templateID, d, m.ttl)
		return d
	}

	// Static fallback: may legitimately be empty. Cached with the shorter
	// TTL so a later live probe gets a chance sooner.
	if len(t.Tools) > 0 {
		d := &Discovery{Tools: staticTools(t), Method: MethodStatic, Source: "template"}
		m.store(templateID, d, m.staticTTL)
		return d
	}

	logging.Debug("Tools", "All discovery tiers failed for %s", templateID)
	return &Discovery{Method: MethodNone}
}

// probeHTTP lists tools over a short-lived connection to a running HTTP
// deployment of the template.
func (m *Manager) probeHTTP(ctx context.Context, t *template.Template) *Discovery {
	if m.deployments == nil || !t.SupportsTransport(template.TransportHTTP) {
		return nil
	}

	deps, err := m.deployments.List(ctx, backend.ListFilter{TemplateID: t.ID})
	if err != nil {
		logging.Debug("Tools", "HTTP tier for %s: listing deployments: %v", t.ID, err)
		return nil
	}

	for _, dep := range deps {
		if dep.Endpoint == "" {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.httpTimeout)
		tools, err := m.listToolsOver(probeCtx, m.probes.HTTPClient(dep.Endpoint))
		cancel()
		if err != nil {
			logging.Debug("Tools", "HTTP tier for %s via %s: %v", t.ID, dep.Endpoint, err)
			continue
		}
		return &Discovery{Tools: tools, Method: MethodHTTP, Source: dep.ID}
	}
	return nil
}

// probeStdio spawns an ephemeral stdio server, lists its tools and tears
// it down.
func (m *Manager) probeStdio(ctx context.Context, t *template.Template) *Discovery {
	if !t.SupportsTransport(template.TransportStdio) {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.stdioTimeout)
	defer cancel()

	tools, err := m.listToolsOver(probeCtx, m.probes.StdioClient(t))
	if err != nil {
		logging.Debug("Tools", "stdio tier for %s: %v", t.ID, err)
		return nil
	}
	return &Discovery{Tools: tools, Method: MethodStdio, Source: "ephemeral"}
}

func (m *Manager) listToolsOver(ctx context.Context, c mcpclient.MCPClient) ([]mcp.Tool, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	defer c.Close()
	return c.ListTools(ctx)
}

func (m *Manager) store(templateID string, d *Discovery, ttl time.Duration) {
	m.cache.put(templateID, &entry{
		tools:     d.Tools,
		method:    d.Method,
		source:    d.Source,
		timestamp: m.now(),
		ttl:       ttl,
	})
}

// staticTools converts declared tool specs into the wire representation.
func staticTools(t *template.Template) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(t.Tools))
	for _, spec := range t.Tools {
		tool := mcp.Tool{
			Name:        spec.Name,
			Description: spec.Description,
		}
		if spec.Parameters != nil {
			if props, ok := spec.Parameters["properties"].(map[string]any); ok {
				tool.InputSchema = mcp.ToolInputSchema{
					Type:       "object",
					Properties: props,
				}
			}
		}
		out = append(out, tool)
	}
	return out
}

// DockerProbeFactory is the production probe factory: HTTP probes talk to
// the deployment's endpoint, stdio probes run the template image in a
// disposable container.
type DockerProbeFactory struct {
	// Network attaches ephemeral containers to the shared network.
	Network string
}

func (f *DockerProbeFactory) HTTPClient(endpoint string) mcpclient.MCPClient {
	return mcpclient.NewStreamableHTTPClient(endpoint)
}

func (f *DockerProbeFactory) StdioClient(t *template.Template) mcpclient.MCPClient {
	args := []string{"run", "--rm", "-i"}
	if f.Network != "" {
		args = append(args, "--network", f.Network)
	}
	args = append(args,
		"-e", "MCP_TEMPLATE_ID="+t.ID,
		"-e", "MCP_TRANSPORT="+template.TransportStdio,
	)
	args = append(args, t.Image)
	return mcpclient.NewStdioClient("docker", args)
}

var _ ProbeFactory = (*DockerProbeFactory)(nil)

// String renders a discovery for logs and CLI output.
func (d *Discovery) String() string {
	return fmt.Sprintf("%d tools via %s", len(d.Tools), d.Method)
}
