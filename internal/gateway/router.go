package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/cors"

	"flotilla/internal/mcpclient"
	"flotilla/internal/template"
	"flotilla/internal/tools"
	"flotilla/pkg/logging"
)

// RouterConfig tunes the gateway HTTP surface.
type RouterConfig struct {
	RequestTimeout  time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	StdioPoolSize   int
	StdioQueueDepth int
}

// DefaultRouterConfig returns the standard routing parameters.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RequestTimeout:  60 * time.Second,
		MaxRetries:      3,
		BackoffBase:     100 * time.Millisecond,
		StdioPoolSize:   3,
		StdioQueueDepth: 16,
	}
}

// Router is the gateway's HTTP surface. Per request it authenticates,
// resolves the template, asks the balancer for a healthy instance and
// forwards over the connection layer, bridging HTTP clients to stdio
// servers through a per-instance session pool.
type Router struct {
	registry  *Registry
	balancer  *Balancer
	checker   *Checker
	templates *template.Registry
	tools     *tools.Manager
	auth      Authenticator
	metrics   *Metrics
	cfg       RouterConfig

	pool *sessionPool

	// httpFactory builds sessions to HTTP instances; swappable in tests.
	httpFactory func(inst *Instance) mcpclient.MCPClient

	// fallbackFactory builds an ephemeral stdio session for templates with
	// no registered instances. Nil disables the fallback.
	fallbackFactory func(t *template.Template) mcpclient.MCPClient

	startTime    time.Time
	requestCount atomic.Int64
}

// NewRouter assembles the gateway surface. templates and toolManager may
// be nil in reduced deployments. Without templates there is no stdio
// fallback: a registered template with no healthy instance gets 503 and an
// unregistered one 404. Without toolManager, the tools/list fallback skips
// the discovery cascade and goes straight to a stdio session.
func NewRouter(
	cfg RouterConfig,
	registry *Registry,
	balancer *Balancer,
	checker *Checker,
	templates *template.Registry,
	toolManager *tools.Manager,
	auth Authenticator,
	metrics *Metrics,
) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg = DefaultRouterConfig()
	}
	if auth == nil {
		auth = OpenAuthenticator{}
	}
	rt := &Router{
		registry:  registry,
		balancer:  balancer,
		checker:   checker,
		templates: templates,
		tools:     toolManager,
		auth:      auth,
		metrics:   metrics,
		cfg:       cfg,
		startTime: time.Now(),
	}
	rt.httpFactory = func(inst *Instance) mcpclient.MCPClient {
		return mcpclient.NewStreamableHTTPClient(inst.Endpoint, mcpclient.WithTimeout(cfg.RequestTimeout))
	}
	rt.fallbackFactory = func(t *template.Template) mcpclient.MCPClient {
		factory := &tools.DockerProbeFactory{}
		return factory.StdioClient(t)
	}
	rt.pool = newSessionPool(cfg.StdioPoolSize, cfg.StdioQueueDepth, func(inst *Instance) mcpclient.MCPClient {
		if len(inst.Command) == 0 {
			return mcpclient.NewStdioClient("false", nil)
		}
		return mcpclient.NewStdioClientWithEnv(inst.Command[0], inst.Command[1:], inst.Env)
	})
	return rt
}

// Handler builds the route family with CORS and authentication applied.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /mcp/{template}/tools/list", rt.handleToolsList)
	mux.HandleFunc("POST /mcp/{template}/tools/call", rt.handleToolsCall)
	mux.HandleFunc("GET /mcp/{template}/resources/list", rt.handleResourcesList)
	mux.HandleFunc("POST /mcp/{template}/resources/read", rt.handleResourcesRead)
	mux.HandleFunc("GET /mcp/{template}/health", rt.handleTemplateHealth)

	mux.HandleFunc("GET /gateway/health", rt.handleGatewayHealth)
	mux.HandleFunc("GET /gateway/registry", rt.handleRegistry)
	mux.HandleFunc("GET /gateway/stats", rt.handleStats)
	mux.HandleFunc("POST /gateway/register", rt.handleRegister)
	mux.HandleFunc("DELETE /gateway/deregister/{template}/{instance}", rt.handleDeregister)

	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	handler := rt.authMiddleware(mux)
	return cors.AllowAll().Handler(handler)
}

// authMiddleware enforces authentication on every route except health and
// metrics.
func (rt *Router) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isOpenRoute(r.URL.Path) {
			if err := rt.auth.Authenticate(r); err != nil {
				writeError(w, http.StatusUnauthorized, "auth_failed", err.Error(), nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isOpenRoute(path string) bool {
	if path == "/gateway/health" || path == "/metrics" {
		return true
	}
	return strings.HasPrefix(path, "/mcp/") && strings.HasSuffix(path, "/health")
}

// Serve runs the gateway until ctx is cancelled.
func (rt *Router) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: rt.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Router", "Gateway listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- MCP forwarding ---

func (rt *Router) handleToolsList(w http.ResponseWriter, r *http.Request) {
	rt.forwardAndRespond(w, r, r.PathValue("template"), "tools/list", nil)
}

func (rt *Router) handleToolsCall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing tool name", nil)
		return
	}
	rt.forwardAndRespond(w, r, r.PathValue("template"), "tools/call", map[string]any{
		"name":      body.Name,
		"arguments": body.Arguments,
	})
}

func (rt *Router) handleResourcesList(w http.ResponseWriter, r *http.Request) {
	rt.forwardAndRespond(w, r, r.PathValue("template"), "resources/list", nil)
}

func (rt *Router) handleResourcesRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if body.URI == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing resource URI", nil)
		return
	}
	rt.forwardAndRespond(w, r, r.PathValue("template"), "resources/read", map[string]any{
		"uri": body.URI,
	})
}

type forwardOutcome struct {
	payload    any
	instanceID string
	strategy   Strategy
	attempts   []string
}

func (rt *Router) forwardAndRespond(w http.ResponseWriter, r *http.Request, templateID, method string, params map[string]any) {
	rt.requestCount.Add(1)
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), rt.cfg.RequestTimeout)
	defer cancel()

	outcome, status, errType, errMsg := rt.forward(ctx, templateID, method, params)

	code := http.StatusOK
	if outcome == nil {
		code = status
	}
	if rt.metrics != nil {
		rt.metrics.ObserveRequest(templateID, fmt.Sprintf("%d", code), time.Since(start).Seconds())
	}

	if outcome == nil {
		writeError(w, status, errType, errMsg, map[string]any{"template": templateID})
		return
	}

	w.Header().Set("X-Instance-Id", outcome.instanceID)
	w.Header().Set("X-Strategy", string(outcome.strategy))
	w.Header().Set("X-Attempts", strings.Join(outcome.attempts, ","))
	writeJSON(w, http.StatusOK, outcome.payload)
}

// forward resolves, balances and retries. It returns either an outcome or
// an HTTP status with error type and message.
func (rt *Router) forward(ctx context.Context, templateID, method string, params map[string]any) (*forwardOutcome, int, string, string) {
	routing, registered := rt.registry.Snapshot(templateID)
	if !registered || len(routing.healthyInstances()) == 0 {
		return rt.forwardFallback(ctx, templateID, method, params, registered)
	}

	policy := routing.Policy
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = rt.cfg.MaxRetries
	}

	exclude := make(map[string]bool)
	var attempts []string
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		inst, err := rt.balancer.Select(templateID, routing.Instances, policy.Strategy, exclude)
		if err != nil {
			if len(attempts) == 0 {
				return nil, http.StatusServiceUnavailable, "no_healthy_instances",
					fmt.Sprintf("no healthy instances for template %q", templateID)
			}
			break
		}
		attempts = append(attempts, inst.ID)

		rt.balancer.RecordStart(templateID, inst.ID)
		payload, err := rt.dispatch(ctx, inst, method, params)
		rt.balancer.RecordEnd(templateID, inst.ID)

		if err == nil {
			return &forwardOutcome{
				payload:    payload,
				instanceID: inst.ID,
				strategy:   policy.Strategy,
				attempts:   attempts,
			}, 0, "", ""
		}

		var toolErr *mcpclient.ToolExecutionError
		if errors.As(err, &toolErr) {
			// A structured negative result is an answer, not a transport
			// failure; it is returned verbatim and never retried.
			return &forwardOutcome{
				payload:    payload,
				instanceID: inst.ID,
				strategy:   policy.Strategy,
				attempts:   attempts,
			}, 0, "", ""
		}

		lastErr = err
		exclude[inst.ID] = true
		logging.Warn("Router", "Attempt %d for %s/%s failed: %v", attempt+1, templateID, method, err)

		if ctx.Err() != nil || errors.Is(err, mcpclient.ErrTimeout) {
			return nil, http.StatusGatewayTimeout, "timeout",
				fmt.Sprintf("request to instance %s timed out", inst.ID)
		}
		if errors.Is(err, ErrQueueFull) {
			return nil, http.StatusServiceUnavailable, "queue_full", err.Error()
		}
		if !retryable(method, err) {
			break
		}
		if rt.metrics != nil {
			rt.metrics.ObserveRetry()
		}

		select {
		case <-ctx.Done():
			return nil, http.StatusGatewayTimeout, "timeout", "request timed out during retry backoff"
		case <-time.After(backoffDelay(rt.cfg.BackoffBase, attempt)):
		}
	}

	return nil, http.StatusBadGateway, "upstream_error",
		fmt.Sprintf("all attempts failed for template %q: %v", templateID, lastErr)
}

// forwardFallback answers through an ephemeral stdio session when a
// template has no registered (or no healthy) instances.
func (rt *Router) forwardFallback(ctx context.Context, templateID, method string, params map[string]any, registered bool) (*forwardOutcome, int, string, string) {
	if rt.templates == nil {
		if registered {
			return nil, http.StatusServiceUnavailable, "no_healthy_instances",
				fmt.Sprintf("no healthy instances for template %q", templateID)
		}
		return nil, http.StatusNotFound, "template_not_found",
			fmt.Sprintf("template %q is not registered with the gateway", templateID)
	}

	t, err := rt.templates.Get(templateID)
	if err != nil {
		if registered {
			return nil, http.StatusServiceUnavailable, "no_healthy_instances",
				fmt.Sprintf("no healthy instances for template %q", templateID)
		}
		return nil, http.StatusNotFound, "template_not_found",
			fmt.Sprintf("template %q is not registered with the gateway", templateID)
	}

	// tools/list can answer from the discovery cascade without spawning
	// anything when a cached or static result exists.
	if method == "tools/list" && rt.tools != nil {
		d := rt.tools.Discover(ctx, templateID, tools.Options{})
		if d.Method != tools.MethodNone {
			return &forwardOutcome{
				payload:    withGatewayInfo(map[string]any{"tools": d.Tools}, string(d.Method)),
				instanceID: "fallback",
				strategy:   "stdio_fallback",
				attempts:   []string{"fallback"},
			}, 0, "", ""
		}
	}

	if rt.fallbackFactory == nil || !t.SupportsTransport(template.TransportStdio) {
		return nil, http.StatusServiceUnavailable, "no_healthy_instances",
			fmt.Sprintf("no instances available for template %q and stdio fallback is not possible", templateID)
	}

	client := rt.fallbackFactory(t)
	defer client.Close()
	if err := client.Initialize(ctx); err != nil {
		return nil, http.StatusServiceUnavailable, "no_healthy_instances",
			fmt.Sprintf("no instances available for template %q and stdio fallback failed: %v", templateID, err)
	}

	payload, err := callOver(ctx, client, method, params)
	if err != nil {
		var toolErr *mcpclient.ToolExecutionError
		if !errors.As(err, &toolErr) {
			return nil, http.StatusBadGateway, "upstream_error",
				fmt.Sprintf("stdio fallback for template %q failed: %v", templateID, err)
		}
	}
	return &forwardOutcome{
		payload:    withGatewayInfo(payload, "stdio"),
		instanceID: "fallback",
		strategy:   "stdio_fallback",
		attempts:   []string{"fallback"},
	}, 0, "", ""
}

// dispatch forwards one call to one instance over its transport.
func (rt *Router) dispatch(ctx context.Context, inst *Instance, method string, params map[string]any) (any, error) {
	switch inst.Transport {
	case TransportStdio:
		client, release, err := rt.pool.borrow(ctx, inst)
		if err != nil {
			return nil, err
		}
		if err := client.Initialize(ctx); err != nil {
			release(false)
			return nil, &connectError{cause: err}
		}
		payload, err := callOver(ctx, client, method, params)
		release(err == nil || isToolError(err))
		return payload, err
	default:
		client := rt.httpFactory(inst)
		defer client.Close()
		if err := client.Initialize(ctx); err != nil {
			return nil, &connectError{cause: err}
		}
		return callOver(ctx, client, method, params)
	}
}

// callOver dispatches an MCP method on an established session.
func callOver(ctx context.Context, client mcpclient.MCPClient, method string, params map[string]any) (any, error) {
	switch method {
	case "tools/list":
		toolList, err := client.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tools": toolList}, nil
	case "tools/call":
		name, _ := params["name"].(string)
		args, _ := params["arguments"].(map[string]any)
		result, err := client.CallTool(ctx, name, args)
		if err != nil && !isToolError(err) {
			return nil, err
		}
		return result, err
	case "resources/list":
		resources, err := client.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"resources": resources}, nil
	case "resources/read":
		uri, _ := params["uri"].(string)
		result, err := client.ReadResource(ctx, uri)
		if err != nil {
			return nil, err
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}
}

// connectError marks failures before any request was transmitted; these
// are retryable even for non-idempotent calls.
type connectError struct {
	cause error
}

func (e *connectError) Error() string { return fmt.Sprintf("connection failed: %v", e.cause) }
func (e *connectError) Unwrap() error { return e.cause }

// retryable applies the retry policy: idempotent methods retry on
// connection-establishment errors, closed connections and protocol errors,
// tool calls only on connection-establishment errors — never after a
// request body may have been transmitted. Timeouts are not retried; forward
// answers them with 504 before consulting this.
func retryable(method string, err error) bool {
	var connErr *connectError
	if errors.As(err, &connErr) {
		return true
	}
	if method == "tools/call" {
		return false
	}
	return errors.Is(err, mcpclient.ErrConnectionClosed) || isProtocolError(err)
}

func isProtocolError(err error) bool {
	var protoErr *mcpclient.ProtocolError
	return errors.As(err, &protoErr)
}

func isToolError(err error) bool {
	var toolErr *mcpclient.ToolExecutionError
	return errors.As(err, &toolErr)
}

// backoffDelay is exponential with 50% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(int64(d)))
}

func withGatewayInfo(payload any, via string) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	m["_gateway_info"] = map[string]any{
		"used_stdio_fallback": true,
		"via":                 via,
	}
	return m
}

// --- gateway management routes ---

func (rt *Router) handleTemplateHealth(w http.ResponseWriter, r *http.Request) {
	templateID := r.PathValue("template")
	routing, ok := rt.registry.Snapshot(templateID)
	if !ok {
		writeError(w, http.StatusNotFound, "template_not_found",
			fmt.Sprintf("template %q is not registered with the gateway", templateID), nil)
		return
	}

	results := make(map[string]any, len(routing.Instances))
	healthy := 0
	for _, inst := range routing.Instances {
		ok := rt.checker.CheckNow(r.Context(), templateID, inst.ID)
		if ok {
			healthy++
		}
		// Re-read the updated record for failure counters.
		fresh, _ := rt.registry.Snapshot(templateID)
		var updated *Instance
		if fresh != nil {
			for _, candidate := range fresh.Instances {
				if candidate.ID == inst.ID {
					updated = candidate
					break
				}
			}
		}
		if updated == nil {
			updated = inst
		}
		results[inst.ID] = map[string]any{
			"healthy":              ok,
			"endpoint":             updated.Endpoint,
			"transport":            updated.Transport,
			"status":               updated.Status,
			"consecutive_failures": updated.ConsecutiveFailures,
			"last_check":           updated.LastCheck,
		}
	}

	percentage := 0.0
	if len(routing.Instances) > 0 {
		percentage = float64(healthy) / float64(len(routing.Instances)) * 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template":          templateID,
		"total_instances":   len(routing.Instances),
		"healthy_instances": healthy,
		"health_percentage": percentage,
		"instances":         results,
	})
}

func (rt *Router) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(rt.startTime).Seconds(),
		"total_requests": rt.requestCount.Load(),
		"registry":       rt.registry.Stats(),
		"health_checker": rt.checker.Stats(),
	})
}

func (rt *Router) handleRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": rt.registry.SnapshotAll(),
		"stats":     rt.registry.Stats(),
	})
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway": map[string]any{
			"uptime_seconds":  time.Since(rt.startTime).Seconds(),
			"total_requests":  rt.requestCount.Load(),
			"request_timeout": rt.cfg.RequestTimeout.Seconds(),
			"max_retries":     rt.cfg.MaxRetries,
		},
		"registry":       rt.registry.Stats(),
		"health_checker": rt.checker.Stats(),
	})
}

func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID string    `json:"template_id"`
		Instance   *Instance `json:"instance"`
		Policy     *Policy   `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if body.TemplateID == "" || body.Instance == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "template_id and instance are required", nil)
		return
	}
	if err := rt.registry.Register(body.TemplateID, body.Instance, body.Policy); err != nil {
		writeError(w, http.StatusBadRequest, "registration_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     fmt.Sprintf("registered instance %s for template %s", body.Instance.ID, body.TemplateID),
		"instance_id": body.Instance.ID,
		"template_id": body.TemplateID,
	})
}

func (rt *Router) handleDeregister(w http.ResponseWriter, r *http.Request) {
	templateID := r.PathValue("template")
	instanceID := r.PathValue("instance")

	removed, err := rt.registry.Deregister(templateID, instanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deregistration_failed", err.Error(), nil)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "instance_not_found",
			fmt.Sprintf("instance %s not found under template %s", instanceID, templateID), nil)
		return
	}
	rt.pool.drop(instanceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("deregistered instance %s from template %s", instanceID, templateID),
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string, details map[string]any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
			"details": details,
		},
	})
}
