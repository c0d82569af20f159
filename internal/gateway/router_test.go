package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotilla/internal/mcpclient"
)

// fakeSession is a scripted MCP session keyed by instance.
type fakeSession struct {
	instanceID string
	script     *sessionScript
}

type sessionScript struct {
	mu       sync.Mutex
	initErr  map[string]error
	listErr  map[string]error
	callErr  map[string]error
	tools    []mcp.Tool
	toolErr  bool
	handled  []string
	initOnce map[string]bool
}

func newSessionScript() *sessionScript {
	return &sessionScript{
		initErr:  make(map[string]error),
		listErr:  make(map[string]error),
		callErr:  make(map[string]error),
		tools:    []mcp.Tool{{Name: "say_hello"}},
		initOnce: make(map[string]bool),
	}
}

func (s *sessionScript) failList(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr[id] = err
}
func (s *sessionScript) failInitOnce(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initErr[id] = err
	s.initOnce[id] = true
}

func (f *fakeSession) Initialize(ctx context.Context) error {
	f.script.mu.Lock()
	defer f.script.mu.Unlock()
	if err := f.script.initErr[f.instanceID]; err != nil {
		if f.script.initOnce[f.instanceID] {
			delete(f.script.initErr, f.instanceID)
		}
		return err
	}
	return nil
}

func (f *fakeSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.script.mu.Lock()
	defer f.script.mu.Unlock()
	if err := f.script.listErr[f.instanceID]; err != nil {
		return nil, err
	}
	f.script.handled = append(f.script.handled, f.instanceID)
	return f.script.tools, nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.script.mu.Lock()
	defer f.script.mu.Unlock()
	// The request body has been transmitted by this point.
	f.script.handled = append(f.script.handled, f.instanceID)
	if err := f.script.callErr[f.instanceID]; err != nil {
		return nil, err
	}
	if f.script.toolErr {
		return &mcp.CallToolResult{IsError: true}, &mcpclient.ToolExecutionError{Tool: name, Message: "boom"}
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeSession) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return []mcp.Resource{{URI: "res://demo"}}, nil
}

func (f *fakeSession) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeSession) Close() error { return nil }

func newTestRouter(t *testing.T, script *sessionScript) (*Router, *Registry) {
	t.Helper()
	registry, err := NewRegistry("")
	require.NoError(t, err)

	checker := NewChecker(registry, newScriptedProber(), fastCheckerConfig())
	rt := NewRouter(RouterConfig{
		RequestTimeout:  2 * time.Second,
		MaxRetries:      3,
		BackoffBase:     time.Millisecond,
		StdioPoolSize:   2,
		StdioQueueDepth: 2,
	}, registry, NewBalancer(), checker, nil, nil, OpenAuthenticator{}, nil)

	rt.httpFactory = func(inst *Instance) mcpclient.MCPClient {
		return &fakeSession{instanceID: inst.ID, script: script}
	}
	rt.fallbackFactory = nil
	return rt, registry
}

func registerHealthy(t *testing.T, r *Registry, templateID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, r.Register(templateID, httpInstance(id), nil))
	}
}

func doRequest(t *testing.T, rt *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRouter_RoundRobinFairness(t *testing.T) {
	script := newSessionScript()
	rt, registry := newTestRouter(t, script)
	registerHealthy(t, registry, "demo", "a", "b", "c")

	var sequence []string
	for i := 0; i < 9; i++ {
		rec := doRequest(t, rt, http.MethodGet, "/mcp/demo/tools/list", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sequence = append(sequence, rec.Header().Get("X-Instance-Id"))
		assert.Equal(t, string(StrategyRoundRobin), rec.Header().Get("X-Strategy"))
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, sequence)
}

func TestRouter_RetryExcludesFailedInstance(t *testing.T) {
	script := newSessionScript()
	rt, registry := newTestRouter(t, script)
	registerHealthy(t, registry, "demo", "a", "b")

	// The first selected instance (a) refuses connections once; the retry
	// must go to b, not back to a.
	script.failInitOnce("a", fmt.Errorf("connection refused"))

	rec := doRequest(t, rt, http.MethodGet, "/mcp/demo/tools/list", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "b", rec.Header().Get("X-Instance-Id"))
	assert.Equal(t, "a,b", rec.Header().Get("X-Attempts"))
}

func TestRouter_ToolCallNotRetriedAfterTransmission(t *testing.T) {
	script := newSessionScript()
	rt, registry := newTestRouter(t, script)
	registerHealthy(t, registry, "demo", "a", "b")

	// Both instances accept connections but die mid-call: a non-idempotent
	// call must not be replayed once its body has been transmitted.
	script.callErr["a"] = mcpclient.ErrConnectionClosed
	script.callErr["b"] = mcpclient.ErrConnectionClosed

	rec := doRequest(t, rt, http.MethodPost, "/mcp/demo/tools/call",
		map[string]any{"name": "say_hello"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	script.mu.Lock()
	attempts := len(script.handled)
	script.mu.Unlock()
	assert.Equal(t, 1, attempts, "tools/call must reach exactly one instance")
}

func TestRouter_ToolExecutionErrorReturnedVerbatim(t *testing.T) {
	script := newSessionScript()
	script.toolErr = true
	rt, registry := newTestRouter(t, script)
	registerHealthy(t, registry, "demo", "a")

	rec := doRequest(t, rt, http.MethodPost, "/mcp/demo/tools/call",
		map[string]any{"name": "say_hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, true, result["isError"])

	// A structured failure is an answer: exactly one attempt.
	script.mu.Lock()
	defer script.mu.Unlock()
	assert.Len(t, script.handled, 1)
}

func TestRouter_UnknownTemplate404(t *testing.T) {
	rt, _ := newTestRouter(t, newSessionScript())

	rec := doRequest(t, rt, http.MethodGet, "/mcp/ghost/tools/list", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "template_not_found", errObj["type"])
}

func TestRouter_NoHealthyInstances503(t *testing.T) {
	script := newSessionScript()
	rt, registry := newTestRouter(t, script)

	inst := httpInstance("down")
	inst.Status = StatusUnhealthy
	require.NoError(t, registry.Register("demo", inst, nil))

	rec := doRequest(t, rt, http.MethodGet, "/mcp/demo/tools/list", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_TimeoutReturns504WithInstance(t *testing.T) {
	script := newSessionScript()
	rt, registry := newTestRouter(t, script)
	registerHealthy(t, registry, "demo", "a")

	script.failList("a", fmt.Errorf("%w: tools/list", mcpclient.ErrTimeout))

	rec := doRequest(t, rt, http.MethodGet, "/mcp/demo/tools/list", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "a")
}

func TestRouter_BadRequests(t *testing.T) {
	script := newSessionScript()
	rt, registry := newTestRouter(t, script)
	registerHealthy(t, registry, "demo", "a")

	rec := doRequest(t, rt, http.MethodPost, "/mcp/demo/tools/call", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing tool name")

	rec = doRequest(t, rt, http.MethodPost, "/mcp/demo/resources/read", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing resource URI")
}

func TestRouter_RegisterAndDeregister(t *testing.T) {
	rt, registry := newTestRouter(t, newSessionScript())

	rec := doRequest(t, rt, http.MethodPost, "/gateway/register", map[string]any{
		"template_id": "demo",
		"instance": map[string]any{
			"id":        "inst-1",
			"transport": "http",
			"endpoint":  "http://127.0.0.1:9000",
			"status":    "healthy",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, registry.HealthyInstances("demo"), 1)

	rec = doRequest(t, rt, http.MethodDelete, "/gateway/deregister/demo/inst-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, rt, http.MethodDelete, "/gateway/deregister/demo/inst-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_GatewayEndpoints(t *testing.T) {
	rt, registry := newTestRouter(t, newSessionScript())
	registerHealthy(t, registry, "demo", "a")

	rec := doRequest(t, rt, http.MethodGet, "/gateway/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = doRequest(t, rt, http.MethodGet, "/gateway/registry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "demo")

	rec = doRequest(t, rt, http.MethodGet, "/gateway/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, rt, http.MethodGet, "/mcp/demo/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "health_percentage")
}

func TestRouter_JWTAuth(t *testing.T) {
	script := newSessionScript()
	registry, err := NewRegistry("")
	require.NoError(t, err)
	checker := NewChecker(registry, newScriptedProber(), fastCheckerConfig())

	secret := []byte("test-secret")
	rt := NewRouter(DefaultRouterConfig(), registry, NewBalancer(), checker, nil, nil,
		&JWTAuthenticator{Secret: secret}, nil)
	rt.httpFactory = func(inst *Instance) mcpclient.MCPClient {
		return &fakeSession{instanceID: inst.ID, script: script}
	}
	registerHealthy(t, registry, "demo", "a")

	// Unauthenticated requests to non-health routes fail.
	rec := doRequest(t, rt, http.MethodGet, "/mcp/demo/tools/list", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health routes stay open.
	rec = doRequest(t, rt, http.MethodGet, "/gateway/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A valid bearer token passes.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/mcp/demo/tools/list", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	rt.Handler().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
}

func TestRouter_APIKeyAuth(t *testing.T) {
	registry, err := NewRegistry("")
	require.NoError(t, err)
	checker := NewChecker(registry, newScriptedProber(), fastCheckerConfig())
	rt := NewRouter(DefaultRouterConfig(), registry, NewBalancer(), checker, nil, nil,
		NewAPIKeyAuthenticator([]string{"valid-key"}), nil)

	req := httptest.NewRequest(http.MethodGet, "/gateway/registry", nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/gateway/registry", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec = httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
