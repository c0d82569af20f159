package mcpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"flotilla/pkg/logging"
)

// StreamableHTTPClient is an MCP session over streamable HTTP. The
// underlying transport pools connections per endpoint and keeps them
// alive across calls.
type StreamableHTTPClient struct {
	baseMCPClient
	url        string
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
}

// HTTPOption tunes a StreamableHTTPClient.
type HTTPOption func(*StreamableHTTPClient)

// WithHeaders attaches custom headers to every request.
func WithHeaders(headers map[string]string) HTTPOption {
	return func(c *StreamableHTTPClient) { c.headers = headers }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *StreamableHTTPClient) { c.timeout = timeout }
}

// WithHTTPClient substitutes a custom http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *StreamableHTTPClient) { c.httpClient = hc }
}

// NewStreamableHTTPClient creates an HTTP-based MCP client for the given
// endpoint URL.
func NewStreamableHTTPClient(url string, opts ...HTTPOption) *StreamableHTTPClient {
	c := &StreamableHTTPClient{url: url}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize connects and performs the protocol handshake.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}
	if c.timeout > 0 {
		opts = append(opts, transport.WithHTTPTimeout(c.timeout))
	}
	if c.httpClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(c.httpClient))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return classifyErr("connect", err)
	}

	initResult, err := mcpClient.Initialize(ctx, c.initRequest())
	if err != nil {
		_ = mcpClient.Close()
		return classifyErr("initialize", err)
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("Connection", "HTTP server ready at %s: %s %s",
		c.url, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close waits for in-flight requests to return, then releases the session.
func (c *StreamableHTTPClient) Close() error {
	return c.closeClient()
}

func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StreamableHTTPClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StreamableHTTPClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}
