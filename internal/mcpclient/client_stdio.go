package mcpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"flotilla/pkg/logging"
)

// DefaultStdioInitTimeout covers subprocess start plus the MCP handshake.
const DefaultStdioInitTimeout = 10 * time.Second

// StdioClient is an MCP session over a child process's pipes. The
// underlying transport frames line-delimited JSON-RPC, serializes writes
// per session and matches reads to writes by request id; a dead child
// fails outstanding requests with ErrConnectionClosed. On Close the child
// receives a terminate signal and is awaited with a bounded grace period
// before a hard kill.
type StdioClient struct {
	baseMCPClient
	command string
	args    []string
	env     map[string]string
}

// NewStdioClient creates a stdio-based MCP client for the given command.
func NewStdioClient(command string, args []string) *StdioClient {
	return &StdioClient{command: command, args: args, env: make(map[string]string)}
}

// NewStdioClientWithEnv creates a stdio-based MCP client with extra
// environment variables for the child.
func NewStdioClientWithEnv(command string, args []string, env map[string]string) *StdioClient {
	return &StdioClient{command: command, args: args, env: env}
}

// Initialize spawns the child and performs the protocol handshake.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("Connection", "Spawning stdio server: %s %v", c.command, c.args)

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return fmt.Errorf("starting stdio server: %w", err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, c.initRequest())
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("Connection", "Closing failed stdio client for %s: %v", c.command, closeErr)
		}
		return classifyErr("initialize", err)
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("Connection", "Stdio server ready: %s %s",
		initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close terminates the child and releases the session.
func (c *StdioClient) Close() error {
	return c.closeClient()
}

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}
