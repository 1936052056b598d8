package cad

import (
	"context"
	"errors"
	"fmt"

	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Bridge serves the worker's tools as an MCP server, so MCP clients can use
// the CAD worker without speaking its line protocol.
type Bridge struct {
	client *Client
	server *server.MCPServer
}

// NewBridge lists the worker's tools and registers a forwarding handler for
// each. The worker is started if it is not running.
func NewBridge(ctx context.Context, client *Client, version string) (*Bridge, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	b := &Bridge{
		client: client,
		server: server.NewMCPServer("workerbus-cad", version, server.WithToolCapabilities(false)),
	}
	for _, tool := range tools {
		b.server.AddTool(tool, b.forward(tool.Name))
	}
	client.log.Infow("serving tools over MCP", "tools", len(tools))
	return b, nil
}

// Server returns the underlying MCP server.
func (b *Bridge) Server() *server.MCPServer { return b.server }

// ServeStdio serves MCP on the process's stdin and stdout until stdin closes.
func (b *Bridge) ServeStdio() error {
	return server.ServeStdio(b.server)
}

func (b *Bridge) forward(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := b.client.CallTool(ctx, name, request.GetArguments())
		if err == nil {
			return result, nil
		}

		// Tool failures are results to an MCP client, not transport errors.
		var toolErr *workererr.ToolError
		if errors.As(err, &toolErr) {
			if result != nil {
				return result, nil
			}
			return mcp.NewToolResultError(toolErr.Message), nil
		}
		return nil, err
	}
}
