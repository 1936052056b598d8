package workertest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPEnv is Env for the MCP flavour of the fake.
func MCPEnv(extra map[string]string) map[string]string {
	env := Env(extra)
	env[EnvMCP] = "1"
	return env
}

// ServeMCP runs the fake as an MCP stdio server over in and out until in is
// exhausted. EnvNoReady makes it swallow input without ever answering
// initialize.
func ServeMCP(in io.Reader, out, errOut io.Writer) int {
	fmt.Fprintln(errOut, "fake mcp worker booting")
	if os.Getenv(EnvNoReady) != "" {
		_, _ = io.Copy(io.Discard, in)
		return 0
	}

	s := server.NewMCPServer("fake-onshape", "test", server.WithToolCapabilities(false))

	var (
		mu      sync.Mutex
		current = map[string]any{}
	)
	object := json.RawMessage(`{"type":"object"}`)

	s.AddTool(mcp.NewToolWithRawSchema("onshape_get_context", "Return the active document context", object),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			mu.Lock()
			defer mu.Unlock()
			return mcp.NewToolResultText(mustJSON(current)), nil
		})
	s.AddTool(mcp.NewToolWithRawSchema("onshape_set_context", "Switch the active document", object),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			mu.Lock()
			defer mu.Unlock()
			for k, v := range req.GetArguments() {
				current[k] = v
			}
			return mcp.NewToolResultText(mustJSON(current)), nil
		})
	s.AddTool(mcp.NewToolWithRawSchema("cad_extrude", "Extrude a sketch", mustSchema(fakeTools[1]["inputSchema"])),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(mustJSON(map[string]any{"tool": req.Params.Name, "arguments": req.GetArguments()})), nil
		})
	s.AddTool(mcp.NewToolWithRawSchema("fail", "Always reports failure", object),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError(`{"error":"bad input"}`), nil
		})
	s.AddTool(mcp.NewToolWithRawSchema("env", "Report environment variables", object),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			env := map[string]any{"pid": os.Getpid()}
			names, _ := req.GetArguments()["names"].([]any)
			for _, n := range names {
				name, _ := n.(string)
				if value, ok := os.LookupEnv(name); ok {
					env[name] = value
				} else {
					env[name] = nil
				}
			}
			return mcp.NewToolResultText(mustJSON(env)), nil
		})

	if err := server.NewStdioServer(s).Listen(context.Background(), in, out); err != nil {
		fmt.Fprintln(errOut, "fake mcp worker:", err)
		return 1
	}
	return 0
}

func mustSchema(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
