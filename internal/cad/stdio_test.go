package cad

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lydakis/workerbus/internal/supervisor"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/lydakis/workerbus/internal/workertest"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStdioClient(t *testing.T, extra map[string]string, readyTimeout time.Duration) *Client {
	t.Helper()
	c := NewStdio(Options{
		Launch: supervisor.LaunchConfig{
			Interpreter: workertest.Interpreter(),
			Script:      workertest.Script(t),
			Env:         workertest.MCPEnv(extra),
		},
		ReadyTimeout: readyTimeout,
		Version:      "test",
	})
	t.Cleanup(c.Shutdown)
	return c
}

func workerEnv(t *testing.T, c *Client, names ...string) map[string]any {
	t.Helper()
	list := make([]any, 0, len(names))
	for _, n := range names {
		list = append(list, n)
	}
	text, err := c.CallToolText(context.Background(), "env", map[string]any{"names": list})
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &env))
	return env
}

func findTool(tools []mcp.Tool, name string) (mcp.Tool, bool) {
	for _, tool := range tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return mcp.Tool{}, false
}

func TestStdioListToolsKeepsSchemasAndCaches(t *testing.T) {
	c := newStdioClient(t, nil, 10*time.Second)
	ctx := context.Background()

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	extrude, ok := findTool(tools, "cad_extrude")
	require.True(t, ok, "cad_extrude not listed")
	assert.Equal(t, "Extrude a sketch", extrude.Description)

	schema, err := json.Marshal(extrude)
	require.NoError(t, err)
	assert.Contains(t, string(schema), `"sketch_feature_id"`)

	again, err := c.ListTools(ctx)
	require.NoError(t, err)
	assert.Equal(t, tools, again)
	assert.Equal(t, uint64(1), c.t.generation())
}

func TestStdioCallToolReturnsText(t *testing.T) {
	c := newStdioClient(t, nil, 10*time.Second)

	text, err := c.CallToolText(context.Background(), "cad_extrude", map[string]any{"sketch_feature_id": "F1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool":"cad_extrude","arguments":{"sketch_feature_id":"F1"}}`, text)
}

func TestStdioReportedFailureKeepsResult(t *testing.T) {
	c := newStdioClient(t, nil, 10*time.Second)

	result, err := c.CallTool(context.Background(), "fail", nil)
	require.NotNil(t, result)
	assert.True(t, result.IsError)

	var toolErr *workererr.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, `{"error":"bad input"}`, toolErr.Message)
	assert.Equal(t, workererr.ExitToolErr, workererr.ExitCode(err))
}

func TestStdioRefusedCallIsToolErrorWithoutRestart(t *testing.T) {
	c := newStdioClient(t, nil, 10*time.Second)
	ctx := context.Background()

	result, err := c.CallTool(ctx, "no_such_tool", nil)
	assert.Nil(t, result)

	var toolErr *workererr.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "no_such_tool", toolErr.Tool)
	var perr *workererr.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "tools/call", perr.Type)

	_, err = c.CallToolText(ctx, "onshape_get_context", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.t.generation())
}

func TestStdioUseSwitchesContext(t *testing.T) {
	c := newStdioClient(t, nil, 10*time.Second)
	ctx := context.Background()

	doc := &Context{DocumentID: "d1", Workspace: "w", WorkspaceID: "w1", ElementID: "e1"}
	require.NoError(t, c.Use(ctx, Credentials{}, doc))

	text, err := c.CallToolText(ctx, "onshape_get_context", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"did":"d1","wvm":"w","wvmid":"w1","eid":"e1"}`, text)
}

func TestStdioCredentialsRestartWorker(t *testing.T) {
	c := newStdioClient(t, nil, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Use(ctx, Credentials{AccessKey: "a1", SecretKey: "s1"}, nil))
	first := workerEnv(t, c, EnvAccessKey)
	assert.Equal(t, "a1", first[EnvAccessKey])

	require.NoError(t, c.Use(ctx, Credentials{AccessKey: "a2", SecretKey: "s2", BaseURL: "https://cad.example"}, nil))
	assert.Equal(t, uint64(2), c.t.generation())

	second := workerEnv(t, c, EnvAccessKey, EnvSecretKey, EnvBaseURL)
	assert.Equal(t, "a2", second[EnvAccessKey])
	assert.Equal(t, "s2", second[EnvSecretKey])
	assert.Equal(t, "https://cad.example", second[EnvBaseURL])
	assert.NotEqual(t, first["pid"], second["pid"])
}

func TestStdioMissingScript(t *testing.T) {
	c := NewStdio(Options{Launch: supervisor.LaunchConfig{
		Interpreter: workertest.Interpreter(),
		Script:      workertest.Script(t) + ".missing",
		Env:         workertest.MCPEnv(nil),
	}})
	t.Cleanup(c.Shutdown)

	_, err := c.ListTools(context.Background())
	var missing *workererr.ResourceMissingError
	require.ErrorAs(t, err, &missing)
	assert.Zero(t, c.t.generation())
}

func TestStdioInitializeTimeout(t *testing.T) {
	c := newStdioClient(t, map[string]string{workertest.EnvNoReady: "1"}, 200*time.Millisecond)

	_, err := c.ListTools(context.Background())
	var timeout *workererr.ReadinessTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "cad", timeout.Role)

	_, err = c.t.listTools(context.Background())
	require.ErrorIs(t, err, workererr.ErrNotRunning)
}

func TestStdioShutdownStartsFreshWorkerOnNextCall(t *testing.T) {
	c := newStdioClient(t, nil, 10*time.Second)
	ctx := context.Background()

	before := workerEnv(t, c)
	c.Shutdown()
	_, err := c.t.listTools(ctx)
	require.ErrorIs(t, err, workererr.ErrNotRunning)

	after := workerEnv(t, c)
	assert.Equal(t, uint64(2), c.t.generation())
	assert.NotEqual(t, before["pid"], after["pid"])
}

func TestStdioMissingInterpreter(t *testing.T) {
	c := NewStdio(Options{Launch: supervisor.LaunchConfig{
		Interpreter: "/nonexistent/bin/python3",
		Script:      workertest.Script(t),
	}})
	t.Cleanup(c.Shutdown)

	_, err := c.ListTools(context.Background())
	var missing *workererr.ResourceMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "/nonexistent/bin/python3", missing.Path)
}
