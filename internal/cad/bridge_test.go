package cad

import (
	"context"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectBridge(t *testing.T) *mcpclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	c, _ := newClient(t)
	bridge, err := NewBridge(ctx, c, "test")
	require.NoError(t, err)

	client, err := mcpclient.NewInProcessClient(bridge.Server())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Start(ctx))
	_, err = client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "bridge-test", Version: "0.0.0"},
		},
	})
	require.NoError(t, err)
	return client
}

func callBridge(t *testing.T, client *mcpclient.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := client.CallTool(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	return result
}

func TestBridgeListsWorkerTools(t *testing.T) {
	client := connectBridge(t)

	listed, err := client.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"onshape_get_context", "cad_extrude"}, names)
}

func TestBridgeForwardsCalls(t *testing.T) {
	client := connectBridge(t)

	result := callBridge(t, client, "cad_extrude", map[string]any{"sketch_feature_id": "F9"})
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"tool":"cad_extrude","arguments":{"sketch_feature_id":"F9"}}`, resultText(result))
}

func TestBridgeReportsToolFailuresAsResults(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)
	bridge, err := NewBridge(ctx, c, "test")
	require.NoError(t, err)

	result, err := bridge.forward("explode")(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "boom")

	result, err = bridge.forward("fail")(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, `{"error":"bad input"}`, resultText(result))
}

func TestBridgeRestartsCrashedWorker(t *testing.T) {
	ctx := context.Background()
	c, sup := newClient(t)
	bridge, err := NewBridge(ctx, c, "test")
	require.NoError(t, err)

	_, err = sup.Request(ctx, "crash", nil, nil)
	require.Error(t, err)

	// The next call restarts the worker rather than failing.
	result, err := bridge.forward("cad_extrude")(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, uint64(2), sup.Generation())
}
