package cad

import (
	"context"
	"errors"
	"fmt"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/supervisor"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/mark3labs/mcp-go/mcp"
)

// transport carries tool listings and calls to one worker process.
// generation changes whenever that process is replaced.
type transport interface {
	start(ctx context.Context, cfg supervisor.LaunchConfig) error
	generation() uint64
	listTools(ctx context.Context) ([]mcp.Tool, error)
	callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	stop()
}

// busTransport speaks the line envelope protocol through a supervisor.
type busTransport struct {
	sup *supervisor.Supervisor
}

func (t busTransport) start(ctx context.Context, cfg supervisor.LaunchConfig) error {
	return t.sup.StartIfNeeded(ctx, cfg)
}

func (t busTransport) generation() uint64 { return t.sup.Generation() }

func (t busTransport) listTools(ctx context.Context) ([]mcp.Tool, error) {
	reply, err := t.sup.Request(ctx, "list_tools", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeTools(reply.PayloadValue())
}

func (t busTransport) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	payload, err := envelope.From(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s: %w", name, err)
	}

	reply, err := t.sup.Request(ctx, "call_tool", &payload, nil)
	if err != nil {
		var perr *workererr.ProtocolError
		if errors.As(err, &perr) {
			return nil, &workererr.ToolError{Tool: name, Message: perr.Error(), Err: perr}
		}
		return nil, err
	}
	return decodeResult(reply.PayloadValue())
}

func (t busTransport) stop() { t.sup.Stop() }

func decodeTools(payload envelope.Value) ([]mcp.Tool, error) {
	items, ok := payload.Get("tools").ArrayValue()
	if !ok {
		return nil, &workererr.InvalidResponseError{Op: "list_tools", Reason: "tools is not an array"}
	}

	tools := make([]mcp.Tool, 0, len(items))
	for i, item := range items {
		name, _ := item.Get("name").StringValue()
		if name == "" {
			return nil, &workererr.InvalidResponseError{Op: "list_tools", Reason: fmt.Sprintf("tool %d has no name", i)}
		}
		description, _ := item.Get("description").StringValue()

		schema := []byte(`{"type":"object"}`)
		if raw := item.Get("inputSchema"); raw.Kind() == envelope.KindObject {
			encoded, err := raw.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("encoding input schema of %s: %w", name, err)
			}
			schema = encoded
		}
		tools = append(tools, mcp.Tool{
			Name:           name,
			Description:    description,
			RawInputSchema: schema,
		})
	}
	return tools, nil
}
