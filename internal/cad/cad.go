// Package cad drives the CAD tool worker, which exposes Onshape operations as
// named tools. The worker is reached either over the line envelope protocol
// or, for workers that are MCP stdio servers, over MCP itself. Tools are
// described and returned in MCP terms so they can be served to MCP clients
// unchanged.
package cad

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lydakis/workerbus/internal/supervisor"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// Environment variables carrying Onshape credentials into the worker.
const (
	EnvAccessKey = "ONSHAPE_ACCESS_KEY"
	EnvSecretKey = "ONSHAPE_SECRET_KEY"
	EnvBaseURL   = "ONSHAPE_BASE_URL"
)

// SetContextTool switches the worker's active document.
const SetContextTool = "onshape_set_context"

// Options configure a Client.
type Options struct {
	Launch supervisor.LaunchConfig
	Logger *zap.SugaredLogger

	// ReadyTimeout bounds MCP initialization for NewStdio clients.
	ReadyTimeout time.Duration
	// Version is reported to MCP workers as the client version.
	Version      string
}

// Credentials are passed to the worker through its environment. A zero value
// leaves whatever the launch configuration provides.
type Credentials struct {
	AccessKey string
	SecretKey string
	BaseURL   string
}

// Context identifies the document element the worker operates on.
type Context struct {
	DocumentID string
	// Workspace is the w/v/m selector: workspace, version or microversion.
	Workspace   string
	WorkspaceID string
	ElementID   string
}

func (c Context) arguments() map[string]any {
	args := map[string]any{}
	for key, value := range map[string]string{
		"did":   c.DocumentID,
		"wvm":   c.Workspace,
		"wvmid": c.WorkspaceID,
		"eid":   c.ElementID,
	} {
		if value != "" {
			args[key] = value
		}
	}
	return args
}

// Client is the typed API over one CAD worker.
type Client struct {
	t    transport
	opts Options
	log  *zap.SugaredLogger

	mu        sync.Mutex
	creds     Credentials
	docCtx    *Context
	docCtxGen uint64
	tools     []mcp.Tool
	toolsGen  uint64
}

// New creates a client for a worker speaking the envelope protocol through
// sup.
func New(sup *supervisor.Supervisor, opts Options) *Client {
	return withTransport(busTransport{sup: sup}, opts)
}

// NewStdio creates a client for a worker that is an MCP stdio server.
func NewStdio(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return withTransport(&stdioTransport{
		role:         "cad",
		version:      opts.Version,
		readyTimeout: opts.ReadyTimeout,
		log:          opts.Logger.Named("cad.stdio"),
	}, opts)
}

func withTransport(t transport, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Client{
		t:    t,
		opts: opts,
		log:  opts.Logger.Named("cad"),
	}
}

func (c *Client) launchConfig(creds Credentials) supervisor.LaunchConfig {
	cfg := c.opts.Launch.Clone()
	if creds == (Credentials{}) {
		return cfg
	}
	if cfg.Env == nil {
		cfg.Env = make(map[string]string, 3)
	}
	cfg.Env[EnvAccessKey] = strings.TrimSpace(creds.AccessKey)
	cfg.Env[EnvSecretKey] = strings.TrimSpace(creds.SecretKey)
	if creds.BaseURL != "" {
		cfg.Env[EnvBaseURL] = strings.TrimSpace(creds.BaseURL)
	}
	return cfg
}

// Use starts or restarts the worker for creds and, when docCtx is set,
// switches the worker to that document. A context change is a tool call on
// the live worker, not a restart.
func (c *Client) Use(ctx context.Context, creds Credentials, docCtx *Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.t.start(ctx, c.launchConfig(creds)); err != nil {
		return err
	}
	c.creds = creds

	gen := c.t.generation()
	if c.docCtxGen != gen {
		c.docCtx = nil
	}
	if docCtx == nil || (c.docCtx != nil && *c.docCtx == *docCtx) {
		return nil
	}

	c.log.Infow("switching document context", "did", docCtx.DocumentID, "eid", docCtx.ElementID)
	if _, err := c.callTool(ctx, SetContextTool, docCtx.arguments()); err != nil {
		return fmt.Errorf("setting document context: %w", err)
	}
	switched := *docCtx
	c.docCtx = &switched
	c.docCtxGen = gen
	return nil
}

func (c *Client) ensureCurrent(ctx context.Context) error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	return c.Use(ctx, creds, nil)
}

// ListTools returns the worker's tools. The list is fetched once per worker
// process.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := c.ensureCurrent(ctx); err != nil {
		return nil, err
	}
	gen := c.t.generation()

	c.mu.Lock()
	if c.tools != nil && c.toolsGen == gen {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	tools, err := c.t.listTools(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = tools
	c.toolsGen = gen
	c.mu.Unlock()
	return tools, nil
}

// CallTool runs a tool. A tool that reports failure returns both its result
// and a *workererr.ToolError, so callers can still show what it said.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("call_tool: empty tool name")
	}
	if err := c.ensureCurrent(ctx); err != nil {
		return nil, err
	}
	return c.callTool(ctx, name, args)
}

// CallToolText runs a tool and returns its text output.
func (c *Client) CallToolText(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.CallTool(ctx, name, args)
	if result == nil {
		return "", err
	}
	return resultText(result), err
}

func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.t.callTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return result, &workererr.ToolError{Tool: name, Message: resultText(result)}
	}
	return result, nil
}

// Shutdown stops the worker process.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.docCtx = nil
	c.tools = nil
	c.mu.Unlock()
	c.t.stop()
}
