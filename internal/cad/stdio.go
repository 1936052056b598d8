package cad

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lydakis/workerbus/internal/pending"
	"github.com/lydakis/workerbus/internal/supervisor"
	"github.com/lydakis/workerbus/internal/workererr"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const stderrClip = 1200

// stdioTransport speaks MCP JSON-RPC to a worker that is an MCP stdio server
// itself, such as the bundled Onshape server. Initialization stands in for
// the ready notification.
type stdioTransport struct {
	role         string
	version      string
	readyTimeout time.Duration
	log          *zap.SugaredLogger

	mu   sync.Mutex
	cfg  supervisor.LaunchConfig
	conn *mcpclient.Client
	gen  uint64
}

func (t *stdioTransport) start(ctx context.Context, cfg supervisor.LaunchConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		if t.cfg.Equal(cfg) {
			return nil
		}
		t.log.Infow("launch configuration changed, restarting worker", "generation", t.gen)
		t.closeLocked()
	}

	if strings.TrimSpace(cfg.Script) == "" {
		return &workererr.ResourceMissingError{Resource: t.role + " worker script"}
	}
	if info, err := os.Stat(cfg.Script); err != nil || info.IsDir() {
		return &workererr.ResourceMissingError{Resource: t.role + " worker script", Path: cfg.Script}
	}

	interpreter := cfg.Interpreter
	if interpreter == "" {
		resolved, err := supervisor.ResolveInterpreter(supervisor.ResolveOptions{Role: t.role, WorkDir: cfg.Dir})
		if err != nil {
			return err
		}
		interpreter = resolved
	}

	conn, err := mcpclient.NewStdioMCPClientWithOptions(interpreter, nil, cfg.Argv(),
		transport.WithCommandFunc(func(ctx context.Context, command string, _ []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = cfg.Environ()
			cmd.Dir = cfg.Dir
			return cmd, nil
		}))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			return &workererr.ResourceMissingError{Resource: "interpreter", Path: interpreter}
		}
		return fmt.Errorf("starting %s worker: %w", t.role, err)
	}
	t.gen++
	gen := t.gen
	if stderr, ok := mcpclient.GetStderr(conn); ok {
		go t.logStderr(stderr, gen)
	}

	if err := t.initialize(ctx, conn); err != nil {
		conn.Close() //nolint:errcheck
		return err
	}
	t.log.Infow("worker started", "interpreter", interpreter, "script", cfg.Script, "generation", gen)
	t.cfg = cfg.Clone()
	t.conn = conn
	return nil
}

func (t *stdioTransport) initialize(ctx context.Context, conn *mcpclient.Client) error {
	timeout := t.readyTimeout
	if timeout <= 0 {
		timeout = supervisor.DefaultReadyTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := conn.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "workerbus", Version: t.version},
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(initCtx.Err(), context.DeadlineExceeded):
		return &workererr.ReadinessTimeoutError{Role: t.role, Timeout: timeout}
	default:
		return fmt.Errorf("initializing %s worker: %w", t.role, err)
	}
}

func (t *stdioTransport) logStderr(r io.Reader, gen uint64) {
	log := t.log.Named("stderr")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if text := scanner.Text(); strings.TrimSpace(text) != "" {
			log.Debugw(pending.Clip(text, stderrClip), "generation", gen)
		}
	}
}

func (t *stdioTransport) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *stdioTransport) current() (*mcpclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, workererr.ErrNotRunning
	}
	return t.conn, nil
}

func (t *stdioTransport) invalidate(conn *mcpclient.Client, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return
	}
	t.log.Warnw("worker connection failed, dropping it", "generation", t.gen, "error", err)
	t.closeLocked()
}

func (t *stdioTransport) listTools(ctx context.Context) ([]mcp.Tool, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	result, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, t.failed(ctx, conn, fmt.Errorf("listing tools: %w", err))
	}
	return result.Tools, nil
}

func (t *stdioTransport) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	result, err := conn.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		err = t.failed(ctx, conn, err)
		if errors.Is(err, workererr.ErrNotRunning) || ctx.Err() != nil {
			return nil, fmt.Errorf("calling %s: %w", name, err)
		}
		// A JSON-RPC error is the server refusing this call, like a .error reply.
		perr := &workererr.ProtocolError{Type: "tools/call", Message: err.Error()}
		return nil, &workererr.ToolError{Tool: name, Message: perr.Error(), Err: perr}
	}
	return result, nil
}

// failed maps a transport failure to ErrNotRunning and drops the connection,
// so the next start spawns a fresh worker. Other errors pass through.
func (t *stdioTransport) failed(ctx context.Context, conn *mcpclient.Client, err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) || ctx.Err() != nil {
		return err
	}
	t.invalidate(conn, err)
	return fmt.Errorf("%w: %v", workererr.ErrNotRunning, err)
}

func (t *stdioTransport) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *stdioTransport) closeLocked() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Close(); err != nil {
		t.log.Debugw("worker exited", "generation", t.gen, "error", err)
	}
	t.conn = nil
	t.cfg = supervisor.LaunchConfig{}
}
