// Package workertest provides a scripted stand-in for the Python workers.
// Tests re-execute their own binary as the worker: TestMain calls
// RunIfRequested, and the launch configuration points the interpreter at
// os.Args[0] with EnvEnable set.
//
// The fake encodes its replies with encoding/json rather than the envelope
// package so codec bugs cannot cancel out on both ends.
package workertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"
)

// Environment knobs read by the fake worker.
const (
	EnvEnable     = "WORKERBUS_FAKE_WORKER"
	EnvReadyDelay = "WORKERBUS_FAKE_READY_DELAY"
	EnvNoReady    = "WORKERBUS_FAKE_NO_READY"
	EnvMCP        = "WORKERBUS_FAKE_MCP"
)

// RunIfRequested turns the current process into the fake worker when
// EnvEnable is set, and never returns in that case. With EnvMCP also set the
// fake is an MCP stdio server instead.
func RunIfRequested() {
	if os.Getenv(EnvEnable) == "" {
		return
	}
	if os.Getenv(EnvMCP) != "" {
		os.Exit(ServeMCP(os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(Serve(os.Stdin, os.Stdout, os.Stderr))
}

// Interpreter is the executable that plays the interpreter: the test binary.
func Interpreter() string {
	return os.Args[0]
}

// Script creates a placeholder worker script. The fake ignores it, but the
// supervisor insists that the script exists.
func Script(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.py")
	if err := os.WriteFile(path, []byte("# fake worker\n"), 0o644); err != nil {
		t.Fatalf("writing fake worker script: %v", err)
	}
	return path
}

// Env returns the launch environment enabling the fake, plus extra.
func Env(extra map[string]string) map[string]string {
	env := map[string]string{EnvEnable: "1"}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

type command struct {
	ID      any            `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (c command) id() string {
	switch v := c.ID.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

type fakeWorker struct {
	outMu  sync.Mutex
	out    io.Writer
	errOut io.Writer

	mu       sync.Mutex
	received []string
	stopTask chan struct{}
	context  map[string]any
	// holdOpen keeps the process alive after stdin closes.
	holdOpen bool
}

// Serve runs the fake worker over in and out until in is exhausted, and
// returns the process exit code.
func Serve(in io.Reader, out, errOut io.Writer) int {
	w := &fakeWorker{out: out, errOut: errOut, context: map[string]any{}}

	fmt.Fprintln(errOut, "fake worker booting")
	if delay, err := time.ParseDuration(os.Getenv(EnvReadyDelay)); err == nil && delay > 0 {
		time.Sleep(delay)
	}
	if os.Getenv(EnvNoReady) == "" {
		w.write("", "ready", map[string]any{"pid": os.Getpid()})
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var cmd command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			w.write("", "error", map[string]any{"message": "Invalid JSON"})
			continue
		}
		if code, exit := w.handle(cmd); exit {
			return code
		}
	}

	w.mu.Lock()
	hold := w.holdOpen
	w.mu.Unlock()
	if hold {
		time.Sleep(time.Hour)
	}
	return 0
}

func (w *fakeWorker) write(id, typ string, payload any) {
	msg := map[string]any{"type": typ}
	if id != "" {
		msg["id"] = id
	}
	if payload != nil {
		msg["payload"] = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	w.writeRaw(string(data))
}

func (w *fakeWorker) writeRaw(line string) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	_, _ = io.WriteString(w.out, line+"\n")
}

func (w *fakeWorker) handle(cmd command) (int, bool) {
	id := cmd.id()
	w.mu.Lock()
	w.received = append(w.received, cmd.Type)
	w.mu.Unlock()

	switch cmd.Type {
	case "open_browser", "close_browser", "close_all_windows", "pause", "resume":
		w.write(id, cmd.Type+".ok", map[string]any{"status": "ok"})
	case "stop":
		w.mu.Lock()
		if w.stopTask != nil {
			close(w.stopTask)
			w.stopTask = nil
		}
		w.mu.Unlock()
		w.write(id, "stop.ok", map[string]any{"status": "ok"})
	case "run_task":
		w.runTask(id, stringArg(cmd.Payload, "task"))
	case "get_tab_context":
		w.tabContext(id, cmd.Payload)
	case "read_tab_text":
		index := intArg(cmd.Payload, "index", -1)
		if index < 0 || index >= len(fakeTabs) {
			w.write(id, "read_tab_text.error", map[string]any{"message": "Invalid tab index"})
			return 0, false
		}
		w.write(id, "read_tab_text.ok", map[string]any{"index": index, "text": "text of " + fakeTabs[index]["title"].(string)})
	case "list_tools":
		w.write(id, "list_tools.ok", map[string]any{"tools": fakeTools})
	case "call_tool":
		w.callTool(id, cmd.Payload)
	case "stats":
		w.stats(id, cmd.Payload)
	case "events":
		n := intArg(cmd.Payload, "count", 0)
		for i := 1; i <= n; i++ {
			w.write(id, "events.event", map[string]any{"event": "tick", "step": i})
		}
		w.write(id, "events.ok", map[string]any{"count": n})
	case "dup":
		w.write(id, "dup.ok", map[string]any{"n": 1})
		w.write(id, "dup.ok", map[string]any{"n": 2})
		w.write(id, "dup.error", map[string]any{"message": "late"})
	case "noise":
		w.writeRaw("not json at all")
		w.writeRaw(`{"id":"` + id + `"}`)
		w.writeRaw(`[1,2,3]`)
		w.writeRaw("   ")
		w.write("someone-else", "noise.ok", map[string]any{})
		w.write(id, "noise.ok", map[string]any{"clean": true})
	case "ignore_term":
		signal.Ignore(syscall.SIGTERM)
		w.mu.Lock()
		w.holdOpen = true
		w.mu.Unlock()
		w.write(id, "ignore_term.ok", map[string]any{"status": "ok"})
	case "crash":
		fmt.Fprintln(w.errOut, "Traceback (most recent call last):\n  fake crash")
		return 3, true
	case "hang":
	default:
		if id == "" {
			return 0, false
		}
		w.write(id, "error", map[string]any{"message": "Unknown command: " + cmd.Type})
	}
	return 0, false
}

func (w *fakeWorker) runTask(id, task string) {
	if task == "" {
		w.write(id, "run_task.error", map[string]any{"message": "Missing task"})
		return
	}

	w.mu.Lock()
	if w.stopTask != nil {
		w.mu.Unlock()
		w.write(id, "run_task.error", map[string]any{"message": "A browser task is already running"})
		return
	}
	stop := make(chan struct{})
	if task == "wait-stop" {
		w.stopTask = stop
	}
	w.mu.Unlock()

	event := func(payload map[string]any) {
		w.write(id, "run_task.event", payload)
	}

	switch task {
	case "wait-stop":
		go func() {
			event(map[string]any{"event": "started"})
			<-stop
			w.write(id, "run_task.cancelled", map[string]any{"status": "cancelled"})
		}()
	case "fail":
		w.write(id, "run_task.error", map[string]any{
			"message":   "task failed",
			"traceback": "Traceback (most recent call last):\n  File \"worker.py\", line 1\nRuntimeError: task failed",
		})
	case "missing-output":
		w.write(id, "run_task.ok", map[string]any{})
	case "noop":
		event(map[string]any{"event": "step_start", "step": 1})
		w.write(id, "run_task.ok", map[string]any{"output": "done"})
	default:
		event(map[string]any{"event": "started"})
		event(map[string]any{"event": "step_start", "step": 1, "url": "https://example.com", "title": "Example Domain"})
		event(map[string]any{
			"event":     "model_output",
			"step":      1,
			"memory":    "Nothing done yet",
			"next_goal": "Open the example page",
			"actions": []any{
				map[string]any{"go_to_url": map[string]any{"url": "https://example.com"}},
				map[string]any{"click_element_by_index": map[string]any{"index": 3}},
			},
		})
		event(map[string]any{"event": "action_result", "step": 1, "status": "ok", "text": "Navigated to https://example.com"})
		event(map[string]any{"event": "screenshot", "step": 1, "path": "/tmp/step-0001.png"})
		event(map[string]any{"event": "step_end", "step": 1, "url": "https://example.com", "title": "Example Domain"})
		w.write(id, "run_task.ok", map[string]any{"output": "done: " + task})
	}
}

var fakeTabs = []map[string]any{
	{"index": 0, "title": "Example Domain", "url": "https://example.com", "target_id": "T0"},
	{"index": 1, "title": "The Go Programming Language", "url": "https://go.dev", "target_id": "T1"},
}

func (w *fakeWorker) tabContext(id string, payload map[string]any) {
	reply := map[string]any{
		"tabs":                fakeTabs,
		"active_index":        1,
		"active_text_excerpt": nil,
	}
	if include, ok := payload["include_active_text"].(bool); !ok || include {
		text := "Build simple, secure, scalable systems with Go"
		if limit := intArg(payload, "max_chars", 0); limit > 0 && limit < len(text) {
			text = text[:limit]
		}
		reply["active_text_excerpt"] = text
	}
	w.write(id, "get_tab_context.ok", reply)
}

var fakeTools = []map[string]any{
	{
		"name":        "onshape_get_context",
		"description": "Return the active document context",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		"name":        "cad_extrude",
		"description": "Extrude a sketch",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sketch_feature_id": map[string]any{"type": "string"},
				"depth":             map[string]any{"type": "string"},
			},
			"required": []any{"sketch_feature_id"},
		},
	},
}

func (w *fakeWorker) callTool(id string, payload map[string]any) {
	name := stringArg(payload, "name")
	args, _ := payload["arguments"].(map[string]any)

	switch name {
	case "explode":
		w.write(id, "call_tool.error", map[string]any{
			"message":   "boom",
			"traceback": "Traceback (most recent call last):\nRuntimeError: boom",
		})
	case "fail":
		w.write(id, "call_tool.ok", map[string]any{"text": `{"error":"bad input"}`, "isError": true})
	case "mcp_style":
		w.write(id, "call_tool.ok", map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "from content"}},
			"isError": false,
		})
	case "onshape_set_context":
		w.mu.Lock()
		for k, v := range args {
			w.context[k] = v
		}
		ctx := mustJSON(w.context)
		w.mu.Unlock()
		w.write(id, "call_tool.ok", map[string]any{"text": ctx, "isError": false})
	case "onshape_get_context":
		w.mu.Lock()
		ctx := mustJSON(w.context)
		w.mu.Unlock()
		w.write(id, "call_tool.ok", map[string]any{"text": ctx, "isError": false})
	default:
		w.write(id, "call_tool.ok", map[string]any{
			"text":    mustJSON(map[string]any{"tool": name, "arguments": args}),
			"isError": false,
		})
	}
}

func (w *fakeWorker) stats(id string, payload map[string]any) {
	env := map[string]any{}
	if names, ok := payload["env"].([]any); ok {
		for _, n := range names {
			name, _ := n.(string)
			if value, present := os.LookupEnv(name); present {
				env[name] = value
			} else {
				env[name] = nil
			}
		}
	}

	w.mu.Lock()
	received := append([]string(nil), w.received...)
	w.mu.Unlock()

	w.write(id, "stats.ok", map[string]any{
		"pid":      os.Getpid(),
		"received": received,
		"env":      env,
		"args":     os.Args[1:],
	})
}

func stringArg(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func intArg(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
