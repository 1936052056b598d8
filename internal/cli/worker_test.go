package cli

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/lydakis/workerbus/internal/config"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/lydakis/workerbus/internal/workertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserRunPrintsProgressAndOutput(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("", "browser", "run", "noop"), e.stderr.String())
	assert.Equal(t, "done\n", e.stdout.String())
	assert.Contains(t, e.stderr.String(), "  Step 1\n")
}

func TestBrowserRunQuietSuppressesProgress(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("", "browser", "run", "--quiet", "open", "example"))
	assert.Equal(t, "done: open example\n", e.stdout.String())
	assert.NotContains(t, e.stderr.String(), "Started")
}

func TestBrowserRunInterruptStopsTask(t *testing.T) {
	e := newCLIEnv(t, nil)

	old := interrupts
	defer func() { interrupts = old }()
	interrupts = func() (<-chan os.Signal, func()) {
		ch := make(chan os.Signal, 1)
		ch <- syscall.SIGINT
		return ch, func() {}
	}

	assert.Equal(t, workererr.ExitToolErr, e.run("", "browser", "run", "wait-stop"))
	assert.Contains(t, e.stderr.String(), "stopping task")
	assert.Contains(t, e.stderr.String(), "task cancelled")
	assert.Empty(t, e.stdout.String())
}

func TestBrowserRunReportsWorkerFailure(t *testing.T) {
	e := newCLIEnv(t, nil)

	assert.Equal(t, workererr.ExitToolErr, e.run("", "browser", "run", "fail"))
	assert.Contains(t, e.stderr.String(), "task failed")
}

func TestBrowserRunRequiresTask(t *testing.T) {
	e := newCLIEnv(t, nil)
	assert.Equal(t, workererr.ExitUsageErr, e.run("", "browser", "run"))
}

func TestBrowserRunRejectsBadWindowSize(t *testing.T) {
	e := newCLIEnv(t, nil)
	assert.Equal(t, workererr.ExitUsageErr, e.run("", "browser", "run", "--window-size", "huge", "noop"))
}

func TestBrowserTabs(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("", "browser", "tabs", "--max-chars", "5"))
	assert.Equal(t, "  0\tExample Domain\thttps://example.com\n"+
		"* 1\tThe Go Programming Language\thttps://go.dev\n"+
		"\nBuild\n", e.stdout.String())
}

func TestBrowserRead(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("", "browser", "read", "1"))
	assert.Equal(t, "text of The Go Programming Language\n", e.stdout.String())

	assert.Equal(t, workererr.ExitToolErr, e.run("", "browser", "read", "9"))
	assert.Contains(t, e.stderr.String(), "Invalid tab index")

	assert.Equal(t, workererr.ExitUsageErr, e.run("", "browser", "read", "first"))
}

func TestBrowserShell(t *testing.T) {
	e := newCLIEnv(t, nil)

	input := strings.Join([]string{"open", "run noop", "wait", "pause", "read 0", "bogus", "quit"}, "\n")
	require.Equal(t, workererr.ExitOK, e.run(input, "browser", "shell"))

	out := e.stdout.String()
	assert.Contains(t, out, "  Step 1\n")
	assert.Contains(t, out, "output: done\n")
	assert.Contains(t, out, "text of Example Domain\n")
	assert.Contains(t, out, `error: unknown command "bogus"`)
}

func TestBrowserShellStopCancelsRunningTask(t *testing.T) {
	e := newCLIEnv(t, nil)

	input := strings.Join([]string{"run wait-stop", "run noop", "stop", "wait"}, "\n")
	require.Equal(t, workererr.ExitOK, e.run(input, "browser", "shell"))

	out := e.stdout.String()
	assert.Contains(t, out, "error: run: a task is already running")
	assert.Contains(t, out, "task cancelled\n")
}

func TestBrowserShellStopsTaskAtEndOfInput(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("run wait-stop\n", "browser", "shell"))
	assert.Contains(t, e.stdout.String(), "task cancelled\n")
}

func TestCADTools(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("", "cad", "tools"))
	assert.Equal(t, "onshape_get_context\tReturn the active document context\n"+
		"cad_extrude\tExtrude a sketch\n", e.stdout.String())

	require.Equal(t, workererr.ExitOK, e.run("", "cad", "tools", "--json"))
	assert.Contains(t, e.stdout.String(), `"sketch_feature_id"`)
}

func TestCADCall(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("", "cad", "call", "cad_extrude", `{"sketch_feature_id":"F1"}`))
	assert.JSONEq(t, `{"tool":"cad_extrude","arguments":{"sketch_feature_id":"F1"}}`, e.stdout.String())
}

func TestCADCallAcceptsCommentedArgumentFile(t *testing.T) {
	e := newCLIEnv(t, nil)
	path := filepath.Join(t.TempDir(), "args.jsonc")
	require.NoError(t, os.WriteFile(path, []byte("{\n  // feature to extrude\n  \"sketch_feature_id\": \"F2\",\n}\n"), 0o600))

	require.Equal(t, workererr.ExitOK, e.run("", "cad", "call", "cad_extrude", "@"+path))
	assert.JSONEq(t, `{"tool":"cad_extrude","arguments":{"sketch_feature_id":"F2"}}`, e.stdout.String())

	assert.Equal(t, workererr.ExitUsageErr, e.run("", "cad", "call", "cad_extrude", "@"+path+".missing"))
}

func TestCADCallSetsDocumentContext(t *testing.T) {
	e := newCLIEnv(t, nil)

	require.Equal(t, workererr.ExitOK, e.run("", "cad", "call", "--did", "d1", "--eid", "e1", "onshape_get_context"))
	assert.JSONEq(t, `{"did":"d1","eid":"e1"}`, e.stdout.String())
}

func TestCADCallToolFailures(t *testing.T) {
	e := newCLIEnv(t, nil)

	assert.Equal(t, workererr.ExitToolErr, e.run("", "cad", "call", "fail"))
	assert.Contains(t, e.stderr.String(), `{"error":"bad input"}`)
	assert.Empty(t, e.stdout.String())

	assert.Equal(t, workererr.ExitToolErr, e.run("", "cad", "call", "explode"))
	assert.Contains(t, e.stderr.String(), "boom")
}

func TestCADCallOverMCP(t *testing.T) {
	e := newCLIEnv(t, func(cfg *config.Config) {
		w := cfg.Workers[config.RoleCAD]
		w.Protocol = config.ProtocolMCP
		w.Env = workertest.MCPEnv(w.Env)
		cfg.Workers[config.RoleCAD] = w
	})

	require.Equal(t, workererr.ExitOK, e.run("", "cad", "call", "--did", "d1", "cad_extrude", `{"sketch_feature_id":"F1"}`))
	assert.JSONEq(t, `{"tool":"cad_extrude","arguments":{"sketch_feature_id":"F1"}}`, e.stdout.String())

	assert.Equal(t, workererr.ExitToolErr, e.run("", "cad", "call", "fail"))
	assert.Contains(t, e.stderr.String(), `{"error":"bad input"}`)
	assert.Empty(t, e.stdout.String())
}

func TestCADCallRejectsBadArguments(t *testing.T) {
	e := newCLIEnv(t, nil)

	assert.Equal(t, workererr.ExitUsageErr, e.run("", "cad", "call", "cad_extrude", "[1,2]"))
	assert.Equal(t, workererr.ExitUsageErr, e.run("", "cad", "call"))
}
