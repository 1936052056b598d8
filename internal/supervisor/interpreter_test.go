package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func stubEnv(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func noPath(string) (string, error) { return "", errors.New("not found") }

func TestResolveInterpreterPrecedence(t *testing.T) {
	dir := t.TempDir()
	override := writeExecutable(t, filepath.Join(dir, "override", "python3"))
	configured := writeExecutable(t, filepath.Join(dir, "configured", "python3"))
	roleEnv := writeExecutable(t, filepath.Join(dir, "role", "python3"))
	globalEnv := writeExecutable(t, filepath.Join(dir, "global", "python3"))
	venv := writeExecutable(t, filepath.Join(dir, "work", ".venv", "bin", "python3"))

	env := stubEnv(map[string]string{
		"WORKERBUS_BROWSER_PYTHON": roleEnv,
		InterpreterEnvVar:          globalEnv,
	})
	base := ResolveOptions{
		Role:     "browser",
		WorkDir:  filepath.Join(dir, "work"),
		ExecDir:  filepath.Join(dir, "nowhere"),
		getenv:   env,
		lookPath: noPath,
	}

	tests := []struct {
		name   string
		mutate func(*ResolveOptions)
		want   string
	}{
		{"override wins", func(o *ResolveOptions) { o.Override = override; o.Configured = configured }, override},
		{"configured beats env", func(o *ResolveOptions) { o.Configured = configured }, configured},
		{"role env beats global env", func(o *ResolveOptions) {}, roleEnv},
		{"global env", func(o *ResolveOptions) { o.Role = "cad" }, globalEnv},
		{"venv", func(o *ResolveOptions) { o.Role = ""; o.getenv = stubEnv(nil) }, venv},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			got, err := ResolveInterpreter(opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveInterpreterExplicitMissingIsError(t *testing.T) {
	_, err := ResolveInterpreter(ResolveOptions{
		Configured: filepath.Join(t.TempDir(), "missing", "python3"),
		getenv:     stubEnv(nil),
		lookPath:   func(string) (string, error) { return "/usr/bin/python3", nil },
	})
	var missing *workererr.ResourceMissingError
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, err.Error(), "configured interpreter")
}

func TestResolveInterpreterBareNameUsesPath(t *testing.T) {
	got, err := ResolveInterpreter(ResolveOptions{
		Override: "python3.12",
		WorkDir:  t.TempDir(),
		getenv:   stubEnv(nil),
		lookPath: func(name string) (string, error) { return "/opt/bin/" + name, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/python3.12", got)
}

func TestResolveInterpreterClimbsExecutableParents(t *testing.T) {
	dir := t.TempDir()
	venv := writeExecutable(t, filepath.Join(dir, "venv", "bin", "python"))
	execDir := filepath.Join(dir, "App.app", "Contents", "MacOS")
	require.NoError(t, os.MkdirAll(execDir, 0o755))

	got, err := ResolveInterpreter(ResolveOptions{
		WorkDir:  t.TempDir(),
		ExecDir:  execDir,
		getenv:   stubEnv(nil),
		lookPath: noPath,
	})
	require.NoError(t, err)
	assert.Equal(t, venv, got)
}

func TestResolveInterpreterSkipsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".venv", "bin", "python3")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	got, err := ResolveInterpreter(ResolveOptions{
		WorkDir:  dir,
		ExecDir:  t.TempDir(),
		getenv:   stubEnv(nil),
		lookPath: func(string) (string, error) { return "/usr/bin/python3", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3", got)
}

func TestResolveInterpreterNothingFound(t *testing.T) {
	_, err := ResolveInterpreter(ResolveOptions{
		WorkDir:  t.TempDir(),
		ExecDir:  t.TempDir(),
		getenv:   stubEnv(nil),
		lookPath: noPath,
	})
	var missing *workererr.ResourceMissingError
	require.ErrorAs(t, err, &missing)
}
