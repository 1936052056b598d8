package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lydakis/workerbus/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchFindsVirtualEnvironmentInWorkerDir(t *testing.T) {
	t.Setenv("WORKERBUS_PYTHON", "")
	t.Setenv("WORKERBUS_BROWSER_PYTHON", "")

	dir := t.TempDir()
	python := filepath.Join(dir, ".venv", "bin", "python3")
	require.NoError(t, os.MkdirAll(filepath.Dir(python), 0o755))
	require.NoError(t, os.WriteFile(python, []byte("#!/bin/sh\n"), 0o755))

	cfg := config.Default()
	w := cfg.Workers[config.RoleBrowser]
	w.Dir = dir
	cfg.Workers[config.RoleBrowser] = w

	rt := &runtime{cfg: cfg}
	launch, err := rt.launch(config.RoleBrowser)
	require.NoError(t, err)
	assert.Equal(t, python, launch.Interpreter)
	assert.Equal(t, dir, launch.Dir)
}
