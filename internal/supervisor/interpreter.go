package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/lydakis/workerbus/internal/workererr"
)

// DefaultInterpreter is looked up on PATH when nothing more specific is found.
const DefaultInterpreter = "python3"

// InterpreterEnvVar overrides the interpreter for every worker role.
const InterpreterEnvVar = "WORKERBUS_PYTHON"

var venvCandidates = []string{
	filepath.Join(".venv", "bin", "python3"),
	filepath.Join(".venv", "bin", "python"),
	filepath.Join("venv", "bin", "python3"),
	filepath.Join("venv", "bin", "python"),
}

// maxExecutableParents bounds how far up from the executable's directory the
// virtual environment search climbs (app bundles nest the binary a few levels
// below the project).
const maxExecutableParents = 4

// ResolveOptions lists interpreter sources in precedence order.
type ResolveOptions struct {
	// Override is an explicit per-call choice.
	Override string
	// Configured comes from the user's configuration file.
	Configured string
	// Role, when set, also consults WORKERBUS_<ROLE>_PYTHON before
	// WORKERBUS_PYTHON.
	Role string
	// WorkDir and ExecDir anchor the virtual environment search. Empty values
	// default to the current directory and the running executable's directory.
	WorkDir string
	ExecDir string

	getenv   func(string) string
	lookPath func(string) (string, error)
}

type interpreterSource struct {
	source string
	value  string
}

// ResolveInterpreter picks the interpreter for a worker: explicit override,
// then configured path, then environment override, then a local virtual
// environment, then DefaultInterpreter on PATH. Explicitly named interpreters
// that do not exist are an error rather than a reason to fall through.
func ResolveInterpreter(opts ResolveOptions) (string, error) {
	getenv := opts.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookPath := opts.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	explicit := []interpreterSource{
		{"override", opts.Override},
		{"configured interpreter", opts.Configured},
	}
	if opts.Role != "" {
		name := "WORKERBUS_" + strings.ToUpper(opts.Role) + "_PYTHON"
		explicit = append(explicit, interpreterSource{name, getenv(name)})
	}
	explicit = append(explicit, interpreterSource{InterpreterEnvVar, getenv(InterpreterEnvVar)})

	for _, c := range explicit {
		value := strings.TrimSpace(c.value)
		if value == "" {
			continue
		}
		path, err := checkInterpreter(value, lookPath)
		if err != nil {
			return "", fmt.Errorf("%s: %w", c.source, err)
		}
		return path, nil
	}

	for _, dir := range venvSearchDirs(opts.WorkDir, opts.ExecDir) {
		for _, rel := range venvCandidates {
			candidate := filepath.Join(dir, rel)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}

	path, err := lookPath(DefaultInterpreter)
	if err != nil {
		return "", &workererr.ResourceMissingError{Resource: "python interpreter (" + DefaultInterpreter + " on PATH)"}
	}
	return path, nil
}

func checkInterpreter(value string, lookPath func(string) (string, error)) (string, error) {
	if !strings.ContainsRune(value, filepath.Separator) {
		path, err := lookPath(value)
		if err != nil {
			return "", &workererr.ResourceMissingError{Resource: "interpreter " + value}
		}
		return path, nil
	}
	if !isExecutable(value) {
		return "", &workererr.ResourceMissingError{Resource: "interpreter", Path: value}
	}
	return value, nil
}

func venvSearchDirs(workDir, execDir string) []string {
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	if execDir == "" {
		if exe, err := os.Executable(); err == nil {
			execDir = filepath.Dir(exe)
		}
	}

	seen := map[string]struct{}{}
	var dirs []string
	add := func(dir string) {
		if dir == "" {
			return
		}
		dir = filepath.Clean(dir)
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	add(workDir)
	dir := execDir
	for i := 0; dir != "" && i <= maxExecutableParents; i++ {
		add(dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return dirs
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
