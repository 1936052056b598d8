package supervisor

import (
	"os"
	"slices"
	"sort"
)

// LaunchConfig holds everything that decides whether a running worker process
// can be reused. Two configs that compare Equal describe the same process.
type LaunchConfig struct {
	// Interpreter is the resolved executable that runs Script.
	Interpreter string
	Script      string
	// Args follow the script on the command line.
	Args []string
	// Env is layered over the parent environment. An empty value removes
	// the variable, so credentials can be toggled present or absent.
	Env map[string]string
	Dir string
}

// Equal reports whether c and other launch the same process.
func (c LaunchConfig) Equal(other LaunchConfig) bool {
	if c.Interpreter != other.Interpreter || c.Script != other.Script || c.Dir != other.Dir {
		return false
	}
	if !slices.Equal(c.Args, other.Args) {
		return false
	}
	if len(c.Env) != len(other.Env) {
		return false
	}
	for k, v := range c.Env {
		if ov, ok := other.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of c.
func (c LaunchConfig) Clone() LaunchConfig {
	out := c
	out.Args = append([]string(nil), c.Args...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Argv is the interpreter's argument list: unbuffered mode, the script, then
// any extra arguments.
func (c LaunchConfig) Argv() []string {
	out := make([]string, 0, len(c.Args)+2)
	out = append(out, "-u", c.Script)
	return append(out, c.Args...)
}

// Environ returns the child's environment: the parent's, minus every key in
// Env, plus the non-empty entries of Env in sorted order.
func (c LaunchConfig) Environ() []string {
	return mergeEnv(os.Environ(), c.Env)
}

func mergeEnv(base []string, overlay map[string]string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, overridden := overlay[key]; overridden {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := overlay[k]; v != "" {
			out = append(out, k+"="+v)
		}
	}
	return out
}
